package hub

import (
	"context"
	"net/http"
)

// RegisterResult is returned to the transport on a successful register. The
// transport delivers the initial resume token to the client.
type RegisterResult struct {
	ResumeToken string
	ExpiresInMs int64
}

// Register authenticates a new socket and installs it in the registry.
//
// A nil result means the socket was refused and already closed with the
// appropriate code: 1008 unauthorized or 1013 connection_rate_limited.
// The transport must route the socket's close and pong events to
// HandleSocketClose and HandlePong, and inbound frames to HandleFrame.
func (h *Hub) Register(socket Socket, clientID string, headers http.Header) *RegisterResult {
	identity := h.authenticate(headers, clientID)
	if identity == nil {
		h.metrics.Closed(ClosePolicyViolation, ReasonUnauthorized)
		if err := socket.Close(ClosePolicyViolation, ReasonUnauthorized); err != nil {
			socket.Terminate()
		}
		return nil
	}

	if h.connLimiter != nil {
		if err := h.connLimiter.Consume(identity.AccountID); err != nil {
			h.logger.Warn().
				Str("client_id", clientID).
				Str("account_id", identity.AccountID).
				Msg("Connection rate limited")
			h.metrics.Closed(CloseTryAgainLater, ReasonConnectionRateLimited)
			if err := socket.Close(CloseTryAgainLater, ReasonConnectionRateLimited); err != nil {
				socket.Terminate()
			}
			return nil
		}
	}

	token, expiresAt := h.nextResumeToken()
	conn := &Connection{
		hub:                  h,
		socket:               socket,
		clientID:             clientID,
		accountID:            identity.AccountID,
		deviceID:             identity.DeviceID,
		resumeToken:          token,
		resumeTokenExpiresAt: expiresAt,
		inFlight:             make(map[string]struct{}),
		lastSeenAt:           h.now(),
	}

	if prev := h.registry.add(conn); prev != nil {
		// Stale entry under the same client id; its close event will find
		// the registry already pointing at the successor.
		prev.cancelTimers()
		prev.terminate(CloseAbnormal, ReasonHeartbeatTerminate)
	}

	h.persistSnapshot(conn)
	h.metrics.Connected(conn.accountID, conn.deviceID)
	h.logger.Info().
		Str("client_id", clientID).
		Str("account_id", conn.accountID).
		Str("device_id", conn.deviceID).
		Msg("Client connected")

	h.scheduleHeartbeat(conn)
	return &RegisterResult{
		ResumeToken: token,
		ExpiresInMs: expiresAt - h.now().UnixMilli(),
	}
}

// HandleSocketClose is the socket close event: the connection leaves the
// registry, timers stop, a final snapshot is persisted, and onClose runs.
// code and reason describe a peer-initiated close; when the hub closed the
// socket itself, the recorded code/reason win.
func (h *Hub) HandleSocketClose(clientID string, code int, reason string) {
	conn, ok := h.registry.get(clientID)
	if !ok {
		return
	}
	if !h.registry.remove(clientID, conn) {
		return
	}

	conn.mu.Lock()
	conn.closed = true
	if conn.closeCode != 0 {
		code = conn.closeCode
		reason = conn.closeReason
	}
	conn.mu.Unlock()

	conn.cancelTimers()
	h.persistSnapshot(conn)
	h.metrics.Closed(code, reason)
	h.logger.Info().
		Str("client_id", clientID).
		Int("code", code).
		Str("reason", reason).
		Msg("Client disconnected")

	if h.onClose != nil {
		h.onClose(clientID)
	}
}

// DropResumeState removes a persisted snapshot out of band. Used by
// operational tooling; drop failures are surfaced to the caller.
func (h *Hub) DropResumeState(ctx context.Context, token string) error {
	return h.store.Drop(ctx, token)
}
