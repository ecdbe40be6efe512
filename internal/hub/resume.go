package hub

import (
	"context"

	"github.com/nimbuschat/relay/internal/protocol"
	"github.com/nimbuschat/relay/internal/resume"
)

// ReplayResult summarizes one resume attempt.
type ReplayResult struct {
	// ReplayCount is the number of log frames actually flushed to the
	// send queue (the resume_ack itself is not counted).
	ReplayCount int
	// Batches is the number of replay batches attempted.
	Batches int
	// RotatedToken is the fresh token issued by this resume; empty when the
	// resume was refused.
	RotatedToken string
}

// handleResume runs the resume protocol for a validated resume envelope:
// token-class check, cross-session recovery or same-session rotation,
// resume_ack emission, then a batched, backpressure-aware replay of the
// outbound log.
func (h *Hub) handleResume(conn *Connection, env *protocol.Envelope) ReplayResult {
	payload, err := env.Resume()
	if err != nil {
		conn.Close(CloseProtocolError, ReasonInvalidResume)
		return ReplayResult{}
	}

	ctx := context.Background()
	now := h.now().UnixMilli()

	conn.mu.Lock()
	liveToken := conn.resumeToken
	conn.mu.Unlock()

	if payload.ResumeToken != liveToken {
		// Cross-session recovery: graft the persisted snapshot onto this
		// connection, consuming it in the same logical step.
		state, err := h.store.Load(ctx, payload.ResumeToken)
		if err != nil {
			h.logger.Error().
				Err(err).
				Str("client_id", conn.clientID).
				Msg("Resume state load failed")
			conn.Close(ClosePolicyViolation, ReasonInvalidToken)
			return ReplayResult{}
		}
		if state == nil {
			conn.Close(ClosePolicyViolation, ReasonInvalidToken)
			return ReplayResult{}
		}
		if state.ExpiresAt < now {
			if err := h.store.Drop(ctx, payload.ResumeToken); err != nil {
				h.logger.Warn().Err(err).Msg("Expired resume state drop failed")
			}
			conn.Close(ClosePolicyViolation, ReasonExpiredToken)
			return ReplayResult{}
		}
		if state.AccountID != conn.accountID || state.DeviceID != conn.deviceID {
			conn.Close(ClosePolicyViolation, ReasonTokenConflict)
			return ReplayResult{}
		}

		conn.mu.Lock()
		conn.serverSeq = state.LastServerSeq
		conn.outboundLog = append([]resume.Frame(nil), state.OutboundFrames...)
		conn.mu.Unlock()

		// Single-use: two concurrent recoveries under one token must not
		// diverge, so the persisted copy goes away with the graft.
		if err := h.store.Drop(ctx, payload.ResumeToken); err != nil {
			h.logger.Warn().Err(err).Msg("Consumed resume state drop failed")
		}
	}

	newToken, expiresAt := h.nextResumeToken()
	conn.mu.Lock()
	conn.resumeToken = newToken
	conn.resumeTokenExpiresAt = expiresAt
	conn.mu.Unlock()

	// The superseded live token must never be honored again; its persisted
	// entry goes away now rather than waiting for store TTL. Best-effort,
	// like the expired-token drop.
	if err := h.store.Drop(ctx, liveToken); err != nil {
		h.logger.Warn().Err(err).Msg("Superseded resume state drop failed")
	}

	h.metrics.ReplayStart()

	fromSeq := payload.LastClientSeq + 1
	ackFrame, err := protocol.Encode(&protocol.ResumeAck{
		Type:        protocol.TypeResumeAck,
		FromSeq:     fromSeq,
		ExpiresInMs: expiresAt - now,
		ResumeToken: newToken,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("resume_ack encode failed")
		return ReplayResult{RotatedToken: newToken}
	}
	h.safeSend(conn, ackFrame)

	result := h.replay(conn, fromSeq)
	result.RotatedToken = newToken

	h.persistSnapshot(conn)
	h.metrics.ResumeTokenRotated()
	h.logger.Info().
		Str("client_id", conn.clientID).
		Str("token", redactToken(newToken)).
		Int("replayed", result.ReplayCount).
		Int("batches", result.Batches).
		Msg("Resume complete, token rotated")
	h.metrics.ReplayComplete(result.ReplayCount)

	if h.onReplayComplete != nil {
		h.onReplayComplete(conn.clientID, result)
	}
	return result
}

// replay re-sends outbound-log frames with seq >= fromSeq in order, in
// batches of MaxReplayBatchSize. The first send refused for backpressure
// halts the current batch and the whole replay.
func (h *Hub) replay(conn *Connection, fromSeq int64) ReplayResult {
	conn.mu.Lock()
	frames := make([]resume.Frame, 0, len(conn.outboundLog))
	for _, frame := range conn.outboundLog {
		if frame.Seq >= fromSeq {
			frames = append(frames, frame)
		}
	}
	conn.mu.Unlock()

	batchSize := h.opts.MaxReplayBatchSize
	result := ReplayResult{}

	for start := 0; start < len(frames); start += batchSize {
		end := start + batchSize
		if end > len(frames) {
			end = len(frames)
		}
		result.Batches++
		h.metrics.ReplayBatchSent()

		for _, frame := range frames[start:end] {
			if !h.safeSendWithBackpressure(conn, []byte(frame.Payload)) {
				h.metrics.ReplayBackpressureHit()
				return result
			}
			result.ReplayCount++
		}
	}
	return result
}

// redactToken keeps the first and last four characters of a token for log
// correlation without exposing the credential.
func redactToken(token string) string {
	if len(token) < 8 {
		return "***redacted***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
