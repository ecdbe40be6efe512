// Package hub owns the live fan-out state of the realtime delivery service:
// the connection registry, per-connection send queues with backpressure, the
// heartbeat state machine, and the resume/replay protocol.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbuschat/relay/internal/metrics"
	"github.com/nimbuschat/relay/internal/protocol"
	"github.com/nimbuschat/relay/internal/resume"
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	AccountID string
	DeviceID  string
}

// Authenticator validates the connection headers for clientID. A nil result
// refuses the connection (close 1008 unauthorized).
type Authenticator func(headers http.Header, clientID string) *Identity

// RateLimiter is the consume-or-fail contract. A non-nil error is
// sufficient to reject; the hub never retries.
type RateLimiter interface {
	Consume(key string) error
}

// Options are the hub's shared limits. Zero values take the defaults below.
type Options struct {
	MaxBufferedBytes   int64         // socket buffer threshold before overload (5 MiB)
	MaxQueueLength     int           // per-connection send queue cap (1024)
	OutboundLogLimit   int           // newest outbound frames kept for replay (500)
	HeartbeatInterval  time.Duration // idle interval before a ping (60s)
	ResumeTokenTTL     time.Duration // resume token lifetime (15m)
	MaxReplayBatchSize int           // frames per replay batch (100)
}

func (o *Options) applyDefaults() {
	if o.MaxBufferedBytes == 0 {
		o.MaxBufferedBytes = 5 * 1024 * 1024
	}
	if o.MaxQueueLength == 0 {
		o.MaxQueueLength = 1024
	}
	if o.OutboundLogLimit == 0 {
		o.OutboundLogLimit = 500
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 60 * time.Second
	}
	if o.ResumeTokenTTL == 0 {
		o.ResumeTokenTTL = 15 * time.Minute
	}
	if o.MaxReplayBatchSize == 0 {
		o.MaxReplayBatchSize = 100
	}
}

// Config wires the hub's collaborators. Authenticate and Store are
// required; limiters and callbacks are optional.
type Config struct {
	Options      Options
	Store        resume.Store
	Metrics      metrics.Recorder
	Logger       zerolog.Logger
	Authenticate Authenticator

	// ConnLimiter gates Register by account; MsgLimiter gates inbound
	// frames by account.
	ConnLimiter RateLimiter
	MsgLimiter  RateLimiter

	// OnClose runs after a connection is removed from the registry.
	OnClose func(clientID string)
	// OnReplayComplete runs after a resume finishes replaying.
	OnReplayComplete func(clientID string, result ReplayResult)
	// OnSendError runs when a connection latches a fatal send error.
	OnSendError func(clientID string, err error)
}

// Hub is the registry of live connections plus the helpers every component
// shares. Mutations of a Connection are serialized by its own lock; the
// registry map is guarded by the hub lock.
type Hub struct {
	opts    Options
	store   resume.Store
	metrics metrics.Recorder
	logger  zerolog.Logger

	authenticate Authenticator
	connLimiter  RateLimiter
	msgLimiter   RateLimiter

	onClose          func(clientID string)
	onReplayComplete func(clientID string, result ReplayResult)
	onSendError      func(clientID string, err error)

	registry connRegistry

	// now is the clock; tests swap it to drive token expiry.
	now func() time.Time
}

// New builds a Hub.
func New(cfg Config) (*Hub, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("resume store is required")
	}
	if cfg.Authenticate == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	cfg.Options.applyDefaults()

	return &Hub{
		opts:             cfg.Options,
		store:            cfg.Store,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger.With().Str("component", "hub").Logger(),
		authenticate:     cfg.Authenticate,
		connLimiter:      cfg.ConnLimiter,
		msgLimiter:       cfg.MsgLimiter,
		onClose:          cfg.OnClose,
		onReplayComplete: cfg.OnReplayComplete,
		onSendError:      cfg.OnSendError,
		registry:         newConnRegistry(),
		now:              time.Now,
	}, nil
}

// ConnectionCount reports live connections.
func (h *Hub) ConnectionCount() int { return h.registry.len() }

// Broadcast serializes env once and delivers it to every live connection:
// the frame gets the connection's next server sequence, lands in its
// outbound log, is enqueued through safeSend, and a snapshot is persisted.
// Safe for concurrent callers; per-connection frame order follows seq order.
func (h *Hub) Broadcast(env *protocol.Envelope) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encode broadcast envelope: %w", err)
	}

	for _, conn := range h.registry.snapshot() {
		conn.deliverMu.Lock()
		conn.appendOutbound(payload)
		h.safeSend(conn, payload)
		conn.deliverMu.Unlock()
		h.persistSnapshot(conn)
	}
	return nil
}

// safeSend enqueues payload on conn, closing the connection with 1013
// overloaded when the socket's outbound buffer is past the threshold. Used
// where losing order is unacceptable (broadcasts, acks).
func (h *Hub) safeSend(conn *Connection, payload []byte) {
	if conn.socket.ReadyState() != StateOpen {
		return
	}
	if conn.socket.BufferedAmount() > h.opts.MaxBufferedBytes {
		h.metrics.Overloaded()
		conn.Close(CloseTryAgainLater, ReasonOverloaded)
		return
	}
	conn.enqueue(payload)
}

// safeSendWithBackpressure behaves like safeSend but additionally reports
// the outcome: false tells the caller to halt further sends to this
// connection. Replay uses it to stop deterministically.
func (h *Hub) safeSendWithBackpressure(conn *Connection, payload []byte) bool {
	if conn.socket.ReadyState() != StateOpen {
		return false
	}
	if conn.socket.BufferedAmount() > h.opts.MaxBufferedBytes {
		h.metrics.Overloaded()
		conn.Close(CloseTryAgainLater, ReasonOverloaded)
		return false
	}
	conn.enqueue(payload)
	return true
}

// nextResumeToken mints a fresh single-use token.
func (h *Hub) nextResumeToken() (token string, expiresAt int64) {
	return uuid.NewString(), h.now().Add(h.opts.ResumeTokenTTL).UnixMilli()
}

// persistSnapshot writes conn's current resume state to the store.
// Best-effort: a store failure only loses the durable copy, the in-memory
// log still serves same-process resumes.
func (h *Hub) persistSnapshot(conn *Connection) {
	state := conn.snapshotState()
	if err := h.store.Persist(context.Background(), state); err != nil {
		h.logger.Warn().
			Err(err).
			Str("client_id", conn.clientID).
			Msg("Snapshot persist failed")
	}
}

// scheduleHeartbeat (re)arms the primary heartbeat timer for conn. On
// firing with no inbound activity for a full interval, a ping goes out and
// the second stage arms for interval/2; missing the pong terminates the
// socket. Activity observed in the meantime simply re-arms the primary.
func (h *Hub) scheduleHeartbeat(conn *Connection) {
	interval := h.opts.HeartbeatInterval

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return
	}
	if conn.heartbeatTimer != nil {
		conn.heartbeatTimer.Stop()
	}
	conn.heartbeatTimer = time.AfterFunc(interval, func() { h.heartbeatFired(conn) })
}

func (h *Hub) heartbeatFired(conn *Connection) {
	interval := h.opts.HeartbeatInterval
	now := h.now()

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	if now.Sub(conn.lastSeenAt) < interval {
		// Activity since the timer was armed; re-arm the primary.
		conn.heartbeatTimer = time.AfterFunc(interval, func() { h.heartbeatFired(conn) })
		conn.mu.Unlock()
		return
	}
	conn.lastPingSentAt = now
	sock := conn.socket
	conn.mu.Unlock()

	if err := sock.Ping(); err != nil {
		h.terminateForHeartbeat(conn)
		return
	}

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.pongTimer = time.AfterFunc(interval/2, func() { h.terminateForHeartbeat(conn) })
	conn.mu.Unlock()
}

// terminateForHeartbeat tears down a connection that missed its pong. The
// registry entry is removed here so the terminate is observed exactly once.
func (h *Hub) terminateForHeartbeat(conn *Connection) {
	if !h.registry.remove(conn.clientID, conn) {
		return
	}
	h.metrics.HeartbeatTerminate()
	h.logger.Info().
		Str("client_id", conn.clientID).
		Msg("Heartbeat timeout, terminating connection")

	conn.terminate(CloseAbnormal, ReasonHeartbeatTerminate)
	conn.cancelTimers()
	h.persistSnapshot(conn)
	h.metrics.Closed(CloseAbnormal, ReasonHeartbeatTerminate)
	if h.onClose != nil {
		h.onClose(conn.clientID)
	}
}

// HandlePong is the socket pong event: it refreshes activity, observes ping
// latency when a ping is outstanding, and disarms the second-stage timer.
func (h *Hub) HandlePong(clientID string) {
	conn, ok := h.registry.get(clientID)
	if !ok {
		return
	}
	now := h.now()

	conn.mu.Lock()
	conn.lastSeenAt = now
	if !conn.lastPingSentAt.IsZero() {
		latency := now.Sub(conn.lastPingSentAt)
		conn.lastPingSentAt = time.Time{}
		conn.mu.Unlock()
		h.metrics.PingLatency(latency)
		conn.mu.Lock()
	}
	if conn.pongTimer != nil {
		conn.pongTimer.Stop()
		conn.pongTimer = nil
	}
	conn.mu.Unlock()

	// The pong closes one heartbeat cycle; arm the next.
	h.scheduleHeartbeat(conn)
}
