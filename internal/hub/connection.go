package hub

import (
	"sync"
	"time"

	"github.com/nimbuschat/relay/internal/resume"
)

// Connection is one live attached client.
//
// All mutable state is guarded by mu. Outbound delivery is a single-worker
// FIFO: enqueue appends and wakes the flush worker, which pops one payload
// at a time and waits for the socket's completion signal before the next,
// so frames reach the socket in exact enqueue order.
type Connection struct {
	hub    *Hub
	socket Socket

	clientID  string
	accountID string
	deviceID  string

	mu sync.Mutex

	// deliverMu serializes sequence assignment with the matching enqueue so
	// concurrent broadcasters cannot interleave a connection's frames out of
	// seq order.
	deliverMu sync.Mutex

	// Resume state.
	resumeToken          string
	resumeTokenExpiresAt int64 // epoch ms

	// Sequencing. serverSeq is strictly increasing; the newest outbound-log
	// entry always carries seq == serverSeq. clientSeq counts accepted
	// inbound msg frames.
	serverSeq int64
	clientSeq int64

	// inFlight tracks recently accepted envelope ids for duplicate
	// suppression; inFlightOrder evicts oldest-first at inFlightLimit.
	inFlight      map[string]struct{}
	inFlightOrder []string

	// outboundLog keeps the newest outboundLogLimit server frames for replay.
	outboundLog []resume.Frame

	// Send state. After fatalSendError latches, the queue is drained and
	// every further enqueue or flush is a no-op.
	sendQueue      [][]byte
	sending        bool
	fatalSendError bool

	// Close bookkeeping. closeCode/closeReason record the server-initiated
	// close so the socket-close event reports the right labels once.
	closed      bool
	closeCode   int
	closeReason string

	// Heartbeat state. At most one of heartbeatTimer is pending; pongTimer
	// is the second stage armed after a ping goes out.
	lastSeenAt     time.Time
	lastPingSentAt time.Time
	heartbeatTimer *time.Timer
	pongTimer      *time.Timer
}

// ClientID returns the connection's opaque client identifier.
func (c *Connection) ClientID() string { return c.clientID }

// AccountID returns the authenticated account.
func (c *Connection) AccountID() string { return c.accountID }

// DeviceID returns the authenticated device.
func (c *Connection) DeviceID() string { return c.deviceID }

// ResumeToken returns the current live resume token.
func (c *Connection) ResumeToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeToken
}

// inFlightLimit bounds the duplicate-suppression window per connection.
const inFlightLimit = 1024

// markInFlight records id as seen. Returns false when id is a duplicate of
// a recently accepted envelope.
func (c *Connection) markInFlight(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.inFlight[id]; dup {
		return false
	}
	c.inFlight[id] = struct{}{}
	c.inFlightOrder = append(c.inFlightOrder, id)
	if len(c.inFlightOrder) > inFlightLimit {
		oldest := c.inFlightOrder[0]
		c.inFlightOrder = c.inFlightOrder[1:]
		delete(c.inFlight, oldest)
	}
	return true
}

// enqueue appends payload to the send queue and ensures the flush worker is
// running. Drops silently after a fatal send error. When the queue is at
// capacity the connection is closed as overloaded and payload is discarded.
func (c *Connection) enqueue(payload []byte) {
	c.mu.Lock()
	if c.fatalSendError || c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.sendQueue) >= c.hub.opts.MaxQueueLength {
		c.mu.Unlock()
		c.hub.metrics.Overloaded()
		c.Close(CloseTryAgainLater, ReasonOverloaded)
		return
	}

	c.sendQueue = append(c.sendQueue, payload)
	start := !c.sending
	if start {
		c.sending = true
	}
	c.mu.Unlock()

	if start {
		go c.flush()
	}
}

// flush drains the queue one payload at a time. Exactly one flush worker
// runs per connection; it exits when the queue empties or the fatal latch
// is set.
func (c *Connection) flush() {
	for {
		c.mu.Lock()
		if c.fatalSendError || c.closed || len(c.sendQueue) == 0 {
			c.sending = false
			c.mu.Unlock()
			return
		}
		payload := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]
		sock := c.socket
		c.mu.Unlock()

		done := make(chan error, 1)
		if err := sock.Send(payload, func(err error) { done <- err }); err != nil {
			// Synchronous surface of the send primitive.
			c.handleSendFailure(err)
			return
		}
		if err := <-done; err != nil {
			c.handleSendFailure(err)
			return
		}
		c.hub.metrics.FrameSent()
	}
}

// handleSendFailure latches the connection into its fatal state: the
// remaining queue is cleared (those payloads will not be sent), the error
// callback runs, and the socket is closed with 1011.
func (c *Connection) handleSendFailure(err error) {
	c.mu.Lock()
	if c.fatalSendError {
		c.mu.Unlock()
		return
	}
	c.fatalSendError = true
	c.sendQueue = nil
	c.sending = false
	c.mu.Unlock()

	c.hub.metrics.SendError()
	c.hub.logger.Error().
		Str("client_id", c.clientID).
		Str("error", sanitizeError(err)).
		Msg("Socket send failed, closing connection")

	if c.hub.onSendError != nil {
		c.hub.onSendError(c.clientID, err)
	}
	c.Close(CloseInternalError, ReasonSendFailure)
}

// Close unconditionally closes the underlying socket with code and reason.
// The first close wins; later calls are no-ops. Registry removal and the
// final snapshot happen on the socket-close event (HandleSocketClose).
func (c *Connection) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()

	if err := c.socket.Close(code, reason); err != nil {
		c.socket.Terminate()
	}
}

// terminate drops the socket without a close handshake, recording code and
// reason for the close event.
func (c *Connection) terminate(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()

	c.socket.Terminate()
}

// touch records inbound activity for the heartbeat state machine.
func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeenAt = now
	c.mu.Unlock()
}

// cancelTimers stops both heartbeat stages. Safe to call repeatedly.
func (c *Connection) cancelTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

// snapshotState captures the resume state under the connection lock.
func (c *Connection) snapshotState() *resume.State {
	c.mu.Lock()
	defer c.mu.Unlock()

	frames := make([]resume.Frame, len(c.outboundLog))
	copy(frames, c.outboundLog)

	return &resume.State{
		ResumeToken:    c.resumeToken,
		AccountID:      c.accountID,
		DeviceID:       c.deviceID,
		LastServerSeq:  c.serverSeq,
		ExpiresAt:      c.resumeTokenExpiresAt,
		OutboundFrames: frames,
	}
}

// appendOutbound assigns the next server sequence to payload, appends it to
// the outbound log and truncates the log oldest-first.
func (c *Connection) appendOutbound(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.serverSeq++
	c.outboundLog = append(c.outboundLog, resume.Frame{Seq: c.serverSeq, Payload: string(payload)})
	if limit := c.hub.opts.OutboundLogLimit; len(c.outboundLog) > limit {
		c.outboundLog = c.outboundLog[len(c.outboundLog)-limit:]
	}
}

// sanitizeError keeps send failures to name and message; socket errors can
// wrap peer addresses we do not want in metrics labels or remote sinks.
func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	const max = 256
	if len(msg) > max {
		msg = msg[:max]
	}
	return msg
}
