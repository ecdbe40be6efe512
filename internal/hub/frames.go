package hub

import (
	"errors"

	"github.com/nimbuschat/relay/internal/protocol"
)

// HandleFrame processes one raw inbound frame for clientID. The transport
// calls it from the connection's read loop, so frames for a single
// connection arrive here one at a time and the ack for each is enqueued
// before the next frame is processed.
func (h *Hub) HandleFrame(clientID string, raw []byte) {
	conn, ok := h.registry.get(clientID)
	if !ok {
		return
	}
	received := h.now()

	if h.msgLimiter != nil {
		if err := h.msgLimiter.Consume(conn.accountID); err != nil {
			conn.Close(ClosePolicyViolation, ReasonMessageRateLimited)
			return
		}
	}

	if len(raw) > protocol.MaxFrameBytes {
		h.metrics.InvalidSize()
		conn.Close(CloseMessageTooBig, ReasonMessageTooLarge)
		return
	}

	env, err := protocol.Decode(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			h.metrics.InvalidSize()
			conn.Close(CloseMessageTooBig, ReasonMessageTooLarge)
			return
		}
		h.metrics.InvalidFrame()
		h.logger.Debug().
			Err(err).
			Str("client_id", clientID).
			Msg("Rejecting malformed frame")
		conn.Close(CloseProtocolError, ReasonProtocolError)
		return
	}

	conn.touch(received)
	h.scheduleHeartbeat(conn)

	if env.Type == protocol.TypeResume {
		h.handleResume(conn, env)
		return
	}

	// Duplicate suppression: a frame whose envelope id was already accepted
	// recently is rejected, never re-acked as accepted.
	if !conn.markInFlight(env.ID) {
		h.metrics.AckRejected("duplicate")
		h.sendAck(conn, &protocol.Ack{
			Type:   protocol.TypeAck,
			ID:     env.ID,
			Status: protocol.AckRejected,
			Reason: "duplicate",
		})
		return
	}

	conn.mu.Lock()
	conn.clientSeq++
	seq := conn.clientSeq
	conn.mu.Unlock()

	h.sendAck(conn, &protocol.Ack{
		Type:   protocol.TypeAck,
		ID:     env.ID,
		Status: protocol.AckAccepted,
		Seq:    seq,
	})
	h.metrics.AckSent(h.now().Sub(received))
}

func (h *Hub) sendAck(conn *Connection, ack *protocol.Ack) {
	payload, err := protocol.Encode(ack)
	if err != nil {
		h.logger.Error().Err(err).Str("client_id", conn.clientID).Msg("Ack encode failed")
		return
	}
	h.safeSend(conn, payload)
}
