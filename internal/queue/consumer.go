package queue

import (
	"github.com/rs/zerolog"

	"github.com/nimbuschat/relay/internal/protocol"
)

// BroadcastFunc hands one envelope to the hub for fan-out.
type BroadcastFunc func(env *protocol.Envelope) error

// ErrorSink receives broadcast failures. The message has already been
// rejected as retryable when the sink runs.
type ErrorSink func(err error, msg *Message)

// Consumer binds a Queue to the hub's broadcast: deliver, broadcast, ack.
// A broadcast failure goes to the error sink and the message is rejected as
// retryable so the queue redelivers it.
type Consumer struct {
	queue     Queue
	broadcast BroadcastFunc
	errs      ErrorSink
	logger    zerolog.Logger
}

// NewConsumer wires a consumer. errs may be nil.
func NewConsumer(q Queue, broadcast BroadcastFunc, errs ErrorSink, logger zerolog.Logger) *Consumer {
	return &Consumer{
		queue:     q,
		broadcast: broadcast,
		errs:      errs,
		logger:    logger.With().Str("component", "queue_consumer").Logger(),
	}
}

// Start subscribes to the queue. Delivery runs on the adapter's goroutines.
func (c *Consumer) Start() error {
	return c.queue.Subscribe(c.handle)
}

// Close stops the underlying queue; in-flight handlers finish first.
func (c *Consumer) Close() error {
	return c.queue.Close()
}

func (c *Consumer) handle(msg *Message) {
	if err := c.broadcast(msg.Payload); err != nil {
		c.logger.Error().
			Err(err).
			Str("message_id", msg.ID).
			Str("envelope_id", msg.Payload.ID).
			Msg("Broadcast failed, rejecting for retry")

		if rejectErr := c.queue.Reject(msg, true); rejectErr != nil {
			c.logger.Error().Err(rejectErr).Str("message_id", msg.ID).Msg("Reject failed")
		}
		if c.errs != nil {
			c.errs(err, msg)
		}
		return
	}

	if err := c.queue.Ack(msg); err != nil {
		c.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Ack failed")
	}
}
