// Package queue feeds the hub from the platform's work queue.
//
// Two adapters share one contract: a NATS subject for fire-and-forget fanout
// and a Redis stream consumer group when delivery must survive restarts.
// Frames that cannot ever be processed (undecodable payloads) are acked and
// dropped by the adapter itself; only broadcast failures reach the handler's
// reject path.
package queue

import "github.com/nimbuschat/relay/internal/protocol"

// Message is one delivery from the queue. ID is the queue-assigned
// identifier used for ack/reject; adapters without delivery ids leave it
// empty. Raw preserves the wire bytes for error reporting.
type Message struct {
	ID      string
	Payload *protocol.Envelope
	Raw     []byte
}

// Handler processes one delivered message. The adapter calls it from its
// read loop; in-flight handlers finish before Close returns.
type Handler func(msg *Message)

// Queue is the external stream the hub consumes.
type Queue interface {
	// Subscribe registers handler and starts delivery. One subscriber per
	// queue instance.
	Subscribe(handler Handler) error

	// Ack marks msg as processed.
	Ack(msg *Message) error

	// Reject returns msg to the queue. Retryable rejects are redelivered to
	// the same consumer; non-retryable rejects are discarded.
	Reject(msg *Message, retryable bool) error

	// Close stops delivery between reads and releases the subscription.
	Close() error
}
