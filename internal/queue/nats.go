package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/nimbuschat/relay/internal/protocol"
)

// NATSQueue adapts a core NATS subject to the Queue contract.
//
// Core NATS is at-most-once: the broker has no delivery ids, so Ack is a
// no-op and Reject can only log. Deployments that need redelivery use the
// Redis stream adapter instead.
type NATSQueue struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NATSConfig configures the adapter. Reconnect settings follow the broker
// client defaults used across the platform.
type NATSConfig struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        zerolog.Logger
}

// NewNATSQueue connects to the broker. The subscription starts on Subscribe.
func NewNATSQueue(cfg NATSConfig) (*NATSQueue, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("nats subject is required")
	}
	logger := cfg.Logger.With().Str("component", "nats_queue").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info().Str("url", conn.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &NATSQueue{conn: conn, subject: cfg.Subject, logger: logger}, nil
}

// Subscribe starts delivering decoded envelopes from the subject.
// Undecodable payloads are dropped here; they can never be processed.
func (q *NATSQueue) Subscribe(handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sub != nil {
		return fmt.Errorf("already subscribed to %s", q.subject)
	}

	sub, err := q.conn.Subscribe(q.subject, func(m *nats.Msg) {
		env, err := protocol.Decode(m.Data)
		if err != nil {
			q.logger.Warn().Err(err).Int("bytes", len(m.Data)).Msg("Dropping undecodable queue payload")
			return
		}
		handler(&Message{Payload: env, Raw: m.Data})
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", q.subject, err)
	}

	q.sub = sub
	q.logger.Info().Str("subject", q.subject).Msg("Subscribed")
	return nil
}

// Ack is a no-op; core NATS delivery is not acknowledged.
func (q *NATSQueue) Ack(*Message) error { return nil }

// Reject can only record the loss; the broker holds no copy to redeliver.
func (q *NATSQueue) Reject(msg *Message, retryable bool) error {
	q.logger.Warn().
		Str("envelope_id", msg.Payload.ID).
		Bool("retryable", retryable).
		Msg("Rejected message on at-most-once transport, dropping")
	return nil
}

// Close drains the subscription so in-flight handlers finish, then closes
// the connection.
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	sub := q.sub
	q.sub = nil
	q.mu.Unlock()

	if sub != nil {
		if err := sub.Drain(); err != nil {
			q.logger.Error().Err(err).Msg("Drain failed")
		}
	}
	q.conn.Close()
	return nil
}
