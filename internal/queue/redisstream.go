package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nimbuschat/relay/internal/protocol"
)

// payloadField is the stream entry field carrying the serialized envelope.
const payloadField = "payload"

// readErrorBackoff absorbs transient read failures without spinning.
const readErrorBackoff = time.Second

// RedisStreamQueue consumes a Redis stream through a consumer group, giving
// the hub at-least-once delivery with explicit ack/reject.
//
// Redelivery model: entries stay in the group's pending list until acked.
// A retryable reject claims the entry back to this consumer with zero idle
// time; the read loop drains pending entries before blocking on new ones, so
// the rejected entry is picked up on the next pass. A non-retryable reject
// acks and deletes the entry.
type RedisStreamQueue struct {
	client   redis.UniversalClient
	stream   string
	group    string
	consumer string
	logger   zerolog.Logger

	batchSize int64
	blockFor  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	subscribed bool
}

// RedisStreamConfig keys the adapter on a stream, a consumer group and a
// consumer name (unique per hub process).
type RedisStreamConfig struct {
	Client   redis.UniversalClient
	Stream   string
	Group    string
	Consumer string
	Logger   zerolog.Logger

	// BatchSize caps entries per read (default 32). BlockFor bounds the
	// blocking read so Close is observed between reads (default 2s).
	BatchSize int64
	BlockFor  time.Duration
}

// NewRedisStreamQueue validates the config and creates the consumer group if
// it does not exist yet.
func NewRedisStreamQueue(cfg RedisStreamConfig) (*RedisStreamQueue, error) {
	if cfg.Stream == "" || cfg.Group == "" || cfg.Consumer == "" {
		return nil, fmt.Errorf("stream, group and consumer are all required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 32
	}
	if cfg.BlockFor == 0 {
		cfg.BlockFor = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &RedisStreamQueue{
		client:    cfg.Client,
		stream:    cfg.Stream,
		group:     cfg.Group,
		consumer:  cfg.Consumer,
		logger:    cfg.Logger.With().Str("component", "redis_stream_queue").Str("stream", cfg.Stream).Logger(),
		batchSize: cfg.BatchSize,
		blockFor:  cfg.BlockFor,
		ctx:       ctx,
		cancel:    cancel,
	}

	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		cancel()
		return nil, fmt.Errorf("create consumer group %s on %s: %w", q.group, q.stream, err)
	}

	return q, nil
}

// Subscribe starts the read loop.
func (q *RedisStreamQueue) Subscribe(handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.subscribed {
		return fmt.Errorf("already subscribed to %s", q.stream)
	}
	q.subscribed = true

	q.wg.Add(1)
	go q.readLoop(handler)

	q.logger.Info().Str("group", q.group).Str("consumer", q.consumer).Msg("Consuming stream")
	return nil
}

func (q *RedisStreamQueue) readLoop(handler Handler) {
	defer q.wg.Done()

	// "0" drains this consumer's pending entries (including retryable
	// rejects claimed back to us); ">" blocks for new deliveries.
	cursor := "0"
	for {
		if q.ctx.Err() != nil {
			return
		}

		res, err := q.client.XReadGroup(q.ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, cursor},
			Count:    q.batchSize,
			Block:    q.blockFor,
		}).Result()

		switch {
		case err == redis.Nil:
			cursor = ">"
			continue
		case err != nil:
			if q.ctx.Err() != nil {
				return
			}
			q.logger.Error().Err(err).Msg("Stream read failed, backing off")
			select {
			case <-time.After(readErrorBackoff):
			case <-q.ctx.Done():
				return
			}
			continue
		}

		delivered := 0
		for _, stream := range res {
			for _, entry := range stream.Messages {
				delivered++
				q.dispatch(handler, entry)
			}
		}

		// An empty pending pass means everything owed to us is handled;
		// switch to blocking on fresh entries. After handling deliveries we
		// re-check pending in case a handler rejected retryably.
		if cursor == "0" && delivered == 0 {
			cursor = ">"
		} else if delivered > 0 {
			cursor = "0"
		}
	}
}

func (q *RedisStreamQueue) dispatch(handler Handler, entry redis.XMessage) {
	raw, ok := entry.Values[payloadField].(string)
	if !ok {
		q.logger.Warn().Str("entry_id", entry.ID).Msg("Stream entry missing payload field, acking")
		q.ackEntry(entry.ID)
		return
	}

	env, err := protocol.Decode([]byte(raw))
	if err != nil {
		// Undecodable forever; acking is the only way to stop redelivery.
		q.logger.Warn().Err(err).Str("entry_id", entry.ID).Msg("Dropping undecodable stream entry")
		q.ackEntry(entry.ID)
		return
	}

	handler(&Message{ID: entry.ID, Payload: env, Raw: []byte(raw)})
}

// Ack removes msg from the pending list.
func (q *RedisStreamQueue) Ack(msg *Message) error {
	if msg.ID == "" {
		return nil
	}
	// Background context: acks must still land while Close is cancelling
	// the read loop.
	if err := q.client.XAck(context.Background(), q.stream, q.group, msg.ID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", msg.ID, err)
	}
	return nil
}

// Reject either re-claims msg to this consumer (retryable) or acks and
// deletes it (permanent failure).
func (q *RedisStreamQueue) Reject(msg *Message, retryable bool) error {
	if msg.ID == "" {
		return nil
	}

	ctx := context.Background()
	if retryable {
		err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  0,
			Messages: []string{msg.ID},
		}).Err()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("reclaim %s: %w", msg.ID, err)
		}
		return nil
	}

	if err := q.client.XAck(ctx, q.stream, q.group, msg.ID).Err(); err != nil {
		return fmt.Errorf("ack rejected %s: %w", msg.ID, err)
	}
	if err := q.client.XDel(ctx, q.stream, msg.ID).Err(); err != nil {
		return fmt.Errorf("delete rejected %s: %w", msg.ID, err)
	}
	return nil
}

func (q *RedisStreamQueue) ackEntry(id string) {
	if err := q.client.XAck(context.Background(), q.stream, q.group, id).Err(); err != nil {
		q.logger.Error().Err(err).Str("entry_id", id).Msg("Ack failed")
	}
}

// Close stops the read loop between reads and waits for in-flight handlers.
func (q *RedisStreamQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}
