package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces resume keys in a shared Redis.
const DefaultKeyPrefix = "relay:resume:"

// RedisStore persists snapshots as JSON values under "<prefix><token>" with a
// storage-native TTL. Expiry is therefore handled by Redis itself; Load sees
// an evicted token as a plain miss.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a store writing through client. An empty prefix falls
// back to DefaultKeyPrefix. ttl should equal the hub's resume-token TTL so
// eviction and token expiry agree.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + token
}

// Load fetches and decodes the state for token, or (nil, nil) on a miss.
func (s *RedisStore) Load(ctx context.Context, token string) (*State, error) {
	raw, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resume load %s: %w", token, err)
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("resume decode %s: %w", token, err)
	}
	return &state, nil
}

// Persist serializes state and writes it with the configured TTL.
func (s *RedisStore) Persist(ctx context.Context, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("resume encode %s: %w", state.ResumeToken, err)
	}
	if err := s.client.Set(ctx, s.key(state.ResumeToken), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("resume persist %s: %w", state.ResumeToken, err)
	}
	return nil
}

// Drop deletes the key for token. Deleting an absent key is not an error.
func (s *RedisStore) Drop(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("resume drop %s: %w", token, err)
	}
	return nil
}
