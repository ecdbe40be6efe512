// Package limits provides the consume-or-fail rate limiting the hub applies
// to connection attempts and inbound frames.
package limits

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimited is returned when a key has exhausted its token bucket.
var ErrLimited = errors.New("rate limited")

// KeyedLimiter keeps one token bucket per key (account id), evicting buckets
// that have been idle past the configured TTL.
type KeyedLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucketEntry

	limit rate.Limit
	burst int
	ttl   time.Duration

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type bucketEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// KeyedLimiterConfig configures a KeyedLimiter. Zero values fall back to
// 1 event/sec, burst 10, 5 minute TTL.
type KeyedLimiterConfig struct {
	Rate  float64
	Burst int
	TTL   time.Duration
}

// NewKeyedLimiter builds the limiter and starts its cleanup loop.
func NewKeyedLimiter(cfg KeyedLimiterConfig) *KeyedLimiter {
	if cfg.Rate == 0 {
		cfg.Rate = 1.0
	}
	if cfg.Burst == 0 {
		cfg.Burst = 10
	}
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}

	l := &KeyedLimiter{
		buckets:     make(map[string]*bucketEntry),
		limit:       rate.Limit(cfg.Rate),
		burst:       cfg.Burst,
		ttl:         cfg.TTL,
		stopCleanup: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Consume takes one token for key, returning ErrLimited when the bucket is
// empty. Safe for concurrent use across connections.
func (l *KeyedLimiter) Consume(key string) error {
	l.mu.Lock()
	entry, ok := l.buckets[key]
	if !ok {
		entry = &bucketEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = entry
	}
	entry.lastAccess = time.Now()
	l.mu.Unlock()

	if !entry.limiter.Allow() {
		return ErrLimited
	}
	return nil
}

// Stop halts the cleanup loop. Idempotent.
func (l *KeyedLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

func (l *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *KeyedLimiter) evictStale() {
	cutoff := time.Now().Add(-l.ttl)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, entry := range l.buckets {
		if entry.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
