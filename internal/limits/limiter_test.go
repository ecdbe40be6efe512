package limits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeWithinBurst(t *testing.T) {
	l := NewKeyedLimiter(KeyedLimiterConfig{Rate: 1, Burst: 3})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.NoError(t, l.Consume("acct-1"))
	}
	assert.ErrorIs(t, l.Consume("acct-1"), ErrLimited)
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewKeyedLimiter(KeyedLimiterConfig{Rate: 1, Burst: 1})
	defer l.Stop()

	require.NoError(t, l.Consume("acct-1"))
	assert.ErrorIs(t, l.Consume("acct-1"), ErrLimited)
	assert.NoError(t, l.Consume("acct-2"))
}

func TestBucketRefills(t *testing.T) {
	l := NewKeyedLimiter(KeyedLimiterConfig{Rate: 100, Burst: 1})
	defer l.Stop()

	require.NoError(t, l.Consume("acct-1"))
	require.ErrorIs(t, l.Consume("acct-1"), ErrLimited)

	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, l.Consume("acct-1"))
}

func TestEvictStale(t *testing.T) {
	l := NewKeyedLimiter(KeyedLimiterConfig{Rate: 1, Burst: 1, TTL: time.Millisecond})
	defer l.Stop()

	require.NoError(t, l.Consume("acct-1"))
	time.Sleep(5 * time.Millisecond)
	l.evictStale()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.buckets)
}
