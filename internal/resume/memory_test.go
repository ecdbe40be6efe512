package resume

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(token string) *State {
	return &State{
		ResumeToken:   token,
		AccountID:     "acct-1",
		DeviceID:      "dev-1",
		LastServerSeq: 12,
		ExpiresAt:     time.Now().Add(15 * time.Minute).UnixMilli(),
		OutboundFrames: []Frame{
			{Seq: 11, Payload: `{"v":1}`},
			{Seq: 12, Payload: `{"v":1}`},
		},
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := uuid.NewString()

	require.NoError(t, store.Persist(ctx, sampleState(token)))

	loaded, err := store.Load(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, sampleState(token), loaded)
}

func TestMemoryStoreLoadUnknownToken(t *testing.T) {
	store := NewMemoryStore()

	loaded, err := store.Load(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestMemoryStoreDropIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := uuid.NewString()

	require.NoError(t, store.Persist(ctx, sampleState(token)))
	require.NoError(t, store.Drop(ctx, token))

	loaded, err := store.Load(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Second drop of the same token must succeed.
	require.NoError(t, store.Drop(ctx, token))
	assert.Zero(t, store.Len())
}

func TestMemoryStoreCopiesFrames(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := uuid.NewString()
	state := sampleState(token)

	require.NoError(t, store.Persist(ctx, state))
	state.OutboundFrames[0].Payload = "mutated"

	loaded, err := store.Load(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, loaded.OutboundFrames[0].Payload)

	loaded.OutboundFrames[1].Payload = "mutated again"
	again, err := store.Load(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, again.OutboundFrames[1].Payload)
}

func TestMemoryStorePersistOverwrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := uuid.NewString()

	first := sampleState(token)
	require.NoError(t, store.Persist(ctx, first))

	second := sampleState(token)
	second.LastServerSeq = 99
	second.OutboundFrames = append(second.OutboundFrames, Frame{Seq: 99, Payload: `{}`})
	require.NoError(t, store.Persist(ctx, second))

	loaded, err := store.Load(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(99), loaded.LastServerSeq)
	assert.Len(t, loaded.OutboundFrames, 3)
}
