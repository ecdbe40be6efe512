package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuschat/relay/internal/protocol"
	"github.com/nimbuschat/relay/internal/resume"
)

func TestResumeReplaysFullLog(t *testing.T) {
	env := newTestHub(t, Options{MaxReplayBatchSize: 20})

	first := newFakeSocket()
	reg := env.hub.Register(first, "client-1", http.Header{})
	require.NotNil(t, reg)
	oldToken := reg.ResumeToken

	for i := 1; i <= 100; i++ {
		require.NoError(t, env.hub.Broadcast(msgEnvelope(fmt.Sprintf("m%d", i), int64(i))))
	}
	waitForFrames(t, first, 100)

	env.hub.HandleSocketClose("client-1", 1001, "going_away")
	require.Zero(t, env.hub.ConnectionCount())

	second := newFakeSocket()
	require.NotNil(t, env.hub.Register(second, "client-2", http.Header{}))

	env.hub.HandleFrame("client-2", resumeFrame(t, oldToken, 0))

	var result ReplayResult
	select {
	case result = <-env.replays:
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not complete")
	}
	assert.Equal(t, 100, result.ReplayCount)
	assert.Equal(t, 5, result.Batches)
	require.NotEmpty(t, result.RotatedToken)
	assert.NotEqual(t, oldToken, result.RotatedToken)

	frames := waitForFrames(t, second, 101)
	require.Len(t, frames, 101)

	var ack protocol.ResumeAck
	require.NoError(t, json.Unmarshal(frames[0], &ack))
	assert.Equal(t, protocol.TypeResumeAck, ack.Type)
	assert.Equal(t, int64(1), ack.FromSeq)
	assert.Equal(t, result.RotatedToken, ack.ResumeToken)
	assert.Positive(t, ack.ExpiresInMs)

	for i, raw := range frames[1:] {
		var replayed protocol.Envelope
		require.NoError(t, json.Unmarshal(raw, &replayed))
		assert.Equal(t, fmt.Sprintf("m%d", i+1), replayed.ID)
	}

	// Single use: the consumed token is gone, the rotated one is live.
	old, err := env.store.Load(context.Background(), oldToken)
	require.NoError(t, err)
	assert.Nil(t, old)

	fresh, err := env.store.Load(context.Background(), result.RotatedToken)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, int64(100), fresh.LastServerSeq)
	assert.Len(t, fresh.OutboundFrames, 100)
}

func TestResumeSkipsAlreadySeenSequences(t *testing.T) {
	env := newTestHub(t, Options{MaxReplayBatchSize: 20})

	first := newFakeSocket()
	reg := env.hub.Register(first, "client-1", http.Header{})
	require.NotNil(t, reg)

	for i := 1; i <= 10; i++ {
		require.NoError(t, env.hub.Broadcast(msgEnvelope(fmt.Sprintf("m%d", i), int64(i))))
	}
	waitForFrames(t, first, 10)
	env.hub.HandleSocketClose("client-1", 1001, "going_away")

	second := newFakeSocket()
	require.NotNil(t, env.hub.Register(second, "client-2", http.Header{}))
	env.hub.HandleFrame("client-2", resumeFrame(t, reg.ResumeToken, 7))

	result := <-env.replays
	assert.Equal(t, 3, result.ReplayCount)
	assert.Equal(t, 1, result.Batches)

	frames := waitForFrames(t, second, 4)
	var ack protocol.ResumeAck
	require.NoError(t, json.Unmarshal(frames[0], &ack))
	assert.Equal(t, int64(8), ack.FromSeq)

	var firstReplayed protocol.Envelope
	require.NoError(t, json.Unmarshal(frames[1], &firstReplayed))
	assert.Equal(t, "m8", firstReplayed.ID)
}

func TestResumeHaltsOnBackpressure(t *testing.T) {
	env := newTestHub(t, Options{MaxReplayBatchSize: 20, MaxBufferedBytes: 1024})

	token := uuid.NewString()
	framesInLog := make([]resume.Frame, 0, 10)
	for i := 1; i <= 10; i++ {
		raw, err := protocol.Encode(msgEnvelope(fmt.Sprintf("m%d", i), int64(i)))
		require.NoError(t, err)
		framesInLog = append(framesInLog, resume.Frame{Seq: int64(i), Payload: string(raw)})
	}
	require.NoError(t, env.store.Persist(context.Background(), &resume.State{
		ResumeToken:    token,
		AccountID:      "acct-1",
		DeviceID:       "dev-1",
		LastServerSeq:  10,
		ExpiresAt:      time.Now().Add(time.Hour).UnixMilli(),
		OutboundFrames: framesInLog,
	}))

	sock := newFakeSocket()
	// Buffered-amount script: resume_ack and the first replayed frame see a
	// drained buffer, the second replayed frame observes it over the limit.
	sock.buffered = []int64{0, 0, 4096}
	require.NotNil(t, env.hub.Register(sock, "client-1", http.Header{}))

	env.hub.HandleFrame("client-1", resumeFrame(t, token, 0))

	result := <-env.replays
	assert.Equal(t, 1, result.ReplayCount)
	assert.Equal(t, 1, result.Batches)

	closed, code, reason := sock.closeInfo()
	assert.True(t, closed)
	assert.Equal(t, CloseTryAgainLater, code)
	assert.Equal(t, ReasonOverloaded, reason)
	assert.Equal(t, 1, env.recorder.count("replay_backpressure"))
	assert.Equal(t, 1, env.recorder.count("overloaded"))
}

func TestResumeExpiredTokenRefusedAndDropped(t *testing.T) {
	env := newTestHub(t, Options{})

	token := uuid.NewString()
	require.NoError(t, env.store.Persist(context.Background(), &resume.State{
		ResumeToken:   token,
		AccountID:     "acct-1",
		DeviceID:      "dev-1",
		LastServerSeq: 5,
		ExpiresAt:     time.Now().Add(-time.Minute).UnixMilli(),
	}))

	sock := newFakeSocket()
	require.NotNil(t, env.hub.Register(sock, "client-1", http.Header{}))

	env.hub.HandleFrame("client-1", resumeFrame(t, token, 0))

	closed, code, reason := sock.closeInfo()
	assert.True(t, closed)
	assert.Equal(t, ClosePolicyViolation, code)
	assert.Equal(t, ReasonExpiredToken, reason)

	state, err := env.store.Load(context.Background(), token)
	require.NoError(t, err)
	assert.Nil(t, state, "expired state must be dropped")

	assert.Empty(t, sock.sentFrames(), "no resume_ack after a refused resume")
	assert.Empty(t, env.replays)
}

func TestResumeTokenConflictRefusedStateKept(t *testing.T) {
	env := newTestHub(t, Options{})

	token := uuid.NewString()
	require.NoError(t, env.store.Persist(context.Background(), &resume.State{
		ResumeToken:   token,
		AccountID:     "other-acct",
		DeviceID:      "other-dev",
		LastServerSeq: 5,
		ExpiresAt:     time.Now().Add(time.Hour).UnixMilli(),
	}))

	sock := newFakeSocket()
	require.NotNil(t, env.hub.Register(sock, "client-1", http.Header{}))

	env.hub.HandleFrame("client-1", resumeFrame(t, token, 0))

	closed, code, reason := sock.closeInfo()
	assert.True(t, closed)
	assert.Equal(t, ClosePolicyViolation, code)
	assert.Equal(t, ReasonTokenConflict, reason)

	// A mismatched claim must not destroy the rightful owner's state.
	state, err := env.store.Load(context.Background(), token)
	require.NoError(t, err)
	assert.NotNil(t, state)
}

func TestResumeUnknownTokenRefused(t *testing.T) {
	env := newTestHub(t, Options{})
	sock := newFakeSocket()
	require.NotNil(t, env.hub.Register(sock, "client-1", http.Header{}))

	env.hub.HandleFrame("client-1", resumeFrame(t, uuid.NewString(), 0))

	closed, code, reason := sock.closeInfo()
	assert.True(t, closed)
	assert.Equal(t, ClosePolicyViolation, code)
	assert.Equal(t, ReasonInvalidToken, reason)
}

func TestSameSessionResumeRotatesToken(t *testing.T) {
	env := newTestHub(t, Options{})
	sock := newFakeSocket()
	reg := env.hub.Register(sock, "client-1", http.Header{})
	require.NotNil(t, reg)

	env.hub.HandleFrame("client-1", resumeFrame(t, reg.ResumeToken, 0))

	result := <-env.replays
	assert.Zero(t, result.ReplayCount)
	assert.Zero(t, result.Batches)
	assert.NotEqual(t, reg.ResumeToken, result.RotatedToken)

	conn, ok := env.hub.registry.get("client-1")
	require.True(t, ok)
	assert.Equal(t, result.RotatedToken, conn.ResumeToken())

	frames := waitForFrames(t, sock, 1)
	var ack protocol.ResumeAck
	require.NoError(t, json.Unmarshal(frames[0], &ack))
	assert.Equal(t, result.RotatedToken, ack.ResumeToken)
	assert.Equal(t, 1, env.recorder.count("token_rotated"))
}

func TestSupersededTokenIsNotHonored(t *testing.T) {
	env := newTestHub(t, Options{})
	sock := newFakeSocket()
	reg := env.hub.Register(sock, "client-1", http.Header{})
	require.NotNil(t, reg)
	oldToken := reg.ResumeToken

	// Same-session resume rotates the token away from oldToken.
	env.hub.HandleFrame("client-1", resumeFrame(t, oldToken, 0))
	result := <-env.replays
	require.NotEqual(t, oldToken, result.RotatedToken)

	// Rotation invalidates the superseded token immediately, not at TTL.
	state, err := env.store.Load(context.Background(), oldToken)
	require.NoError(t, err)
	assert.Nil(t, state)

	// A later session presenting the rotated-away token is refused.
	env.hub.HandleSocketClose("client-1", 1001, "going_away")
	second := newFakeSocket()
	require.NotNil(t, env.hub.Register(second, "client-2", http.Header{}))

	env.hub.HandleFrame("client-2", resumeFrame(t, oldToken, 0))

	closed, code, reason := second.closeInfo()
	assert.True(t, closed)
	assert.Equal(t, ClosePolicyViolation, code)
	assert.Equal(t, ReasonInvalidToken, reason)
	assert.Empty(t, env.replays)
}

func TestCrossSessionResumeDropsPreviousLiveToken(t *testing.T) {
	env := newTestHub(t, Options{})

	first := newFakeSocket()
	reg := env.hub.Register(first, "client-1", http.Header{})
	require.NotNil(t, reg)
	env.hub.HandleSocketClose("client-1", 1001, "going_away")

	second := newFakeSocket()
	reg2 := env.hub.Register(second, "client-2", http.Header{})
	require.NotNil(t, reg2)

	// Recovery under the first session's token supersedes the second
	// session's initial token as well.
	env.hub.HandleFrame("client-2", resumeFrame(t, reg.ResumeToken, 0))
	<-env.replays

	state, err := env.store.Load(context.Background(), reg2.ResumeToken)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestRepeatedResumesMintDistinctTokens(t *testing.T) {
	env := newTestHub(t, Options{})
	sock := newFakeSocket()
	reg := env.hub.Register(sock, "client-1", http.Header{})
	require.NotNil(t, reg)

	seen := map[string]bool{reg.ResumeToken: true}
	token := reg.ResumeToken
	for i := 0; i < 3; i++ {
		env.hub.HandleFrame("client-1", resumeFrame(t, token, 0))
		result := <-env.replays
		require.NotEmpty(t, result.RotatedToken)
		assert.False(t, seen[result.RotatedToken], "token reuse across rotations")
		seen[result.RotatedToken] = true
		token = result.RotatedToken
	}
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "***redacted***", redactToken("short"))
	assert.Equal(t, "abcd...wxyz", redactToken("abcdefqrstuvwxyz"))
}
