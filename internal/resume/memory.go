package resume

import (
	"context"
	"sync"
)

// MemoryStore is a process-local Store. There is no eviction loop; expiry is
// checked by the hub at load time. Suitable for tests and single-node runs.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*State)}
}

// Load returns a copy of the state for token, or nil if absent.
func (s *MemoryStore) Load(_ context.Context, token string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[token]
	if !ok {
		return nil, nil
	}
	return cloneState(state), nil
}

// Persist stores a copy of state under its token.
func (s *MemoryStore) Persist(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state.ResumeToken] = cloneState(state)
	return nil
}

// Drop removes the state for token. Dropping an absent token is a no-op.
func (s *MemoryStore) Drop(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, token)
	return nil
}

// Len reports the number of stored snapshots.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// cloneState guards against callers mutating shared frame slices.
func cloneState(in *State) *State {
	out := *in
	out.OutboundFrames = make([]Frame, len(in.OutboundFrames))
	copy(out.OutboundFrames, in.OutboundFrames)
	return &out
}
