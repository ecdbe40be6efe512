// Package resume persists session snapshots keyed by rotating resume tokens.
//
// The store is a dumb TTL keyspace: it does not check token ownership or
// expiry semantics beyond storage-native eviction. The hub owns those rules.
package resume

import "context"

// Frame is one outbound-log entry captured in a snapshot. Payload is the
// already-serialized wire frame.
type Frame struct {
	Seq     int64  `json:"seq"`
	Payload string `json:"payload"`
}

// State is the persisted session snapshot. OutboundFrames is a suffix of the
// connection's outbound log at snapshot time, strictly increasing by Seq.
type State struct {
	ResumeToken    string  `json:"resumeToken"`
	AccountID      string  `json:"accountId"`
	DeviceID       string  `json:"deviceId"`
	LastServerSeq  int64   `json:"lastServerSeq"`
	ExpiresAt      int64   `json:"expiresAt"` // epoch ms
	OutboundFrames []Frame `json:"outboundFrames"`
}

// Store is the durable mapping resumeToken -> State.
//
// Load returns (nil, nil) for unknown or evicted tokens. Persist overwrites
// any previous state under the same token. Drop is idempotent.
type Store interface {
	Load(ctx context.Context, token string) (*State, error)
	Persist(ctx context.Context, state *State) error
	Drop(ctx context.Context, token string) error
}
