package hub

import "sync"

// connRegistry is the process-wide map of live connections keyed by client
// id. Add/remove are atomic; remove is pointer-checked so a stale close
// event cannot evict a successor connection under the same client id.
type connRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func newConnRegistry() connRegistry {
	return connRegistry{conns: make(map[string]*Connection)}
}

func (r *connRegistry) get(clientID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[clientID]
	return conn, ok
}

// add installs conn and returns the entry it displaced, if any.
func (r *connRegistry) add(conn *Connection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[conn.clientID]
	r.conns[conn.clientID] = conn
	return prev
}

// remove evicts clientID only while it still maps to conn. Returns whether
// this call performed the eviction.
func (r *connRegistry) remove(clientID string, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.conns[clientID]
	if !ok || current != conn {
		return false
	}
	delete(r.conns, clientID)
	return true
}

func (r *connRegistry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

func (r *connRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
