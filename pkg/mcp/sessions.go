package mcp

import (
	"strings"
	"sync"
)

// SessionRegistry maps watched run ids to MCP session ids.
// Populated when a session dispatches a run with watch set.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // runID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a run id with a session id. A later registration for
// the same run wins.
func (r *SessionRegistry) Register(runID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[runID] = sessionID
}

// SessionFor returns the session watching runID. Fork ids ("<root>.<k>")
// resolve to the session watching their root run.
func (r *SessionRegistry) SessionFor(runID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sid, ok := r.sessions[runID]; ok {
		return sid, true
	}
	root, _, found := strings.Cut(runID, ".")
	if !found {
		return "", false
	}
	sid, ok := r.sessions[root]
	return sid, ok
}

// Remove deletes all run mappings for the given session id.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, rid)
		}
	}
}

// Len returns the number of watched runs.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
