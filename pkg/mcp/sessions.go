package mcp

import "sync"

// SessionRegistry remembers which transport session an agent last spoke on,
// so assignment pushes can be routed without the agent polling. Entries are
// refreshed on every tool call that carries an agent ID and pruned lazily:
// when a push hits a dead session, that agent's entry is dropped.
type SessionRegistry struct {
	mu      sync.RWMutex
	byAgent map[string]string
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{byAgent: make(map[string]string)}
}

// Register binds an agent to the session it is currently speaking on. A
// reconnecting agent simply overwrites its stale binding.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAgent[agentID] = sessionID
}

// SessionFor returns the session the agent last spoke on, if any.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byAgent[agentID]
	return sid, ok
}

// Drop forgets one agent's binding. Other agents that shared the session
// keep theirs until their own next push fails or they re-register.
func (r *SessionRegistry) Drop(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byAgent, agentID)
}
