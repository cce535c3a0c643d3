package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry binds agents to the MCP session that last started a run for
// them and remembers which runs each agent is still waiting on.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string              // agent ID -> session ID
	watching map[string]map[string]struct{} // agent ID -> run IDs
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]string),
		watching: make(map[string]map[string]struct{}),
	}
}

// Watch binds agentID to sessionID, replacing any earlier session, and records
// that the agent waits on runID.
func (r *SessionRegistry) Watch(agentID, sessionID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sessionID != "" {
		r.sessions[agentID] = sessionID
	}
	runs, ok := r.watching[agentID]
	if !ok {
		runs = make(map[string]struct{})
		r.watching[agentID] = runs
	}
	runs[runID] = struct{}{}
}

// Done forgets runID for agentID. The session binding outlives its runs.
func (r *SessionRegistry) Done(agentID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runs := r.watching[agentID]
	delete(runs, runID)
	if len(runs) == 0 {
		delete(r.watching, agentID)
	}
}

// SessionFor returns the session bound to agentID.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[agentID]
	return sid, ok
}

// Watching returns the run IDs agentID still waits on, sorted.
func (r *SessionRegistry) Watching(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.watching[agentID]))
	for id := range r.watching[agentID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// DropSession unbinds every agent bound to sessionID and returns them. Their
// pending runs still complete; notices for them are discarded.
func (r *SessionRegistry) DropSession(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var agents []string
	for aid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, aid)
			agents = append(agents, aid)
		}
	}
	slices.Sort(agents)
	return agents
}

// Len reports how many agents have a bound session.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
