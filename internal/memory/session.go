package memory

import "sync"

// SessionTracker remembers which memory ids were already injected into each
// session, so repeated requests in one conversation never re-inject the same
// memory. The set only grows within a session; updates are last-writer-wins.
type SessionTracker struct {
	mu       sync.Mutex
	sessions map[string]map[string]struct{}
}

// NewSessionTracker creates an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{sessions: make(map[string]map[string]struct{})}
}

// FilterNew returns the subset of ids not yet injected into the session.
func (t *SessionTracker) FilterNew(sessionID string, ids []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	injected := t.sessions[sessionID]
	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, seen := injected[id]; !seen {
			fresh = append(fresh, id)
		}
	}
	return fresh
}

// MarkInjected records ids as injected into the session.
func (t *SessionTracker) MarkInjected(sessionID string, ids []string) {
	if len(ids) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	injected := t.sessions[sessionID]
	if injected == nil {
		injected = make(map[string]struct{})
		t.sessions[sessionID] = injected
	}
	for _, id := range ids {
		injected[id] = struct{}{}
	}
}

// ClearSession resets dedup bookkeeping for one session.
func (t *SessionTracker) ClearSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// ClearAllSessions resets all dedup bookkeeping.
func (t *SessionTracker) ClearAllSessions() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = make(map[string]map[string]struct{})
}
