// Package session tracks which role is bound to which live inbound tool
// façade session, so the Event Publisher can target a push to a specific
// connected observer/worker and the Heartbeat Monitor can use connection
// activity as an additional, non-authoritative liveness signal (spec 4.5
// remains the source of truth for is_healthy; this is enrichment only —
// SPEC_FULL.md 12's "session registry for connected façade clients").
//
// Adapted from jaakkos-stringwork's internal/app.SessionRegistry, renamed
// from agent-name keying to role keying to match agentport's domain.
package session

import (
	"sync"
	"time"

	"github.com/cpike5/agentport/internal/domain"
)

// Registry tracks connected façade sessions and their bound role.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]string    // sessionID -> role
	roles        map[string]string    // role -> sessionID (reverse lookup)
	lastActivity map[string]time.Time // sessionID -> last activity timestamp
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]string),
		roles:        make(map[string]string),
		lastActivity: make(map[string]time.Time),
	}
}

// Bind associates a session with a role. If the role was previously bound
// to a different session (e.g. a worker reconnected), the old mapping is
// removed.
func (r *Registry) Bind(sessionID, role string) {
	norm := domain.NormalizeRole(role)
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldSID, ok := r.roles[norm]; ok && oldSID != sessionID {
		delete(r.sessions, oldSID)
		delete(r.lastActivity, oldSID)
	}
	r.sessions[sessionID] = norm
	r.roles[norm] = sessionID
	r.lastActivity[sessionID] = time.Now()
}

// RoleForSession returns the role bound to sessionID, or "" if unknown.
func (r *Registry) RoleForSession(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// SessionForRole returns the session ID bound to role, or "" if none.
func (r *Registry) SessionForRole(role string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[domain.NormalizeRole(role)]
}

// HasActiveSession reports whether role currently has a connected session.
func (r *Registry) HasActiveSession(role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[domain.NormalizeRole(role)]
	return ok
}

// ConnectedRoles returns every role with a live session.
func (r *Registry) ConnectedRoles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.roles))
	for role := range r.roles {
		roles = append(roles, role)
	}
	return roles
}

// Touch records activity for sessionID (call on every façade tool
// invocation from that session).
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		r.lastActivity[sessionID] = time.Now()
	}
}

// LastActivity returns the last recorded activity time for role's session.
// Returns the zero time if role has no session.
func (r *Registry) LastActivity(role string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.roles[domain.NormalizeRole(role)]
	if !ok {
		return time.Time{}
	}
	return r.lastActivity[sid]
}

// Unbind unregisters a session (e.g. on transport disconnect).
func (r *Registry) Unbind(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.sessions[sessionID]
	if ok {
		delete(r.roles, role)
	}
	delete(r.sessions, sessionID)
	delete(r.lastActivity, sessionID)
}

// Count returns the number of roles with a live session.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roles)
}

// Backdate sets a session's last-activity time to a specific instant, for
// tests that need to simulate a stale connection.
func (r *Registry) Backdate(sessionID string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		r.lastActivity[sessionID] = t
	}
}
