// Package heartbeat implements the Heartbeat Monitor (spec 4.5): an
// in-memory liveness table for running workers, falling back to persisted
// agent timestamps when a role has no in-memory record yet (e.g. right
// after a supervisor restart, before RefreshHeartbeatsOnStartup's seeded
// value is overwritten by a fresh beat).
//
// The in-memory-map-plus-persisted-fallback shape is grounded on
// jaakkos-stringwork's internal/app.SessionRegistry, which keeps
// lastActivity per session in memory rather than round-tripping the store
// on every beat.
package heartbeat

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/session"
	"github.com/cpike5/agentport/internal/statemgr"
)

// Beat is the in-memory record of a role's most recent heartbeat.
type Beat struct {
	Timestamp time.Time
	Status    string
	Progress  string
}

// Monitor is the Heartbeat Monitor.
type Monitor struct {
	sm      *statemgr.Manager
	timeout time.Duration

	mu    sync.Mutex
	beats map[string]Beat

	// Sessions, when set, is consulted by UnhealthyRunning as an
	// additional, non-authoritative liveness signal (SPEC_FULL.md 12): a
	// role the heartbeat contract already calls unhealthy is never
	// reclassified because its façade session is still connected, but the
	// discrepancy is worth a log line since it usually means the worker is
	// alive and simply hasn't called heartbeat recently.
	Sessions *session.Registry
	Logger   *log.Logger
}

// New constructs a Monitor. timeout is the default staleness threshold used
// by IsHealthy when no per-role override is supplied.
func New(sm *statemgr.Manager, timeout time.Duration) *Monitor {
	return &Monitor{sm: sm, timeout: timeout, beats: make(map[string]Beat)}
}

// Record stores role's latest heartbeat in memory (spec 4.5: does not
// itself touch the store; the facade's heartbeat tool call is what keeps
// the persisted LastHeartbeat roughly in sync via UpdateAgent).
func (m *Monitor) Record(role, status, progress string) {
	norm := domain.NormalizeRole(role)
	m.mu.Lock()
	m.beats[norm] = Beat{Timestamp: time.Now(), Status: status, Progress: progress}
	m.mu.Unlock()
}

// Clear removes role's in-memory heartbeat record (spec 4.5, e.g. on
// terminate so a stale beat can't mark a freshly respawned worker healthy).
func (m *Monitor) Clear(role string) {
	norm := domain.NormalizeRole(role)
	m.mu.Lock()
	delete(m.beats, norm)
	m.mu.Unlock()
}

// Last returns role's most recent in-memory beat, if any.
func (m *Monitor) Last(role string) (Beat, bool) {
	norm := domain.NormalizeRole(role)
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beats[norm]
	return b, ok
}

// IsHealthy reports whether role has beaten within timeout, preferring the
// in-memory record and falling back to max(LastHeartbeat, SpawnedAt) on the
// persisted agent row (spec 4.5: "in-memory-first, falls back to
// persisted agent's max(last_heartbeat_at, spawned_at)").
func (m *Monitor) IsHealthy(ctx context.Context, role string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = m.timeout
	}
	norm := domain.NormalizeRole(role)
	m.mu.Lock()
	b, ok := m.beats[norm]
	m.mu.Unlock()
	if ok {
		return time.Since(b.Timestamp) <= timeout, nil
	}

	a, err := m.sm.GetAgent(ctx, role)
	if err != nil {
		return false, err
	}
	last := a.LastHeartbeat
	if a.SpawnedAt.After(last) {
		last = a.SpawnedAt
	}
	if last.IsZero() {
		return false, nil
	}
	return time.Since(last) <= timeout, nil
}

// UnhealthyRunning returns the roles of every Running agent that is not
// healthy per IsHealthy, using perRoleTimeout (role -> timeout) with the
// monitor's own default timeout for roles absent from the map (spec 6:
// role_timeout[role] overrides).
func (m *Monitor) UnhealthyRunning(ctx context.Context, perRoleTimeout map[string]time.Duration) ([]string, error) {
	all, err := m.sm.GetActiveAgents(ctx)
	if err != nil {
		return nil, err
	}
	var unhealthy []string
	for _, a := range all {
		if a.Status != domain.StatusRunning {
			continue
		}
		timeout := m.timeout
		if t, ok := perRoleTimeout[domain.NormalizeRole(a.Role)]; ok {
			timeout = t
		}
		healthy, err := m.IsHealthy(ctx, a.Role, timeout)
		if err != nil {
			return nil, err
		}
		if !healthy {
			if m.sessionActive(a.Role, timeout) && m.Logger != nil {
				m.Logger.Printf("heartbeat: role %s has no recent heartbeat but its façade session is still connected", a.Role)
			}
			unhealthy = append(unhealthy, a.Role)
		}
	}
	return unhealthy, nil
}

// sessionActive reports whether role has a façade session that has been
// active within timeout. Never used to override is_healthy itself.
func (m *Monitor) sessionActive(role string, timeout time.Duration) bool {
	if m.Sessions == nil || !m.Sessions.HasActiveSession(role) {
		return false
	}
	last := m.Sessions.LastActivity(role)
	return !last.IsZero() && time.Since(last) <= timeout
}
