// Package statemgr implements the State Manager (spec 4.1): a cached
// read/mutate layer over the store with ready-set computation. Status
// transitions are logged by UpdateAgent but not validated: a mutator may
// set any status.
//
// The mutator pattern (update_agent(role, mutator): load -> mutate -> save
// -> invalidate) is grounded on jaakkos-stringwork's
// internal/app.CollabService.Run, adapted per spec 9's "Mutator-lambda
// updates" re-architecture note: instead of one global mutex guarding a
// whole-state blob, the read-modify-write is pushed down into the store's
// per-role UpdateAgent (which also rejects a mutator that changes the
// role), and this layer only adds a short-TTL cache and transition logging.
package statemgr

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/orcherr"
	"github.com/cpike5/agentport/internal/roster"
	"github.com/cpike5/agentport/internal/store"
)

// cacheTTL is the short-TTL read cache lifetime named in spec 4.1 ("a
// short-TTL (~30s) read cache keyed by role").
const cacheTTL = 30 * time.Second

type cacheEntry struct {
	agent   *domain.Agent
	cutoff  time.Time
}

// Manager is the State Manager.
type Manager struct {
	st     store.Store
	roster roster.Roster
	logger *log.Logger

	mu         sync.Mutex
	byRole     map[string]cacheEntry
	allCache   []*domain.Agent
	allCutoff  time.Time
}

// New constructs a Manager over st, using r to derive each agent's
// dependency list at initialization time (spec 4.1: "Dependencies are
// stored serialized on each agent row (derived from roster at init)").
func New(st store.Store, r roster.Roster, logger *log.Logger) *Manager {
	return &Manager{
		st:     st,
		roster: r,
		logger: logger,
		byRole: make(map[string]cacheEntry),
	}
}

// InitializeProject creates the singleton Project row if absent.
func (m *Manager) InitializeProject(ctx context.Context, name, dir string) (*domain.Project, error) {
	existing, err := m.st.GetProject(ctx)
	if err == nil {
		return existing, nil
	}
	if err != store.ErrNotFound {
		return nil, orcherr.TransientStore("get project", err)
	}
	p := &domain.Project{
		Name:       name,
		WorkingDir: dir,
		Phase:      domain.PhaseInitializing,
		StartedAt:  time.Now(),
	}
	if err := m.st.SaveProject(ctx, p); err != nil {
		return nil, orcherr.TransientStore("save project", err)
	}
	return p, nil
}

// InitializeFromConfig creates one Agent row per roster entry if absent,
// with its Dependencies populated from the roster (spec 4.1).
func (m *Manager) InitializeFromConfig(ctx context.Context) error {
	for _, rs := range m.roster.Roles {
		_, err := m.st.UpdateAgent(ctx, rs.Role, true, func(a *domain.Agent) error {
			if a.WorkerKind == "" && a.Status == "" {
				// Freshly created zero-value row: populate from the roster.
				a.WorkerKind = rs.WorkerKind
				a.Status = domain.StatusPending
				a.Dependencies = append([]string{}, rs.Dependencies...)
			}
			return nil
		})
		if err != nil {
			return orcherr.TransientStore(fmt.Sprintf("initialize agent %s", rs.Role), err)
		}
	}
	m.invalidateAll()
	return nil
}

// GetProject returns the singleton project row.
func (m *Manager) GetProject(ctx context.Context) (*domain.Project, error) {
	p, err := m.st.GetProject(ctx)
	if err == store.ErrNotFound {
		return nil, orcherr.Validation("not-initialized: no project row yet")
	}
	if err != nil {
		return nil, orcherr.TransientStore("get project", err)
	}
	return p, nil
}

// SetProjectPhase updates the project's lifecycle phase (called by the
// supervisor at major transitions per spec 3).
func (m *Manager) SetProjectPhase(ctx context.Context, phase domain.ProjectPhase) error {
	p, err := m.GetProject(ctx)
	if err != nil {
		return err
	}
	p.Phase = phase
	if phase == domain.PhaseCompleted || phase == domain.PhaseFailed {
		p.CompletedAt = time.Now()
	}
	if err := m.st.SaveProject(ctx, p); err != nil {
		return orcherr.TransientStore("save project", err)
	}
	return nil
}

// GetAgent returns a single role's row, preferring the short-TTL cache.
func (m *Manager) GetAgent(ctx context.Context, role string) (*domain.Agent, error) {
	norm := domain.NormalizeRole(role)
	m.mu.Lock()
	if e, ok := m.byRole[norm]; ok && time.Now().Before(e.cutoff) {
		m.mu.Unlock()
		return e.agent, nil
	}
	m.mu.Unlock()

	a, err := m.st.GetAgent(ctx, role)
	if err == store.ErrNotFound {
		return nil, orcherr.NotFound(fmt.Sprintf("role %q not found", role))
	}
	if err != nil {
		return nil, orcherr.TransientStore(fmt.Sprintf("get agent %s", role), err)
	}
	m.cacheRole(norm, a)
	return a, nil
}

// GetAllAgents returns every agent row, preferring the short-TTL cache.
func (m *Manager) GetAllAgents(ctx context.Context) ([]*domain.Agent, error) {
	m.mu.Lock()
	if m.allCache != nil && time.Now().Before(m.allCutoff) {
		out := append([]*domain.Agent{}, m.allCache...)
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	all, err := m.st.GetAllAgents(ctx)
	if err != nil {
		return nil, orcherr.TransientStore("get all agents", err)
	}
	m.mu.Lock()
	m.allCache = all
	m.allCutoff = time.Now().Add(cacheTTL)
	for _, a := range all {
		m.byRole[domain.NormalizeRole(a.Role)] = cacheEntry{agent: a, cutoff: m.allCutoff}
	}
	m.mu.Unlock()
	return append([]*domain.Agent{}, all...), nil
}

// UpdateAgent is the sole mutation path (spec 4.1: "callers MUST treat
// update_agent as the sole mutation path"). It reads current state, applies
// the mutator, writes back, invalidates caches, and logs status transitions.
func (m *Manager) UpdateAgent(ctx context.Context, role string, mutator func(*domain.Agent) error) (*domain.Agent, error) {
	before, _ := m.st.GetAgent(ctx, role) // best-effort, for transition logging only
	var beforeStatus domain.AgentStatus
	if before != nil {
		beforeStatus = before.Status
	}

	updated, err := m.st.UpdateAgent(ctx, role, false, mutator)
	if err == store.ErrNotFound {
		return nil, orcherr.NotFound(fmt.Sprintf("role %q not found", role))
	}
	if err != nil {
		return nil, orcherr.TransientStore(fmt.Sprintf("update agent %s", role), err)
	}

	m.invalidateRole(domain.NormalizeRole(role))
	if beforeStatus != "" && beforeStatus != updated.Status && m.logger != nil {
		m.logger.Printf("agent %s: %s -> %s", updated.Role, beforeStatus, updated.Status)
	}
	return updated, nil
}

// GetActiveAgents returns agents whose status is in {Running, Spawning, Paused}.
func (m *Manager) GetActiveAgents(ctx context.Context) ([]*domain.Agent, error) {
	all, err := m.GetAllAgents(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.Agent
	for _, a := range all {
		if a.Status.IsActive() {
			out = append(out, a)
		}
	}
	return out, nil
}

// GetReadyAgents returns agents with status in {Pending, Queued} whose
// dependencies are all Completed (spec 4.1/Glossary "Ready").
func (m *Manager) GetReadyAgents(ctx context.Context) ([]*domain.Agent, error) {
	all, err := m.GetAllAgents(ctx)
	if err != nil {
		return nil, err
	}
	completed := make(map[string]bool, len(all))
	for _, a := range all {
		if a.Status == domain.StatusCompleted {
			completed[domain.NormalizeRole(a.Role)] = true
		}
	}
	var out []*domain.Agent
	for _, a := range all {
		if a.Status != domain.StatusPending && a.Status != domain.StatusQueued {
			continue
		}
		if a.DependenciesSatisfied(completed) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Manager) cacheRole(norm string, a *domain.Agent) {
	m.mu.Lock()
	m.byRole[norm] = cacheEntry{agent: a, cutoff: time.Now().Add(cacheTTL)}
	m.mu.Unlock()
}

func (m *Manager) invalidateRole(norm string) {
	m.mu.Lock()
	delete(m.byRole, norm)
	m.allCache = nil
	m.mu.Unlock()
}

func (m *Manager) invalidateAll() {
	m.mu.Lock()
	m.byRole = make(map[string]cacheEntry)
	m.allCache = nil
	m.mu.Unlock()
}

// RefreshHeartbeatsOnStartup seeds LastHeartbeat for every persisted
// Running agent so the heartbeat monitor doesn't immediately declare it
// stalled before its worker reconnects (spec_full.md 12, grounded on
// jaakkos-stringwork's RefreshHeartbeatsOnStartup).
func (m *Manager) RefreshHeartbeatsOnStartup(ctx context.Context) error {
	all, err := m.st.GetAllAgents(ctx)
	if err != nil {
		return orcherr.TransientStore("get all agents", err)
	}
	now := time.Now()
	for _, a := range all {
		if a.Status != domain.StatusRunning {
			continue
		}
		role := a.Role
		if _, err := m.st.UpdateAgent(ctx, role, false, func(agent *domain.Agent) error {
			agent.LastHeartbeat = now
			return nil
		}); err != nil {
			return orcherr.TransientStore(fmt.Sprintf("refresh heartbeat %s", role), err)
		}
	}
	m.invalidateAll()
	return nil
}
