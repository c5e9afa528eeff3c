package heartbeat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/roster"
	"github.com/cpike5/agentport/internal/session"
	"github.com/cpike5/agentport/internal/statemgr"
	"github.com/cpike5/agentport/internal/store/sqlite"
)

func newTestMonitor(t *testing.T, timeout time.Duration) (*Monitor, *statemgr.Manager) {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	r := roster.Roster{Roles: []roster.RoleSpec{{Role: "developer"}}}
	sm := statemgr.New(st, r, nil)
	ctx := context.Background()
	if err := sm.InitializeFromConfig(ctx); err != nil {
		t.Fatalf("InitializeFromConfig: %v", err)
	}
	if _, err := sm.UpdateAgent(ctx, "developer", func(a *domain.Agent) error {
		a.Status = domain.StatusRunning
		return nil
	}); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	return New(sm, timeout), sm
}

func TestRecordAndIsHealthy(t *testing.T) {
	m, _ := newTestMonitor(t, time.Minute)
	m.Record("developer", "running", "50%")

	healthy, err := m.IsHealthy(context.Background(), "developer", 0)
	if err != nil {
		t.Fatalf("IsHealthy: %v", err)
	}
	if !healthy {
		t.Fatal("expected a freshly recorded heartbeat to be healthy")
	}
}

func TestIsHealthyFallsBackToPersistedAgent(t *testing.T) {
	m, sm := newTestMonitor(t, time.Minute)
	ctx := context.Background()

	if _, err := sm.UpdateAgent(ctx, "developer", func(a *domain.Agent) error {
		a.LastHeartbeat = time.Now()
		return nil
	}); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}

	healthy, err := m.IsHealthy(ctx, "developer", 0)
	if err != nil {
		t.Fatalf("IsHealthy: %v", err)
	}
	if !healthy {
		t.Fatal("expected fallback to persisted LastHeartbeat to report healthy")
	}
}

func TestIsHealthyExpiredTimeout(t *testing.T) {
	m, _ := newTestMonitor(t, time.Millisecond)
	m.Record("developer", "running", "")
	time.Sleep(5 * time.Millisecond)

	healthy, err := m.IsHealthy(context.Background(), "developer", 0)
	if err != nil {
		t.Fatalf("IsHealthy: %v", err)
	}
	if healthy {
		t.Fatal("expected a stale heartbeat to report unhealthy")
	}
}

func TestUnhealthyRunningListsStaleRoles(t *testing.T) {
	m, _ := newTestMonitor(t, time.Millisecond)
	m.Record("developer", "running", "")
	time.Sleep(5 * time.Millisecond)

	unhealthy, err := m.UnhealthyRunning(context.Background(), nil)
	if err != nil {
		t.Fatalf("UnhealthyRunning: %v", err)
	}
	if len(unhealthy) != 1 || unhealthy[0] != "developer" {
		t.Fatalf("expected [developer], got %v", unhealthy)
	}
}

func TestUnhealthyRunningIgnoresSessionActivityAsAuthoritative(t *testing.T) {
	m, _ := newTestMonitor(t, time.Millisecond)
	m.Record("developer", "running", "")
	time.Sleep(5 * time.Millisecond)

	sessions := session.NewRegistry()
	sessions.Bind("sess-1", "developer")
	m.Sessions = sessions

	unhealthy, err := m.UnhealthyRunning(context.Background(), nil)
	if err != nil {
		t.Fatalf("UnhealthyRunning: %v", err)
	}
	if len(unhealthy) != 1 || unhealthy[0] != "developer" {
		t.Fatalf("expected a stale heartbeat to still be reported unhealthy despite an active session, got %v", unhealthy)
	}
}

func TestSessionActiveReflectsRegistryState(t *testing.T) {
	m, _ := newTestMonitor(t, time.Minute)
	if m.sessionActive("developer", time.Minute) {
		t.Fatal("expected no session activity before any session is bound")
	}

	sessions := session.NewRegistry()
	sessions.Bind("sess-1", "developer")
	m.Sessions = sessions
	if !m.sessionActive("developer", time.Minute) {
		t.Fatal("expected session activity once a session is bound")
	}
}

func TestClearRemovesInMemoryRecord(t *testing.T) {
	m, _ := newTestMonitor(t, time.Minute)
	m.Record("developer", "running", "")
	m.Clear("developer")
	if _, ok := m.Last("developer"); ok {
		t.Fatal("expected Last to report no in-memory record after Clear")
	}
}
