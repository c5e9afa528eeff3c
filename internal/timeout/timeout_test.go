package timeout

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cpike5/agentport/internal/bus"
	"github.com/cpike5/agentport/internal/checkpoint"
	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/events"
	"github.com/cpike5/agentport/internal/roster"
	"github.com/cpike5/agentport/internal/statemgr"
	"github.com/cpike5/agentport/internal/store/sqlite"
)

const testMaxRetries = 3

func newTestHandler(t *testing.T) (*Handler, *statemgr.Manager, *checkpoint.Service) {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	r := roster.Roster{Roles: []roster.RoleSpec{{Role: "developer"}}}
	sm := statemgr.New(st, r, nil)
	if err := sm.InitializeFromConfig(context.Background()); err != nil {
		t.Fatalf("InitializeFromConfig: %v", err)
	}
	cp := checkpoint.New(st)
	b := bus.New(st)
	pub := events.New(sm, &events.LogNotifier{}, nil)
	return New(sm, cp, b, pub, nil, testMaxRetries), sm, cp
}

func TestHandleFirstStallRestartsWithCheckpoint(t *testing.T) {
	h, sm, cp := newTestHandler(t)
	ctx := context.Background()

	if err := cp.Save(ctx, &domain.Checkpoint{Role: "developer", Summary: "partial work", Completed: []string{"a"}, Pending: []string{"b"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := sm.UpdateAgent(ctx, "developer", func(a *domain.Agent) error {
		a.Status = domain.StatusRunning
		return nil
	}); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}

	if err := h.Handle(ctx, "developer"); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	agent, err := sm.GetAgent(ctx, "developer")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.Status != domain.StatusQueued || agent.RetryCount != 1 {
		t.Fatalf("expected queued with retry_count=1, got %+v", agent)
	}
	if agent.RecoveryContext == "" {
		t.Fatal("expected a non-empty recovery context from the checkpoint")
	}
}

func TestHandleSecondStallRestartsWithReducedScope(t *testing.T) {
	h, sm, _ := newTestHandler(t)
	ctx := context.Background()

	if _, err := sm.UpdateAgent(ctx, "developer", func(a *domain.Agent) error {
		a.Status = domain.StatusRunning
		a.RetryCount = 1
		return nil
	}); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}

	if err := h.Handle(ctx, "developer"); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	agent, err := sm.GetAgent(ctx, "developer")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.RetryCount != 2 || agent.LastError != "Heartbeat timeout - restarting with reduced scope" {
		t.Fatalf("unexpected agent after second stall: %+v", agent)
	}
}

func TestHandleExhaustedRetriesEscalates(t *testing.T) {
	h, sm, _ := newTestHandler(t)
	ctx := context.Background()

	if _, err := sm.UpdateAgent(ctx, "developer", func(a *domain.Agent) error {
		a.Status = domain.StatusRunning
		a.RetryCount = testMaxRetries - 1
		return nil
	}); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}

	if err := h.Handle(ctx, "developer"); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	agent, err := sm.GetAgent(ctx, "developer")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.Status != domain.StatusEscalated {
		t.Fatalf("expected escalation, got status %s", agent.Status)
	}
}
