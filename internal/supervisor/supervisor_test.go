package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cpike5/agentport/internal/bus"
	"github.com/cpike5/agentport/internal/checkpoint"
	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/events"
	"github.com/cpike5/agentport/internal/heartbeat"
	"github.com/cpike5/agentport/internal/roster"
	"github.com/cpike5/agentport/internal/spawner"
	"github.com/cpike5/agentport/internal/statemgr"
	"github.com/cpike5/agentport/internal/store/sqlite"
	"github.com/cpike5/agentport/internal/timeout"
)

// longRunningScript writes an executable shell script that sleeps, ignoring
// every argument, so the spawner's injected CLI flags don't get misread as
// a duration (the way a bare "sleep" binary would).
func longRunningScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nsleep 5\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestSupervisor(t *testing.T) (*Supervisor, *statemgr.Manager, *spawner.Spawner) {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	r := roster.Roster{Roles: []roster.RoleSpec{
		{Role: "architect"},
		{Role: "developer", Dependencies: []string{"architect"}},
	}}
	sm := statemgr.New(st, r, nil)
	ctx := context.Background()
	if err := sm.InitializeFromConfig(ctx); err != nil {
		t.Fatalf("InitializeFromConfig: %v", err)
	}

	hb := heartbeat.New(sm, time.Minute)
	cp := checkpoint.New(st)
	b := bus.New(st)
	pub := events.New(sm, &events.LogNotifier{}, nil)
	th := timeout.New(sm, cp, b, pub, nil, 3)

	scratch := t.TempDir()
	sp := spawner.New(
		spawner.Config{BinaryPath: longRunningScript(t), ScratchDir: scratch, GracefulShutdownTimeout: time.Second},
		func(workerKind string, project *domain.Project, recoveryContext string) (string, error) { return "prompt", nil },
		spawner.FacadeConfig{Transport: "stdio"},
		func(ctx context.Context) (*domain.Project, error) { return &domain.Project{Name: "demo"}, nil },
		nil,
	)
	t.Cleanup(sp.Shutdown)

	sup := New(sm, hb, th, sp, pub, r, Config{PollingInterval: 20 * time.Millisecond}, nil)
	return sup, sm, sp
}

func TestPromoteDependenciesMovesPendingToQueuedWhenReady(t *testing.T) {
	sup, sm, _ := newTestSupervisor(t)
	ctx := context.Background()

	// architect has no dependencies, so it should promote immediately;
	// developer depends on architect and should stay Pending.
	if err := sup.promoteDependencies(ctx); err != nil {
		t.Fatalf("promoteDependencies: %v", err)
	}

	architect, err := sm.GetAgent(ctx, "architect")
	if err != nil {
		t.Fatalf("GetAgent architect: %v", err)
	}
	if architect.Status != domain.StatusQueued {
		t.Fatalf("expected architect queued, got %s", architect.Status)
	}

	developer, err := sm.GetAgent(ctx, "developer")
	if err != nil {
		t.Fatalf("GetAgent developer: %v", err)
	}
	if developer.Status != domain.StatusPending {
		t.Fatalf("expected developer still pending, got %s", developer.Status)
	}
}

func TestSpawnPassLaunchesQueuedRoleAndMarksRunning(t *testing.T) {
	sup, sm, sp := newTestSupervisor(t)
	ctx := context.Background()

	if _, err := sm.UpdateAgent(ctx, "architect", func(a *domain.Agent) error {
		a.Status = domain.StatusQueued
		return nil
	}); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}

	if err := sup.spawnPass(ctx); err != nil {
		t.Fatalf("spawnPass: %v", err)
	}

	agent, err := sm.GetAgent(ctx, "architect")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.Status != domain.StatusRunning || agent.TaskID == "" {
		t.Fatalf("expected running with a task id, got %+v", agent)
	}
	if _, ok := sp.GetProcess("architect"); !ok {
		t.Fatal("expected a tracked process for architect")
	}
}

func TestSpawnPassMarksFailedOnSpawnError(t *testing.T) {
	sup, sm, sp := newTestSupervisor(t)
	ctx := context.Background()

	// Force every future spawn to fail by terminating the one live slot
	// isn't quite right here; instead point the spawner at a nonexistent
	// binary for a fresh spawner wired to the same supervisor.
	sp.Shutdown()
	broken := spawner.New(
		spawner.Config{BinaryPath: filepath.Join(t.TempDir(), "does-not-exist"), ScratchDir: t.TempDir()},
		func(workerKind string, project *domain.Project, recoveryContext string) (string, error) { return "prompt", nil },
		spawner.FacadeConfig{Transport: "stdio"},
		func(ctx context.Context) (*domain.Project, error) { return &domain.Project{Name: "demo"}, nil },
		nil,
	)
	sup.spawner = broken

	if _, err := sm.UpdateAgent(ctx, "architect", func(a *domain.Agent) error {
		a.Status = domain.StatusQueued
		return nil
	}); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}

	if err := sup.spawnPass(ctx); err != nil {
		t.Fatalf("spawnPass: %v", err)
	}

	agent, err := sm.GetAgent(ctx, "architect")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.Status != domain.StatusFailed || agent.RetryCount != 1 {
		t.Fatalf("expected failed with retry_count=1, got %+v", agent)
	}
}

func TestRunExitsPromptlyOnCancellation(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit promptly after cancellation")
	}
}

func TestWakeChannelTriggersEarlyTick(t *testing.T) {
	sup, sm, _ := newTestSupervisor(t)
	sup.cfg.PollingInterval = time.Hour // only a Wake pulse can drive a tick in time

	wake := make(chan struct{}, 1)
	sup.Wake = wake

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	wake <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		architect, err := sm.GetAgent(context.Background(), "architect")
		if err != nil {
			t.Fatalf("GetAgent: %v", err)
		}
		if architect.Status == domain.StatusRunning {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected a Wake pulse to trigger promotion and spawn well before the next poll")
}

// ensure exec is actually usable in this sandbox, otherwise the spawn tests
// above would all fail for an environmental reason rather than a logic one.
func TestShellAvailable(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no /bin/sh available in this environment")
	}
}
