// Package supervisor implements the Supervisor Loop (spec 4.8): the single
// long-running task that drives health checks, dependency promotion, and
// worker spawning on a fixed period.
//
// The tick structure (swallow per-phase errors, log, keep going; sleep a
// short backoff on an outer exception) is grounded on jaakkos-stringwork's
// internal/app.WorkerManager.Check/StartupCheck polling loop, generalized
// from "poll worker liveness" to the three-phase order spec 4.8 names.
package supervisor

import (
	"context"
	"log"
	"time"

	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/events"
	"github.com/cpike5/agentport/internal/heartbeat"
	"github.com/cpike5/agentport/internal/roster"
	"github.com/cpike5/agentport/internal/spawner"
	"github.com/cpike5/agentport/internal/statemgr"
	"github.com/cpike5/agentport/internal/timeout"
)

// outerBackoff is the delay after a whole-tick exception (e.g. store
// unreachable) before the next tick is attempted (spec 4.8: "≈5s").
const outerBackoff = 5 * time.Second

// Config holds the Supervisor's tunables (spec 6).
type Config struct {
	PollingInterval time.Duration
	// RoleTimeout overrides the default heartbeat timeout per role
	// (spec 6: role_timeout[role]), keyed by normalized role.
	RoleTimeout map[string]time.Duration
	// ReadinessGrace bounds how long Run waits at startup for Ready to be
	// closed before proceeding anyway (spec 4.8's "external readiness
	// signal"). Zero skips the wait entirely.
	ReadinessGrace time.Duration
}

// Supervisor is the Supervisor Loop.
type Supervisor struct {
	sm        *statemgr.Manager
	hb        *heartbeat.Monitor
	timeout   *timeout.Handler
	spawner   *spawner.Spawner
	events    *events.Publisher
	roster    roster.Roster
	cfg       Config
	logger    *log.Logger

	// Ready, when non-nil, is closed by the caller once the inbound tool
	// façade is listening; Run waits on it (bounded by ReadinessGrace)
	// before starting its first tick.
	Ready <-chan struct{}

	// Wake, when non-nil, lets an external signal (e.g. an fsnotify watch
	// on a signal file, spec §9's "event-driven scheduler" refinement)
	// trigger an immediate tick without waiting for the next ticker fire.
	// A send on this channel that arrives mid-tick is simply absorbed by
	// the next select iteration; Run never blocks trying to send to it.
	Wake <-chan struct{}
}

// New constructs a Supervisor.
func New(sm *statemgr.Manager, hb *heartbeat.Monitor, th *timeout.Handler, sp *spawner.Spawner, pub *events.Publisher, r roster.Roster, cfg Config, logger *log.Logger) *Supervisor {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 5 * time.Second
	}
	return &Supervisor{sm: sm, hb: hb, timeout: th, spawner: sp, events: pub, roster: r, cfg: cfg, logger: logger}
}

func (s *Supervisor) roleTimeout(role string) time.Duration {
	rs := s.roster.ByRole()[domain.NormalizeRole(role)]
	if rs.TimeoutSeconds > 0 {
		return time.Duration(rs.TimeoutSeconds) * time.Second
	}
	return 0 // spawnOne applies its own fallback
}

// Run is the long-running loop entry point. It blocks until ctx is
// cancelled, never returning an error on cancellation itself (spec 5:
// "background loops MUST exit promptly on cancellation... return without
// surfacing it as a failure").
func (s *Supervisor) Run(ctx context.Context) {
	s.awaitReadiness(ctx)

	ticker := time.NewTicker(s.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		case <-s.wake():
			s.runTick(ctx)
			ticker.Reset(s.cfg.PollingInterval)
		}
	}
}

// wake returns s.Wake, or nil (a channel that never fires) when unset, so
// Run's select can unconditionally include it.
func (s *Supervisor) wake() <-chan struct{} {
	return s.Wake
}

func (s *Supervisor) runTick(ctx context.Context) {
	if err := s.tick(ctx); err != nil {
		if s.logger != nil {
			s.logger.Printf("supervisor: tick failed, backing off: %v", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(outerBackoff):
		}
	}
}

func (s *Supervisor) awaitReadiness(ctx context.Context) {
	if s.Ready == nil || s.cfg.ReadinessGrace <= 0 {
		return
	}
	select {
	case <-s.Ready:
	case <-ctx.Done():
	case <-time.After(s.cfg.ReadinessGrace):
		if s.logger != nil {
			s.logger.Printf("supervisor: readiness signal not received within %s, proceeding anyway", s.cfg.ReadinessGrace)
		}
	}
}

// tick runs one pass of the fixed three-phase order (spec 4.8). Each phase
// swallows its own per-role errors (logged); tick itself returns an error
// only for a whole-phase failure (e.g. the store is unreachable), which Run
// treats as the outer exception case.
func (s *Supervisor) tick(ctx context.Context) error {
	if err := s.healthCheck(ctx); err != nil {
		return err
	}
	if err := s.promoteDependencies(ctx); err != nil {
		return err
	}
	return s.spawnPass(ctx)
}

// healthCheck is phase 1: for each unhealthy Running role, delegate to the
// timeout handler.
func (s *Supervisor) healthCheck(ctx context.Context) error {
	perRole := s.cfg.RoleTimeout
	unhealthy, err := s.hb.UnhealthyRunning(ctx, perRole)
	if err != nil {
		return err
	}
	for _, role := range unhealthy {
		if err := s.timeout.Handle(ctx, role); err != nil && s.logger != nil {
			s.logger.Printf("supervisor: timeout handler failed for role %s: %v", role, err)
		}
	}
	return nil
}

// promoteDependencies is phase 2: Pending roles whose dependencies are all
// Completed move to Queued.
func (s *Supervisor) promoteDependencies(ctx context.Context) error {
	ready, err := s.sm.GetReadyAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range ready {
		if a.Status != domain.StatusPending {
			continue
		}
		role := a.Role
		updated, err := s.sm.UpdateAgent(ctx, role, func(agent *domain.Agent) error {
			agent.Status = domain.StatusQueued
			return nil
		})
		if err != nil {
			if s.logger != nil {
				s.logger.Printf("supervisor: promote %s to queued: %v", role, err)
			}
			continue
		}
		if s.events != nil {
			s.events.PublishAgentUpdate(updated)
		}
	}
	return nil
}

// spawnPass is phase 3: Queued roles whose dependencies are satisfied get a
// worker process launched.
func (s *Supervisor) spawnPass(ctx context.Context) error {
	ready, err := s.sm.GetReadyAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range ready {
		if a.Status != domain.StatusQueued {
			continue
		}
		s.spawnOne(ctx, a)
	}
	return nil
}

func (s *Supervisor) spawnOne(ctx context.Context, a *domain.Agent) {
	role := a.Role
	recoveryContext := a.RecoveryContext
	workerKind := a.WorkerKind

	spawning, err := s.sm.UpdateAgent(ctx, role, func(agent *domain.Agent) error {
		agent.Status = domain.StatusSpawning
		agent.RecoveryContext = ""
		return nil
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("supervisor: mark %s spawning: %v", role, err)
		}
		return
	}
	if s.events != nil {
		s.events.PublishAgentUpdate(spawning)
	}

	result, err := s.spawner.Spawn(ctx, role, workerKind, recoveryContext)
	if err != nil {
		failed, uerr := s.sm.UpdateAgent(ctx, role, func(agent *domain.Agent) error {
			agent.Status = domain.StatusFailed
			agent.LastError = err.Error()
			agent.RetryCount++
			return nil
		})
		if uerr != nil {
			if s.logger != nil {
				s.logger.Printf("supervisor: mark %s failed: %v", role, uerr)
			}
			return
		}
		if s.events != nil {
			s.events.PublishAgentUpdate(failed)
		}
		if s.logger != nil {
			s.logger.Printf("supervisor: spawn failed for role %s: %v", role, err)
		}
		return
	}

	now := time.Now()
	timeout := s.roleTimeout(role)
	if timeout <= 0 {
		timeout = s.cfg.PollingInterval * 20 // generous fallback, overridden per-role in practice
	}
	running, err := s.sm.UpdateAgent(ctx, role, func(agent *domain.Agent) error {
		agent.Status = domain.StatusRunning
		agent.TaskID = result.TaskID
		agent.SpawnedAt = now
		agent.TimeoutAt = now.Add(timeout)
		return nil
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("supervisor: mark %s running: %v", role, err)
		}
		return
	}
	if s.events != nil {
		s.events.PublishAgentUpdate(running)
	}
}
