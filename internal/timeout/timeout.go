// Package timeout implements the Timeout Handler (spec 4.7): the policy
// applied to a role whose heartbeat has lapsed, keyed on retry_count versus
// the configured max_retries.
package timeout

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cpike5/agentport/internal/bus"
	"github.com/cpike5/agentport/internal/checkpoint"
	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/events"
	"github.com/cpike5/agentport/internal/statemgr"
)

// reducedScopePreamble is the fixed template instructing the worker to
// break work into atomic tasks, checkpoint after each, and heartbeat
// frequently (spec 4.7).
const reducedScopePreamble = `Your previous attempt at this role stalled. Break the remaining work into
small, atomic tasks. Checkpoint after completing each one, and send a
heartbeat frequently so progress is visible even if this attempt also
runs into trouble.

`

// Handler is the Timeout Handler.
type Handler struct {
	sm          *statemgr.Manager
	checkpoints *checkpoint.Service
	bus         *bus.Bus
	events      *events.Publisher
	logger      *log.Logger
	maxRetries  int
}

// New constructs a Handler. maxRetries is the default max_retries (spec 6);
// per-role overrides are applied by the caller before invoking Handle if
// the spec's configuration allows them (spec names only a single
// max_retries, so this handler takes one value shared by every role).
func New(sm *statemgr.Manager, checkpoints *checkpoint.Service, b *bus.Bus, pub *events.Publisher, logger *log.Logger, maxRetries int) *Handler {
	return &Handler{sm: sm, checkpoints: checkpoints, bus: b, events: pub, logger: logger, maxRetries: maxRetries}
}

// Handle applies the three-tier policy table of spec 4.7 to role.
func (h *Handler) Handle(ctx context.Context, role string) error {
	agent, err := h.sm.GetAgent(ctx, role)
	if err != nil {
		return err
	}

	switch {
	case agent.RetryCount >= h.maxRetries-1:
		return h.escalate(ctx, agent)
	case agent.RetryCount == 1:
		return h.restart(ctx, agent, true)
	default:
		return h.restart(ctx, agent, false)
	}
}

func (h *Handler) escalate(ctx context.Context, agent *domain.Agent) error {
	latest, _ := h.checkpoints.GetLatest(ctx, agent.Role) // best-effort; absent checkpoint is valid

	report := fmt.Sprintf(
		"ESCALATION: role %q (worker kind %q) timed out after %d attempts.\nLast error: %s\nSpawned at: %s\n",
		agent.Role, agent.WorkerKind, agent.RetryCount+1, agent.LastError, agent.SpawnedAt.Format(time.RFC3339),
	)
	if latest != nil {
		report += fmt.Sprintf("Last checkpoint: %s (progress %d%%)\nNotes: %s\n", latest.Summary, latest.PercentComplete(), latest.Notes)
	}

	updated, err := h.sm.UpdateAgent(ctx, agent.Role, func(a *domain.Agent) error {
		a.Status = domain.StatusEscalated
		a.RetryCount++
		a.LastError = fmt.Sprintf("Timed out after %d attempts", agent.RetryCount+1)
		return nil
	})
	if err != nil {
		return err
	}

	if h.bus != nil {
		_ = h.bus.Publish(ctx, &domain.Message{
			From:    updated.Role,
			To:      domain.RoleSupervisor,
			Type:    domain.MsgError,
			Content: report,
		})
	}
	if h.events != nil {
		h.events.PublishAgentUpdate(updated)
		h.events.NotifyEscalation(ctx, updated.Role, report)
	}
	if h.logger != nil {
		h.logger.Printf("timeout: escalating role %s after %d retries", agent.Role, updated.RetryCount)
	}
	return nil
}

func (h *Handler) restart(ctx context.Context, agent *domain.Agent, reducedScope bool) error {
	resumption, err := h.checkpoints.ResumptionContext(ctx, agent.Role)
	hasCheckpoint := err == nil

	var recovery string
	lastError := "Heartbeat timeout - restarting with checkpoint"
	switch {
	case hasCheckpoint && reducedScope:
		recovery = reducedScopePreamble + resumption
		lastError = "Heartbeat timeout - restarting with reduced scope"
	case hasCheckpoint:
		recovery = resumption
	case reducedScope:
		recovery = reducedScopePreamble
		lastError = "Heartbeat timeout - restarting with reduced scope"
	default:
		if h.logger != nil {
			h.logger.Printf("timeout: role %s has no checkpoint to resume from", agent.Role)
		}
	}

	updated, err := h.sm.UpdateAgent(ctx, agent.Role, func(a *domain.Agent) error {
		a.RetryCount++
		a.TimeoutAt = time.Time{}
		a.Status = domain.StatusQueued
		a.RecoveryContext = recovery
		a.LastError = lastError
		return nil
	})
	if err != nil {
		return err
	}

	if h.events != nil {
		h.events.PublishAgentUpdate(updated)
	}
	return nil
}
