// Package store defines the durable State Store port (spec 2, component 1):
// concurrency-safe persistence of project, agent, checkpoint and message
// records. Concrete implementations live in sibling packages (store/sqlite).
//
// The port is intentionally narrower than the teacher's whole-aggregate
// Load/Save pair (internal/app.StateRepository in jaakkos-stringwork): spec 6
// names a normalized per-table layout (project singleton, agents keyed by
// role, checkpoints append-only, messages append-only) and spec 4.1/4.3/4.4
// name typed operations directly, so the port exposes those operations
// rather than a single blob.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cpike5/agentport/internal/domain"
)

// Store is the State Store port. Implementations MUST serialize
// UpdateAgent's read-modify-write per role (spec 5: "per-role state mutation
// serialized by the store").
type Store interface {
	// Project.
	GetProject(ctx context.Context) (*domain.Project, error)
	SaveProject(ctx context.Context, p *domain.Project) error

	// Agents.
	GetAgent(ctx context.Context, role string) (*domain.Agent, error)
	GetAllAgents(ctx context.Context) ([]*domain.Agent, error)
	// UpdateAgent performs an atomic read-modify-write for role: it loads
	// the current row (creating a zero-value Agent if absent only when
	// create is true), applies mutate, persists the result, and returns the
	// persisted row. Implementations MUST serialize calls for the same role.
	UpdateAgent(ctx context.Context, role string, create bool, mutate func(*domain.Agent) error) (*domain.Agent, error)

	// Checkpoints (append-only, spec 4.4).
	SaveCheckpoint(ctx context.Context, c *domain.Checkpoint) error
	GetLatestCheckpoint(ctx context.Context, role string) (*domain.Checkpoint, error)
	CheckpointHistory(ctx context.Context, role string, limit int) ([]*domain.Checkpoint, error)

	// Messages (append-only, spec 4.3).
	PublishMessage(ctx context.Context, m *domain.Message) error
	MessagesForRole(ctx context.Context, role string, since time.Time) ([]*domain.Message, error)
	AllMessages(ctx context.Context, limit int) ([]*domain.Message, error)

	// Close releases underlying resources.
	Close() error
}

// ErrNotFound is returned by GetAgent/GetProject when no row exists.
var ErrNotFound = errors.New("not found")
