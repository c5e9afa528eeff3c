// Package domain holds the orchestration entities: Project, Agent,
// Checkpoint and Message. It has no dependencies on other packages.
package domain

import "time"

// ProjectPhase is the lifecycle phase of the singleton Project row.
type ProjectPhase string

const (
	PhaseInitializing ProjectPhase = "initializing"
	PhasePlanning      ProjectPhase = "planning"
	PhaseBuilding      ProjectPhase = "building"
	PhaseTesting       ProjectPhase = "testing"
	PhaseReviewing     ProjectPhase = "reviewing"
	PhaseCompleting    ProjectPhase = "completing"
	PhaseCompleted     ProjectPhase = "completed"
	PhaseFailed        ProjectPhase = "failed"
	PhasePaused        ProjectPhase = "paused"
)

// Project is the singleton row describing the orchestrated project.
type Project struct {
	Name        string
	WorkingDir  string
	Phase       ProjectPhase
	StartedAt   time.Time
	CompletedAt time.Time // zero if not yet completed
	Brief       string    // optional free-text project brief
}

// AgentStatus is the lifecycle status of an Agent row.
type AgentStatus string

const (
	StatusPending    AgentStatus = "pending"
	StatusQueued     AgentStatus = "queued"
	StatusSpawning   AgentStatus = "spawning"
	StatusRunning    AgentStatus = "running"
	StatusPaused     AgentStatus = "paused"
	StatusCompleted  AgentStatus = "completed"
	StatusFailed     AgentStatus = "failed"
	StatusTimedOut   AgentStatus = "timed_out"
	StatusEscalated  AgentStatus = "escalated"
)

// IsTerminal reports whether status is terminal for the current retry_count
// (spec invariant 3): Completed, Failed and Escalated never transition on
// their own. The timeout handler's retry moves a stalled Running agent
// straight back to Queued.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusEscalated:
		return true
	}
	return false
}

// IsActive reports whether status counts as "active" per spec 4.1's
// get_active_agents (Running, Spawning, Paused).
func (s AgentStatus) IsActive() bool {
	switch s {
	case StatusRunning, StatusSpawning, StatusPaused:
		return true
	}
	return false
}

// Agent is keyed by Role (case-insensitive unique string, spec 3/invariant 1).
type Agent struct {
	Role        string
	WorkerKind  string
	Status      AgentStatus
	Dependencies []string // ordered list of role names, derived from the roster at init

	TaskID string // opaque correlation id, assigned on spawn

	SpawnedAt      time.Time
	CompletedAt    time.Time
	LastHeartbeat  time.Time
	TimeoutAt      time.Time // absolute deadline while Running

	RetryCount int // monotonic, starts at 0

	LastMessage string
	LastError   string

	// RecoveryContext is consumed-and-cleared on next spawn (spec 4.7).
	RecoveryContext string

	EstimatedContextUsage int
	Artifacts             []string
}

// DependenciesSatisfied reports whether every dependency role appears in the
// completed set.
func (a *Agent) DependenciesSatisfied(completed map[string]bool) bool {
	for _, dep := range a.Dependencies {
		if !completed[normalizeRole(dep)] {
			return false
		}
	}
	return true
}

// Checkpoint is an append-only, worker-authored progress snapshot (spec 3/4.4).
type Checkpoint struct {
	ID            int64
	Role          string
	CreatedAt     time.Time
	Summary       string
	Completed     []string
	Pending       []string
	ActiveFiles   []string
	Notes         string
	EstimatedContextUsage int

	// RawCompleted/RawPending hold the raw, unparsed JSON text when the
	// stored list failed to parse as a JSON string array — spec 4.4: "on
	// parse failure, the raw string is embedded verbatim rather than lost."
	RawCompleted string
	RawPending   string
}

// PercentComplete is derived: completed / max(1, completed+pending), spec 3.
func (c *Checkpoint) PercentComplete() int {
	total := len(c.Completed) + len(c.Pending)
	if total == 0 {
		return 0
	}
	return (len(c.Completed) * 100) / total
}

// MessageType enumerates the Message.Type values named in spec 3.
type MessageType string

const (
	MsgInfo        MessageType = "Info"
	MsgProgress    MessageType = "Progress"
	MsgDone        MessageType = "Done"
	MsgError       MessageType = "Error"
	MsgHelp        MessageType = "Help"
	MsgHeartbeat   MessageType = "Heartbeat"
	MsgCheckpoint  MessageType = "Checkpoint"
	MsgQuestion    MessageType = "Question"
	MsgNeedsReview MessageType = "NeedsReview"
)

// RoleAll is the sentinel "to" role meaning broadcast to every subscriber.
const RoleAll = "all"

// RoleSupervisor is the sentinel recipient for escalation and help messages.
const RoleSupervisor = "supervisor"

// Message is a durable, append-only inter-agent message (spec 3/4.3).
type Message struct {
	ID        string // client-supplied or generated
	From      string
	To        string // may be RoleAll
	Type      MessageType
	Timestamp time.Time
	Content   string
	Artifacts []string          // optional JSON artifact list
	Metadata  map[string]string // optional JSON metadata
}

// MatchesRole implements the live filter rule of spec 4.3: a subscription
// with role=R receives a message iff to==R, to=="all", or from==R.
func (m Message) MatchesRole(role string) bool {
	if role == "" {
		return true
	}
	r := normalizeRole(role)
	return normalizeRole(m.To) == r || normalizeRole(m.To) == RoleAll || normalizeRole(m.From) == r
}

// normalizeRole compares roles case-insensitively per spec Glossary ("Role
// -- compared case-insensitively").
func normalizeRole(role string) string {
	out := make([]byte, len(role))
	for i := 0; i < len(role); i++ {
		c := role[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// NormalizeRole exports normalizeRole for callers outside this package that
// need the same case-folding (state manager, store, facade).
func NormalizeRole(role string) string { return normalizeRole(role) }
