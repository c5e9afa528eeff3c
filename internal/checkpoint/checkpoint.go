// Package checkpoint implements the Checkpoint Service (spec 4.4): durable
// progress snapshots and the resumption context document handed to a
// restarted worker.
//
// The fixed-section-order markdown document is a deliberate re-architecture
// (spec 9, REDESIGN FLAGS): the original favored a terse, emoji-decorated
// status block; this implementation renders plain ASCII headings in a fixed
// order so the document is stable across runs and safe for worker stdin
// that may not render unicode.
package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/orcherr"
	"github.com/cpike5/agentport/internal/store"
)

// Service is the Checkpoint Service.
type Service struct {
	st store.Store
}

// New constructs a Service persisting through st.
func New(st store.Store) *Service {
	return &Service{st: st}
}

// Save persists a checkpoint row for c.Role (spec 4.4: append-only).
func (s *Service) Save(ctx context.Context, c *domain.Checkpoint) error {
	if c.Role == "" {
		return orcherr.Validation("checkpoint role must not be empty")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if err := s.st.SaveCheckpoint(ctx, c); err != nil {
		return orcherr.TransientStore("save checkpoint", err)
	}
	return nil
}

// GetLatest returns role's most recent checkpoint.
func (s *Service) GetLatest(ctx context.Context, role string) (*domain.Checkpoint, error) {
	c, err := s.st.GetLatestCheckpoint(ctx, role)
	if err == store.ErrNotFound {
		return nil, orcherr.NotFound(fmt.Sprintf("no checkpoint for role %q", role))
	}
	if err != nil {
		return nil, orcherr.TransientStore("get latest checkpoint", err)
	}
	return c, nil
}

// History returns role's checkpoints, newest first, limited to limit rows
// (limit <= 0 means unbounded).
func (s *Service) History(ctx context.Context, role string, limit int) ([]*domain.Checkpoint, error) {
	history, err := s.st.CheckpointHistory(ctx, role, limit)
	if err != nil {
		return nil, orcherr.TransientStore("checkpoint history", err)
	}
	return history, nil
}

// ResumptionContext renders role's latest checkpoint as a fixed-order,
// plain-ASCII markdown document for injection into a restarted worker's
// recovery context (spec 4.7/4.4).
//
// Section order is fixed: header + timestamp, summary, progress line,
// Completed checklist ("- [x]" items), Remaining checklist ("- [ ]" items),
// optional Active Files, optional Notes, trailing directive. Missing lists render "- None" rather than
// being omitted, so the shape never varies across runs.
func (s *Service) ResumptionContext(ctx context.Context, role string) (string, error) {
	c, err := s.GetLatest(ctx, role)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Resumption Context: %s\n\n", c.Role)
	fmt.Fprintf(&b, "Checkpoint recorded at %s\n\n", c.CreatedAt.UTC().Format(time.RFC3339))

	if c.Summary != "" {
		b.WriteString(c.Summary)
		b.WriteString("\n\n")
	}

	total := len(c.Completed) + len(c.Pending)
	fmt.Fprintf(&b, "Progress: %d%% complete (%d/%d)\n\n", c.PercentComplete(), len(c.Completed), total)

	b.WriteString("## Completed\n\n")
	writeChecklist(&b, "[x] ", c.Completed, c.RawCompleted)
	b.WriteString("\n")

	b.WriteString("## Remaining\n\n")
	writeChecklist(&b, "[ ] ", c.Pending, c.RawPending)
	b.WriteString("\n")

	if len(c.ActiveFiles) > 0 {
		b.WriteString("## Active Files\n\n")
		for _, f := range c.ActiveFiles {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
		b.WriteString("\n")
	}

	if c.Notes != "" {
		b.WriteString("## Notes\n\n")
		b.WriteString(c.Notes)
		b.WriteString("\n\n")
	}

	b.WriteString("Continue from this checkpoint.\n")
	return b.String(), nil
}

func writeChecklist(b *strings.Builder, mark string, items []string, raw string) {
	switch {
	case len(items) > 0:
		for _, item := range items {
			fmt.Fprintf(b, "- %s%s\n", mark, item)
		}
	case raw != "":
		// Parse failure upstream: surface the raw text verbatim rather than
		// silently rendering an empty list (spec 4.4).
		fmt.Fprintf(b, "- (unparsed) %s\n", raw)
	default:
		b.WriteString("- None\n")
	}
}
