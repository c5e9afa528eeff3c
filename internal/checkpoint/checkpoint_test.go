package checkpoint

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/store/sqlite"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st)
}

func TestSaveAndGetLatest(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if err := s.Save(ctx, &domain.Checkpoint{Role: "developer", Summary: "first pass", Completed: []string{"a"}, Pending: []string{"b", "c"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	latest, err := s.GetLatest(ctx, "developer")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest.Summary != "first pass" {
		t.Fatalf("unexpected latest checkpoint: %+v", latest)
	}
}

func TestGetLatestNotFound(t *testing.T) {
	s := newTestService(t)
	_, err := s.GetLatest(context.Background(), "nobody")
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestSaveRejectsEmptyRole(t *testing.T) {
	s := newTestService(t)
	if err := s.Save(context.Background(), &domain.Checkpoint{}); err == nil {
		t.Fatal("expected validation error for empty role")
	}
}

func TestResumptionContextFixedSections(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if err := s.Save(ctx, &domain.Checkpoint{
		Role:        "developer",
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Summary:     "implemented the parser",
		Completed:   []string{"lexer", "parser"},
		Pending:     []string{"codegen"},
		ActiveFiles: []string{"internal/parse/parser.go"},
		Notes:       "codegen needs the AST shape finalized first",
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	doc, err := s.ResumptionContext(ctx, "developer")
	if err != nil {
		t.Fatalf("ResumptionContext: %v", err)
	}

	for _, want := range []string{
		"# Resumption Context: developer",
		"2026-01-02T03:04:05Z",
		"implemented the parser",
		"Progress: 66% complete (2/3)",
		"## Completed",
		"- [x] lexer",
		"- [x] parser",
		"## Remaining",
		"- [ ] codegen",
		"## Active Files",
		"`internal/parse/parser.go`",
		"## Notes",
		"codegen needs the AST shape finalized first",
		"Continue from this checkpoint.",
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("resumption context missing %q:\n%s", want, doc)
		}
	}
}

func TestResumptionContextEmptyListsRenderNone(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	if err := s.Save(ctx, &domain.Checkpoint{Role: "tester", Summary: "kickoff"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	doc, err := s.ResumptionContext(ctx, "tester")
	if err != nil {
		t.Fatalf("ResumptionContext: %v", err)
	}
	if strings.Count(doc, "- None") != 2 {
		t.Fatalf("expected both Completed and Remaining to render '- None', got:\n%s", doc)
	}
}
