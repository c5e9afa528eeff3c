package domain

import "testing"

func TestAgentStatusTerminal(t *testing.T) {
	terminal := []AgentStatus{StatusCompleted, StatusFailed, StatusEscalated}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []AgentStatus{StatusPending, StatusQueued, StatusSpawning, StatusRunning, StatusPaused, StatusTimedOut}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestAgentStatusActive(t *testing.T) {
	for _, s := range []AgentStatus{StatusRunning, StatusSpawning, StatusPaused} {
		if !s.IsActive() {
			t.Errorf("%s should be active", s)
		}
	}
	if StatusPending.IsActive() || StatusCompleted.IsActive() {
		t.Error("pending/completed must not be active")
	}
}

func TestDependenciesSatisfied(t *testing.T) {
	a := &Agent{Role: "tester", Dependencies: []string{"Developer", "Architect"}}
	completed := map[string]bool{"developer": true}
	if a.DependenciesSatisfied(completed) {
		t.Error("expected unsatisfied with only one dependency complete")
	}
	completed["architect"] = true
	if !a.DependenciesSatisfied(completed) {
		t.Error("expected satisfied once both dependencies complete")
	}
}

func TestCheckpointPercentComplete(t *testing.T) {
	c := &Checkpoint{Completed: []string{"a", "b"}, Pending: []string{"c"}}
	if got := c.PercentComplete(); got != 66 {
		t.Errorf("percent complete = %d, want 66", got)
	}
	empty := &Checkpoint{}
	if got := empty.PercentComplete(); got != 0 {
		t.Errorf("empty percent complete = %d, want 0", got)
	}
}

func TestMessageMatchesRole(t *testing.T) {
	m := Message{From: "Architect", To: "all", Type: MsgInfo}
	if !m.MatchesRole("Developer") {
		t.Error("broadcast message should match any role")
	}
	if !m.MatchesRole("") {
		t.Error("empty role subscription should match every message")
	}

	direct := Message{From: "Developer", To: "Tester"}
	if !direct.MatchesRole("tester") {
		t.Error("case-insensitive to-match failed")
	}
	if !direct.MatchesRole("DEVELOPER") {
		t.Error("case-insensitive from-match failed")
	}
	if direct.MatchesRole("architect") {
		t.Error("unrelated role should not match")
	}
}
