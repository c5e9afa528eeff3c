package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cpike5/agentport/internal/bus"
	"github.com/cpike5/agentport/internal/checkpoint"
	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/events"
	"github.com/cpike5/agentport/internal/heartbeat"
	"github.com/cpike5/agentport/internal/roster"
	"github.com/cpike5/agentport/internal/session"
	"github.com/cpike5/agentport/internal/statemgr"
	"github.com/cpike5/agentport/internal/store/sqlite"
)

// testServer mirrors jaakkos-stringwork's internal/tools/collab test
// harness: build a real MCPServer with every façade tool registered, and
// drive it through HandleMessage the same way a real client would.
func testServer(t *testing.T) (*server.MCPServer, *statemgr.Manager, *bus.Bus) {
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
	hb := heartbeat.New(sm, 0)
	cp := checkpoint.New(st)
	b := bus.New(st)
	pub := events.New(sm, &events.LogNotifier{}, nil)
	sess := session.NewRegistry()

	f := New(sm, hb, cp, b, pub, sess, nil)
	s := server.NewMCPServer("test", "1.0.0")
	f.Register(s)
	return s, sm, b
}

func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()
	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := s.HandleMessage(context.Background(), reqJSON)
	respBytes, err := json.Marshal(respJSON)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return &result, nil
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

func TestHeartbeatUpdatesAgentState(t *testing.T) {
	s, sm, _ := testServer(t)

	result, err := callTool(t, s, "heartbeat", map[string]any{
		"agentRole": "developer", "status": "working", "progress": "writing tests",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resultText(t, result) != "OK" {
		t.Fatalf("unexpected result: %q", resultText(t, result))
	}

	agent, err := sm.GetAgent(context.Background(), "developer")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.LastMessage != "writing tests" || agent.LastHeartbeat.IsZero() {
		t.Fatalf("unexpected agent state after heartbeat: %+v", agent)
	}
}

func TestHeartbeatRejectsInvalidStatus(t *testing.T) {
	s, _, _ := testServer(t)
	result, err := callTool(t, s, "heartbeat", map[string]any{"agentRole": "developer", "status": "napping"})
	if err != nil {
		t.Fatalf("unexpected RPC-level error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a structured isError result for an invalid status")
	}
}

func TestReportStatusDoneDelegatesToComplete(t *testing.T) {
	s, sm, _ := testServer(t)

	if _, err := callTool(t, s, "report_status", map[string]any{
		"agentRole": "developer", "status": "done", "message": "all done",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	agent, err := sm.GetAgent(context.Background(), "developer")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.Status != domain.StatusCompleted {
		t.Fatalf("expected completed status, got %s", agent.Status)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	s, _, _ := testServer(t)

	args := map[string]any{"agentRole": "developer", "summary": "done"}
	if _, err := callTool(t, s, "complete", args); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	result, err := callTool(t, s, "complete", args)
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if resultText(t, result) != "already completed" {
		t.Fatalf("expected idempotent result, got %q", resultText(t, result))
	}
}

func TestCheckpointPersistsAndReportsPercent(t *testing.T) {
	s, _, _ := testServer(t)

	result, err := callTool(t, s, "checkpoint", map[string]any{
		"agentRole":      "developer",
		"summary":        "halfway",
		"completedItems": []any{"a", "b"},
		"pendingItems":   []any{"c", "d"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resultText(t, result) != "Checkpoint saved (50% complete)" {
		t.Fatalf("unexpected result: %q", resultText(t, result))
	}
}

func TestSendMessagePublishesToBus(t *testing.T) {
	s, _, b := testServer(t)

	if _, err := callTool(t, s, "send_message", map[string]any{
		"from": "developer", "to": "all", "content": "hello",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := b.GetAll(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("unexpected bus history: %+v", msgs)
	}
}

func TestRequestHelpAddressesSupervisor(t *testing.T) {
	s, _, b := testServer(t)

	if _, err := callTool(t, s, "request_help", map[string]any{
		"agentRole": "developer", "helpType": "stuck", "issue": "can't find the file",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := b.GetAll(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(msgs) != 1 || msgs[0].To != domain.RoleSupervisor || msgs[0].Type != domain.MsgHelp {
		t.Fatalf("unexpected message: %+v", msgs)
	}
}

func TestGetContextReturnsRequestedSlices(t *testing.T) {
	s, _, _ := testServer(t)

	result, err := callTool(t, s, "get_context", map[string]any{
		"include": []any{"project", "agents"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := resultText(t, result)
	if text == "" {
		t.Fatal("expected non-empty context output")
	}
}

func TestWakeSignalTouchedOnStateChange(t *testing.T) {
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
	hb := heartbeat.New(sm, 0)
	cp := checkpoint.New(st)
	b := bus.New(st)
	pub := events.New(sm, &events.LogNotifier{}, nil)
	sess := session.NewRegistry()

	f := New(sm, hb, cp, b, pub, sess, nil)
	f.WakeSignal = filepath.Join(t.TempDir(), "signal")
	s := server.NewMCPServer("test", "1.0.0")
	f.Register(s)

	if _, err := callTool(t, s, "heartbeat", map[string]any{"agentRole": "developer", "status": "working"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(f.WakeSignal); err != nil {
		t.Fatalf("expected wake signal file to exist after heartbeat: %v", err)
	}
}

func TestGetContextRequiresInclude(t *testing.T) {
	s, _, _ := testServer(t)
	result, err := callTool(t, s, "get_context", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected RPC-level error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a structured isError result when include is omitted")
	}
}
