// Package facade implements the Inbound Tool Façade (spec 4.9/spec 6):
// seven mcp-go-registered operations a worker process calls to report
// liveness and progress and to communicate with other roles.
//
// The per-tool mcp.NewTool/handler-closure registration idiom is grounded
// on jaakkos-stringwork's internal/tools/collab package
// (heartbeat.go/messaging.go/report_progress.go/register.go); the seven
// operations themselves come from spec 6's façade table, not the teacher
// (which has a much larger, driver/worker-oriented tool surface this
// façade narrows down to agentport's domain).
package facade

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cpike5/agentport/internal/bus"
	"github.com/cpike5/agentport/internal/checkpoint"
	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/events"
	"github.com/cpike5/agentport/internal/heartbeat"
	"github.com/cpike5/agentport/internal/session"
	"github.com/cpike5/agentport/internal/signalwatch"
	"github.com/cpike5/agentport/internal/statemgr"
)

// validHeartbeatStatus and validReportStatus are the enums spec 6 names for
// heartbeat's and report_status's "status" field.
var (
	validHeartbeatStatus = map[string]bool{"working": true, "thinking": true, "writing": true}
	validReportStatus    = map[string]bool{"working": true, "blocked": true, "done": true, "context_limit": true}
)

// Facade wires the seven façade operations to the state manager, heartbeat
// monitor, checkpoint service and message bus.
type Facade struct {
	sm        *statemgr.Manager
	hb        *heartbeat.Monitor
	checkpoints *checkpoint.Service
	bus       *bus.Bus
	events    *events.Publisher
	sessions  *session.Registry
	logger    *log.Logger

	// RoleTimeout resolves role_timeout[role] (spec 6). A heartbeat from a
	// role with no entry here leaves that role's timeout_at unchanged.
	RoleTimeout map[string]time.Duration

	// MaxRecentMessages caps get_context's message slice (spec 6).
	MaxRecentMessages int

	// WakeSignal, when set, is touched after every state-changing call so
	// an internal/signalwatch-backed supervisor wakes for an early tick
	// instead of waiting out the rest of its polling period (spec §9's
	// event-driven-scheduler refinement; grounded on jaakkos-stringwork's
	// CollabService.Run calling notifier.Trigger() after each mutation).
	WakeSignal string
}

func (f *Facade) touchWake() {
	if f.WakeSignal == "" {
		return
	}
	if err := signalwatch.Touch(f.WakeSignal); err != nil && f.logger != nil {
		f.logger.Printf("facade: touch wake signal: %v", err)
	}
}

// New constructs a Facade.
func New(sm *statemgr.Manager, hb *heartbeat.Monitor, cp *checkpoint.Service, b *bus.Bus, pub *events.Publisher, sessions *session.Registry, logger *log.Logger) *Facade {
	return &Facade{sm: sm, hb: hb, checkpoints: cp, bus: b, events: pub, sessions: sessions, logger: logger, MaxRecentMessages: 50}
}

// Register attaches all seven façade tools to s.
func (f *Facade) Register(s *server.MCPServer) {
	f.registerHeartbeat(s)
	f.registerReportStatus(s)
	f.registerCheckpoint(s)
	f.registerComplete(s)
	f.registerSendMessage(s)
	f.registerRequestHelp(s)
	f.registerGetContext(s)
}

func errResult(format string, args ...any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}

func (f *Facade) roleTimeout(role string) time.Duration {
	if f.RoleTimeout == nil {
		return 0
	}
	return f.RoleTimeout[domain.NormalizeRole(role)]
}

// registerHeartbeat implements spec 6's heartbeat operation: record in the
// heartbeat monitor, update last_heartbeat_at/timeout_at, update
// last_message if progress was given.
func (f *Facade) registerHeartbeat(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("heartbeat",
			mcp.WithDescription("Signal liveness. Call this every 60-90 seconds while working; a role that stops "+
				"heartbeating is treated as stalled once its deadline passes."),
			mcp.WithString("agentRole", mcp.Required(), mcp.Description("Your role (e.g. architect, developer, tester)")),
			mcp.WithString("status", mcp.Required(), mcp.Description("One of: working, thinking, writing")),
			mcp.WithString("progress", mcp.Description("What you're currently doing")),
			mcp.WithNumber("estimatedContextUsage", mcp.Description("Estimated fraction of your context window used, 0-100")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			role, _ := args["agentRole"].(string)
			status, _ := args["status"].(string)
			if role == "" {
				return errResult("agentRole is required")
			}
			if !validHeartbeatStatus[status] {
				return errResult("status must be one of: working, thinking, writing")
			}
			progress, _ := args["progress"].(string)
			estimated := 0
			if v, ok := args["estimatedContextUsage"].(float64); ok {
				estimated = int(v)
			}

			if _, err := f.sm.GetAgent(ctx, role); err != nil {
				return errResult("unknown role %q", role)
			}

			f.hb.Record(role, status, progress)
			timeout := f.roleTimeout(role)

			updated, err := f.sm.UpdateAgent(ctx, role, func(a *domain.Agent) error {
				now := time.Now()
				a.LastHeartbeat = now
				if timeout > 0 {
					a.TimeoutAt = now.Add(timeout)
				}
				if progress != "" {
					a.LastMessage = progress
				}
				if estimated > 0 {
					a.EstimatedContextUsage = estimated
				}
				return nil
			})
			if err != nil {
				return errResult("update agent: %v", err)
			}
			if f.events != nil {
				f.events.PublishAgentUpdate(updated)
			}
			f.touchWake()
			return mcp.NewToolResultText("OK"), nil
		},
	)
}

// registerReportStatus implements spec 6's report_status: updates
// last_message; "done" delegates to complete semantics; "context_limit"
// records the report in last_error only. The supervisor's health check
// does not read last_error, so such a role is handled as a stall only once
// its heartbeat lapses.
func (f *Facade) registerReportStatus(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("report_status",
			mcp.WithDescription("Report your current status. Use status=done when your work is finished (equivalent to calling complete)."),
			mcp.WithString("agentRole", mcp.Required(), mcp.Description("Your role")),
			mcp.WithString("status", mcp.Required(), mcp.Description("One of: working, blocked, done, context_limit")),
			mcp.WithString("message", mcp.Required(), mcp.Description("Status detail")),
			mcp.WithString("blockedReason", mcp.Description("Why you're blocked, if status=blocked")),
			mcp.WithArray("artifacts", mcp.Description("Paths of files produced or modified, if status=done")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			role, _ := args["agentRole"].(string)
			status, _ := args["status"].(string)
			message, _ := args["message"].(string)
			if role == "" || message == "" {
				return errResult("agentRole and message are required")
			}
			if !validReportStatus[status] {
				return errResult("status must be one of: working, blocked, done, context_limit")
			}

			if status == "done" {
				return f.complete(ctx, role, message, stringSlice(args["artifacts"]))
			}

			lastError := ""
			if status == "context_limit" {
				lastError = "context_limit reported: " + message
			}
			blockedReason, _ := args["blockedReason"].(string)
			if status == "blocked" && blockedReason != "" {
				lastError = "blocked: " + blockedReason
			}

			updated, err := f.sm.UpdateAgent(ctx, role, func(a *domain.Agent) error {
				a.LastMessage = message
				if lastError != "" {
					a.LastError = lastError
				}
				return nil
			})
			if err != nil {
				return errResult("update agent: %v", err)
			}
			if f.events != nil {
				f.events.PublishAgentUpdate(updated)
			}
			f.touchWake()
			return mcp.NewToolResultText("OK"), nil
		},
	)
}

// registerCheckpoint implements spec 6's checkpoint operation: persist and
// emit a checkpoint event.
func (f *Facade) registerCheckpoint(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("checkpoint",
			mcp.WithDescription("Save a resumable progress snapshot: what's done, what's left, and any notes a restarted attempt would need."),
			mcp.WithString("agentRole", mcp.Required(), mcp.Description("Your role")),
			mcp.WithString("summary", mcp.Required(), mcp.Description("One-line summary of where things stand")),
			mcp.WithArray("completedItems", mcp.Required(), mcp.Description("Items finished so far")),
			mcp.WithArray("pendingItems", mcp.Required(), mcp.Description("Items still remaining")),
			mcp.WithArray("activeFiles", mcp.Description("Files currently being worked on")),
			mcp.WithString("notes", mcp.Description("Anything a resumed attempt would need to know")),
			mcp.WithNumber("estimatedContextUsage", mcp.Description("Estimated fraction of your context window used, 0-100")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			role, _ := args["agentRole"].(string)
			summary, _ := args["summary"].(string)
			if role == "" || summary == "" {
				return errResult("agentRole and summary are required")
			}
			notes, _ := args["notes"].(string)
			estimated := 0
			if v, ok := args["estimatedContextUsage"].(float64); ok {
				estimated = int(v)
			}

			cp := &domain.Checkpoint{
				Role:                  role,
				Summary:               summary,
				Completed:             stringSlice(args["completedItems"]),
				Pending:               stringSlice(args["pendingItems"]),
				ActiveFiles:           stringSlice(args["activeFiles"]),
				Notes:                 notes,
				EstimatedContextUsage: estimated,
			}
			if err := f.checkpoints.Save(ctx, cp); err != nil {
				return errResult("save checkpoint: %v", err)
			}
			if f.events != nil {
				f.events.PublishCheckpoint(cp)
			}
			f.touchWake()
			return mcp.NewToolResultText(fmt.Sprintf("Checkpoint saved (%d%% complete)", cp.PercentComplete())), nil
		},
	)
}

// registerComplete implements spec 6's complete operation directly (also
// reachable via report_status's done alias).
func (f *Facade) registerComplete(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("complete",
			mcp.WithDescription("Mark your role's work as finished. Idempotent if already completed."),
			mcp.WithString("agentRole", mcp.Required(), mcp.Description("Your role")),
			mcp.WithString("summary", mcp.Required(), mcp.Description("Summary of what was accomplished")),
			mcp.WithArray("artifacts", mcp.Description("Paths of files produced or modified")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			role, _ := args["agentRole"].(string)
			summary, _ := args["summary"].(string)
			if role == "" || summary == "" {
				return errResult("agentRole and summary are required")
			}
			return f.complete(ctx, role, summary, stringSlice(args["artifacts"]))
		},
	)
}

// complete is shared by the complete tool and report_status(done)
// (SPEC_FULL.md 13's Open Question 2: full alias).
func (f *Facade) complete(ctx context.Context, role, summary string, artifacts []string) (*mcp.CallToolResult, error) {
	agent, err := f.sm.GetAgent(ctx, role)
	if err != nil {
		return errResult("unknown role %q", role)
	}
	if agent.Status == domain.StatusCompleted {
		return mcp.NewToolResultText("already completed"), nil
	}

	updated, err := f.sm.UpdateAgent(ctx, role, func(a *domain.Agent) error {
		a.Status = domain.StatusCompleted
		a.CompletedAt = time.Now()
		a.LastMessage = summary
		if len(artifacts) > 0 {
			a.Artifacts = artifacts
		}
		return nil
	})
	if err != nil {
		return errResult("update agent: %v", err)
	}
	f.hb.Clear(role)
	if f.events != nil {
		f.events.PublishAgentUpdate(updated)
	}
	f.touchWake()
	return mcp.NewToolResultText("Marked complete"), nil
}

// registerSendMessage implements spec 6's send_message operation: publish
// on the bus.
func (f *Facade) registerSendMessage(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to another role, or to \"all\"."),
			mcp.WithString("from", mcp.Required(), mcp.Description("Your role")),
			mcp.WithString("to", mcp.Required(), mcp.Description("Recipient role, or \"all\"")),
			mcp.WithString("type", mcp.Description("Info, Progress, Done, Error, Help, Question, NeedsReview (default Info)")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Message body")),
			mcp.WithArray("artifacts", mcp.Description("Optional artifact paths")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			from, _ := args["from"].(string)
			to, _ := args["to"].(string)
			content, _ := args["content"].(string)
			if from == "" || to == "" || content == "" {
				return errResult("from, to and content are required")
			}
			msgType, _ := args["type"].(string)
			if msgType == "" {
				msgType = string(domain.MsgInfo)
			}

			msg := &domain.Message{
				From:      from,
				To:        to,
				Type:      domain.MessageType(msgType),
				Content:   content,
				Artifacts: stringSlice(args["artifacts"]),
			}
			if err := f.bus.Publish(ctx, msg); err != nil {
				return errResult("publish message: %v", err)
			}
			return mcp.NewToolResultText(fmt.Sprintf("Message sent to %s", to)), nil
		},
	)
}

// registerRequestHelp implements spec 6's request_help operation: emit a
// Help-typed message addressed to the supervisor sentinel.
func (f *Facade) registerRequestHelp(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("request_help",
			mcp.WithDescription("Flag that you're stuck and need a human or the supervisor's attention."),
			mcp.WithString("agentRole", mcp.Required(), mcp.Description("Your role")),
			mcp.WithString("helpType", mcp.Required(), mcp.Description("Category of help needed")),
			mcp.WithString("issue", mcp.Required(), mcp.Description("Description of the problem")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			role, _ := args["agentRole"].(string)
			helpType, _ := args["helpType"].(string)
			issue, _ := args["issue"].(string)
			if role == "" || helpType == "" || issue == "" {
				return errResult("agentRole, helpType and issue are required")
			}

			msg := &domain.Message{
				From:    role,
				To:      domain.RoleSupervisor,
				Type:    domain.MsgHelp,
				Content: fmt.Sprintf("[%s] %s", helpType, issue),
			}
			if err := f.bus.Publish(ctx, msg); err != nil {
				return errResult("publish message: %v", err)
			}
			if f.events != nil {
				f.events.NotifyEscalation(ctx, role, msg.Content)
			}
			return mcp.NewToolResultText("Help request sent"), nil
		},
	)
}

// registerGetContext implements spec 6's get_context operation: return the
// requested slices of current state.
func (f *Facade) registerGetContext(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("get_context",
			mcp.WithDescription("Fetch a snapshot of current project/agents/messages/artifacts state."),
			mcp.WithArray("include", mcp.Required(), mcp.Description("Subset of: project, agents, messages, artifacts")),
			mcp.WithArray("agentRoles", mcp.Description("Restrict the agents slice to these roles (default: all)")),
			mcp.WithNumber("messageLimit", mcp.Description("Cap on messages returned (default 50)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			include := stringSlice(args["include"])
			if len(include) == 0 {
				return errResult("include is required")
			}
			wanted := make(map[string]bool, len(include))
			for _, s := range include {
				wanted[s] = true
			}

			var out string
			if wanted["project"] {
				p, err := f.sm.GetProject(ctx)
				if err == nil {
					out += fmt.Sprintf("## Project\n%s (phase %s)\n\n", p.Name, p.Phase)
				}
			}
			if wanted["agents"] {
				roles := stringSlice(args["agentRoles"])
				all, err := f.sm.GetAllAgents(ctx)
				if err == nil {
					out += "## Agents\n"
					for _, a := range all {
						if len(roles) > 0 && !contains(roles, a.Role) {
							continue
						}
						out += fmt.Sprintf("- %s: %s (retry %d)\n", a.Role, a.Status, a.RetryCount)
					}
					out += "\n"
				}
			}
			if wanted["messages"] {
				limit := f.MaxRecentMessages
				if v, ok := args["messageLimit"].(float64); ok && v > 0 {
					limit = int(v)
				}
				msgs, err := f.bus.GetAll(ctx, limit)
				if err == nil {
					out += "## Messages\n"
					for _, m := range msgs {
						out += fmt.Sprintf("- [%s] %s -> %s: %s\n", m.Type, m.From, m.To, m.Content)
					}
					out += "\n"
				}
			}
			if wanted["artifacts"] {
				all, err := f.sm.GetAllAgents(ctx)
				if err == nil {
					out += "## Artifacts\n"
					for _, a := range all {
						for _, art := range a.Artifacts {
							out += fmt.Sprintf("- %s (%s)\n", art, a.Role)
						}
					}
				}
			}
			if out == "" {
				out = "No data for the requested include set."
			}
			return mcp.NewToolResultText(out), nil
		},
	)
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if domain.NormalizeRole(h) == domain.NormalizeRole(needle) {
			return true
		}
	}
	return false
}
