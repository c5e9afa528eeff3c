// agentport is the autonomous agent orchestrator's composition root: it
// wires the state store, state manager, message bus, heartbeat monitor,
// checkpoint service, worker spawner, timeout handler, supervisor loop,
// event publisher and inbound tool façade into one running process, then
// serves the façade over stdio or HTTP depending on configuration.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cpike5/agentport/internal/bus"
	"github.com/cpike5/agentport/internal/checkpoint"
	"github.com/cpike5/agentport/internal/config"
	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/events"
	"github.com/cpike5/agentport/internal/facade"
	"github.com/cpike5/agentport/internal/heartbeat"
	"github.com/cpike5/agentport/internal/roster"
	"github.com/cpike5/agentport/internal/session"
	"github.com/cpike5/agentport/internal/signalwatch"
	"github.com/cpike5/agentport/internal/spawner"
	"github.com/cpike5/agentport/internal/statemgr"
	"github.com/cpike5/agentport/internal/store/sqlite"
	"github.com/cpike5/agentport/internal/supervisor"
	"github.com/cpike5/agentport/internal/timeout"
)

func main() {
	tmpLogger := log.New(os.Stderr, "[agentport] ", log.LstdFlags)
	cfg := loadConfig(tmpLogger)

	logger := setupLogger(cfg.LogFile)
	logger.Println("Starting agentport...")
	logger.Printf("Workspace root: %s", cfg.WorkspaceRoot)
	logger.Printf("Tool transport: %s", cfg.ToolTransport)

	r := roster.Roster{Roles: make([]roster.RoleSpec, 0, len(cfg.Roles))}
	for _, rd := range cfg.Roles {
		r.Roles = append(r.Roles, roster.RoleSpec{
			Role:           rd.Role,
			WorkerKind:     rd.WorkerKind,
			Dependencies:   rd.Dependencies,
			TimeoutSeconds: rd.TimeoutSeconds,
		})
	}
	if vr := roster.Validate(r); !vr.OK() {
		logger.Fatalf("invalid roster: %s", strings.Join(vr.Errors, "; "))
	}

	statePath := cfg.ResolvedStateFile()
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		logger.Fatalf("create state dir: %v", err)
	}
	st, err := sqlite.New(statePath)
	if err != nil {
		logger.Fatalf("open state store: %v", err)
	}

	sm := statemgr.New(st, r, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	projectName := filepath.Base(cfg.WorkspaceRoot)
	if projectName == "" || projectName == "." {
		projectName = "agentport"
	}
	if _, err := sm.InitializeProject(ctx, projectName, cfg.WorkspaceRoot); err != nil {
		logger.Fatalf("initialize project: %v", err)
	}
	if err := sm.InitializeFromConfig(ctx); err != nil {
		logger.Fatalf("initialize roster agents: %v", err)
	}
	if err := sm.RefreshHeartbeatsOnStartup(ctx); err != nil {
		logger.Printf("Warning: refresh heartbeats on startup: %v", err)
	}

	b := bus.New(st)
	hb := heartbeat.New(sm, cfg.HeartbeatTimeout())
	cp := checkpoint.New(st)
	pub := events.New(sm, &events.LogNotifier{Logger: logger}, logger)
	pub.Start(b)

	sessions := session.NewRegistry()
	clients := newClientSessionStore()
	pub.Push = buildPushFunc(sessions, clients, logger)
	hb.Sessions = sessions
	hb.Logger = logger

	fac := facade.New(sm, hb, cp, b, pub, sessions, logger)
	fac.RoleTimeout = cfg.RoleTimeouts()
	fac.MaxRecentMessages = cfg.MaxRecentMessages
	fac.WakeSignal = cfg.ResolvedSignalFile()

	facadeCfg := spawner.FacadeConfig{Transport: cfg.ToolTransport, Address: toolAddress(cfg)}
	spawnerCfg := spawner.Config{
		BinaryPath:                 cfg.WorkerBinaryPath,
		Model:                      cfg.WorkerModel,
		OutputFormat:               cfg.WorkerOutputFormat,
		MaxTurns:                   cfg.WorkerMaxTurns,
		DangerouslySkipPermissions: cfg.DangerouslySkipPermissions,
		WorkingDir:                 cfg.WorkspaceRoot,
		ScratchDir:                 cfg.ResolvedScratchDir(),
		GracefulShutdownTimeout:    cfg.GracefulShutdownTimeout(),
		MaxFailureCount:            cfg.SpawnRetry.MaxAttempts,
	}
	sp := spawner.New(spawnerCfg, buildPromptFactory(), facadeCfg, sm.GetProject, logger)

	th := timeout.New(sm, cp, b, pub, logger, cfg.MaxRetries)

	ready := make(chan struct{})
	sup := supervisor.New(sm, hb, th, sp, pub, r, supervisor.Config{
		PollingInterval: cfg.PollingInterval(),
		RoleTimeout:     cfg.RoleTimeouts(),
		ReadinessGrace:  10 * time.Second,
	}, logger)
	sup.Ready = ready

	watcher := signalwatch.New(cfg.ResolvedSignalFile(), logger)
	sup.Wake = watcher.C()
	go watcher.Run(ctx)
	go sup.Run(ctx)

	// Ignore SIGHUP so the process survives a daemonized shell hangup.
	signal.Ignore(syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		sess := server.ClientSessionFromContext(ctx)
		if sess == nil {
			return
		}
		clients.set(sess.SessionID(), sess)
		if role, _ := message.GetArguments()["agentRole"].(string); role != "" {
			sessions.Bind(sess.SessionID(), role)
		}
		sessions.Touch(sess.SessionID())
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, sess server.ClientSession) {
		sessions.Unbind(sess.SessionID())
		clients.remove(sess.SessionID())
	})

	mcpServer := server.NewMCPServer(
		"agentport",
		"1.0.0",
		server.WithInstructions("Call heartbeat every 60-90 seconds while working, checkpoint before risky steps, "+
			"and complete (or report_status status=done) when your role's work is finished."),
		server.WithHooks(hooks),
		server.WithResourceCapabilities(false, false),
	)
	fac.Register(mcpServer)

	switch strings.ToLower(cfg.ToolTransport) {
	case "http-sse", "http", "sse":
		runHTTPServer(ctx, mcpServer, cfg, logger, ready)
	default:
		runStdioServer(ctx, mcpServer, logger, ready)
	}

	sp.Shutdown()
	if err := st.Close(); err != nil {
		logger.Printf("Warning: close state store: %v", err)
	}
	logger.Println("agentport stopped")
}

// loadConfig loads configuration from AGENTPORT_CONFIG, or falls back to
// defaults with the current working directory as the workspace root.
func loadConfig(logger *log.Logger) *config.Config {
	cfg := config.DefaultConfig()
	if path := os.Getenv("AGENTPORT_CONFIG"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			logger.Printf("Warning: failed to load config %s: %v, using defaults", path, err)
		} else {
			cfg = loaded
		}
	}
	if cfg.WorkspaceRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to get working directory: %v\n", err)
			os.Exit(1)
		}
		cfg.WorkspaceRoot = cwd
	}
	return cfg
}

// clientSessionStore holds live server.ClientSession objects keyed by
// session id, so a push notification can be handed the actual transport
// session rather than just its bound role. Grounded on
// cmd/mcp-server/main.go's sessionStore.
type clientSessionStore struct {
	mu   sync.RWMutex
	data map[string]server.ClientSession
}

func newClientSessionStore() *clientSessionStore {
	return &clientSessionStore{data: make(map[string]server.ClientSession)}
}

func (cs *clientSessionStore) set(id string, s server.ClientSession) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.data[id] = s
}

func (cs *clientSessionStore) remove(id string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.data, id)
}

func (cs *clientSessionStore) get(id string) server.ClientSession {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.data[id]
}

// buildPushFunc returns an events.Publisher.Push implementation that
// delivers an MCP notification to every connected, initialized façade
// session. Grounded on cmd/mcp-server/main.go's pushFunc; agentport fans
// out to every bound role instead of "the first connected agent" since the
// teacher's single-pair model doesn't apply to a multi-role roster.
func buildPushFunc(sessions *session.Registry, clients *clientSessionStore, logger *log.Logger) func(method string, params any) {
	return func(method string, params any) {
		for _, role := range sessions.ConnectedRoles() {
			sid := sessions.SessionForRole(role)
			if sid == "" {
				continue
			}
			sess := clients.get(sid)
			if sess == nil || !sess.Initialized() {
				continue
			}
			notification := mcp.JSONRPCNotification{
				JSONRPC: "2.0",
				Notification: mcp.Notification{
					Method: method,
					Params: mcp.NotificationParams{AdditionalFields: map[string]any{"params": params}},
				},
			}
			select {
			case sess.NotificationChannel() <- notification:
			default:
				logger.Printf("push: notification to role %s dropped (channel full)", role)
			}
		}
	}
}

func toolAddress(cfg *config.Config) string {
	if strings.ToLower(cfg.ToolTransport) == "stdio" || cfg.ToolTransport == "" {
		return "stdio"
	}
	host := cfg.ToolHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.ToolPort
	if port == 0 {
		port = 8943
	}
	return fmt.Sprintf("http://%s:%d/mcp", host, port)
}

// buildPromptFactory builds the minimal system-prompt text for a worker
// kind. Template composition itself is explicitly out of scope; this only
// assembles the project brief, role, and any recovery context into a plain
// instruction block (spec 4.6 step 3).
func buildPromptFactory() spawner.PromptFactory {
	return func(workerKind string, project *domain.Project, recoveryContext string) (string, error) {
		var b strings.Builder
		fmt.Fprintf(&b, "You are a %s worker on project %q.\n", workerKind, project.Name)
		fmt.Fprintf(&b, "Working directory: %s\n", project.WorkingDir)
		if project.Brief != "" {
			fmt.Fprintf(&b, "\nProject brief:\n%s\n", project.Brief)
		}
		if recoveryContext != "" {
			fmt.Fprintf(&b, "\nYou are resuming after a restart. Prior context:\n%s\n", recoveryContext)
		}
		b.WriteString("\nCall heartbeat regularly, checkpoint before risky steps, and call complete when finished.\n")
		return b.String(), nil
	}
}

// runStdioServer serves the façade over stdin/stdout for a single worker
// process (spec 6: tool_transport=stdio).
func runStdioServer(ctx context.Context, mcpServer *server.MCPServer, logger *log.Logger, ready chan<- struct{}) {
	logger.Println("Serving façade over stdio")
	close(ready)
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Printf("stdio server error: %v", err)
	}
}

// runHTTPServer serves the façade over SSE and Streamable HTTP on one mux,
// for multi-worker deployments (spec 6: tool_transport=http-sse).
func runHTTPServer(ctx context.Context, mcpServer *server.MCPServer, cfg *config.Config, logger *log.Logger, ready chan<- struct{}) {
	host := cfg.ToolHost
	port := cfg.ToolPort
	if port == 0 {
		port = 8943
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	baseURL := fmt.Sprintf("http://%s:%d", emptyToLocalhost(host), port)

	logger.Printf("Serving façade over HTTP on %s", addr)
	logger.Printf("  SSE endpoint:             %s/sse", baseURL)
	logger.Printf("  Streamable HTTP endpoint: %s/mcp", baseURL)

	sseSrv := server.NewSSEServer(mcpServer, server.WithBaseURL(baseURL))
	streamSrv := server.NewStreamableHTTPServer(mcpServer)

	mux := http.NewServeMux()
	mux.Handle("/sse", sseSrv)
	mux.Handle("/sse/", sseSrv)
	mux.Handle("/message", sseSrv)
	mux.Handle("/mcp", streamSrv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	httpServer := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()
	close(ready)

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown error: %v", err)
	}
}

func emptyToLocalhost(host string) string {
	if host == "" {
		return "localhost"
	}
	return host
}

// setupLogger writes to a log file and, when stderr is an interactive
// terminal, also to stderr (daemonized runs redirect stderr to the log
// file already, so writing there too would duplicate every line).
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[agentport] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[agentport] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	if isatty.IsTerminal(os.Stderr.Fd()) || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[agentport] ", log.LstdFlags)
}
