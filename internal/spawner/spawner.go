// Package spawner implements the Worker Spawner (spec 4.6): launches,
// tracks, and terminates worker child processes, and owns every scratch
// file it writes.
//
// The process tracking, tail-buffer error classification and
// exponential-backoff supplement are grounded on jaakkos-stringwork's
// internal/app.WorkerManager (runOnce/classifyWorkerError/failureBackoff),
// narrowed from "retry N times internally then give up" to "one spawn
// attempt per call" because here the supervisor's spawn pass, not the
// spawner, owns the retry loop (spec 4.7's timeout handler drives
// retry_count). The spawner's own backoff only guards against rapid
// repeated *launch*-level failures (binary missing, scratch dir
// unwritable), not application-level worker failures.
package spawner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cpike5/agentport/internal/domain"
	"github.com/cpike5/agentport/internal/orcherr"
)

const (
	failureBackoffBase            = 1 * time.Minute
	failureBackoffMax             = 10 * time.Minute
	defaultFailureBackoffMaxCount = 10
	forcedKillWait                = 5 * time.Second
)

// PromptFactory renders the system-prompt text for workerKind, given the
// current project and an optional recovery context (spec 4.6 step 3).
type PromptFactory func(workerKind string, project *domain.Project, recoveryContext string) (string, error)

// FacadeConfig describes the inbound tool façade endpoint a spawned worker
// should connect to (spec 4.6 step 5).
type FacadeConfig struct {
	Transport string
	Address   string
}

// Config holds the command-line shape for spawned workers (spec 6).
type Config struct {
	BinaryPath                 string
	Model                      string
	OutputFormat                string
	MaxTurns                    int
	DangerouslySkipPermissions bool
	WorkingDir                  string
	ScratchDir                  string
	GracefulShutdownTimeout     time.Duration

	// MaxFailureCount caps consecutive launch-level failures before a role
	// is permanently backoff-blocked (SPEC_FULL.md 13's Open Question 1,
	// config key spawn_retry.max_attempts). Zero or negative uses
	// defaultFailureBackoffMaxCount, preserving the teacher's original
	// threshold.
	MaxFailureCount int
}

// ProcessInfo is the public view of a tracked worker (spec 4.6's get_process).
type ProcessInfo struct {
	Role      string
	TaskID    string
	ProcessID int
	StartedAt time.Time
}

type tracked struct {
	role         string
	taskID       string
	cmd          *exec.Cmd
	startedAt    time.Time
	scratchFiles []string
	tail         *tailBuffer
	done         chan struct{}
}

// Spawner is the Worker Spawner.
type Spawner struct {
	cfg          Config
	promptFactory PromptFactory
	facade       FacadeConfig
	getProject   func(ctx context.Context) (*domain.Project, error)
	logger       *log.Logger

	mu        sync.Mutex
	processes map[string]*tracked

	failures     map[string]int
	lastFailure  map[string]time.Time
}

// New constructs a Spawner. getProject supplies the project snapshot handed
// to the prompt factory.
func New(cfg Config, pf PromptFactory, facade FacadeConfig, getProject func(ctx context.Context) (*domain.Project, error), logger *log.Logger) *Spawner {
	return &Spawner{
		cfg:           cfg,
		promptFactory: pf,
		facade:        facade,
		getProject:    getProject,
		logger:        logger,
		processes:     make(map[string]*tracked),
		failures:      make(map[string]int),
		lastFailure:   make(map[string]time.Time),
	}
}

// SpawnResult is returned by Spawn.
type SpawnResult struct {
	TaskID    string
	Success   bool
	ProcessID int
}

// Spawn implements spec 4.6's nine-step sequence.
func (s *Spawner) Spawn(ctx context.Context, role, workerKind, recoveryContext string) (*SpawnResult, error) {
	norm := domain.NormalizeRole(role)

	s.mu.Lock()
	if _, live := s.processes[norm]; live {
		s.mu.Unlock()
		return nil, orcherr.Validation(fmt.Sprintf("role %q already has a live worker process", role))
	}
	if blocked, remaining := s.backoffBlocked(norm); blocked {
		s.mu.Unlock()
		return nil, orcherr.SpawnFailure(fmt.Sprintf("role %q in launch backoff, retry in %s", role, remaining.Round(time.Second)), nil)
	}
	s.mu.Unlock()

	taskID := uuid.NewString()

	project, err := s.getProject(ctx)
	if err != nil {
		s.recordFailure(norm)
		return nil, orcherr.SpawnFailure("load project for prompt factory", err)
	}
	prompt, err := s.promptFactory(workerKind, project, recoveryContext)
	if err != nil {
		s.recordFailure(norm)
		return nil, orcherr.SpawnFailure("render system prompt", err)
	}

	promptPath, err := s.writeScratchFile(fmt.Sprintf("prompt-%s", taskID), prompt)
	if err != nil {
		s.recordFailure(norm)
		return nil, orcherr.SpawnFailure("write prompt scratch file", err)
	}
	scratch := []string{promptPath}

	facadePath, err := s.writeScratchFile(fmt.Sprintf("facade-%s", taskID), fmt.Sprintf("transport=%s\naddress=%s\n", s.facade.Transport, s.facade.Address))
	if err != nil {
		cleanup(scratch)
		s.recordFailure(norm)
		return nil, orcherr.SpawnFailure("write facade scratch file", err)
	}
	scratch = append(scratch, facadePath)

	args := s.buildArgs(taskID, role, promptPath, facadePath)
	cmd := exec.CommandContext(ctx, s.cfg.BinaryPath, args...)
	cmd.Dir = s.cfg.WorkingDir
	setProcessGroup(cmd)

	tail := newTailBuffer(4096)
	var combined bytes.Buffer
	cmd.Stdout = io.MultiWriter(&combined, tail)
	cmd.Stderr = io.MultiWriter(&combined, tail)

	if err := cmd.Start(); err != nil {
		cleanup(scratch)
		s.recordFailure(norm)
		return nil, orcherr.SpawnFailure("start worker process", err)
	}

	tp := &tracked{
		role:         role,
		taskID:       taskID,
		cmd:          cmd,
		startedAt:    time.Now(),
		scratchFiles: scratch,
		tail:         tail,
		done:         make(chan struct{}),
	}
	s.mu.Lock()
	s.processes[norm] = tp
	s.mu.Unlock()

	go s.watch(norm, tp)

	s.resetFailures(norm)
	return &SpawnResult{TaskID: taskID, Success: true, ProcessID: cmd.Process.Pid}, nil
}

// watch waits for the process to exit and reclaims its tracking entry. A
// panic during Wait (after Start succeeded) is never expected from
// exec.Cmd; failures surface as a non-nil err from Wait instead, satisfying
// spec 4.6 step 9's "clean up before re-throwing" via the cleanup call
// below rather than a recover().
func (s *Spawner) watch(norm string, tp *tracked) {
	defer close(tp.done)
	err := tp.cmd.Wait()
	if err != nil && s.logger != nil {
		tail := tp.tail.String()
		s.logger.Printf("spawner: role %s worker exited: %v (%s)\n--- output tail ---\n%s", tp.role, err, classifySpawnError(tail).Summary, tail)
	}
	s.mu.Lock()
	if s.processes[norm] == tp {
		delete(s.processes, norm)
	}
	s.mu.Unlock()
	cleanup(tp.scratchFiles)
}

// GetProcess returns role's tracked process info, if any.
func (s *Spawner) GetProcess(role string) (*ProcessInfo, bool) {
	norm := domain.NormalizeRole(role)
	s.mu.Lock()
	defer s.mu.Unlock()
	tp, ok := s.processes[norm]
	if !ok {
		return nil, false
	}
	return &ProcessInfo{Role: tp.role, TaskID: tp.taskID, ProcessID: tp.cmd.Process.Pid, StartedAt: tp.startedAt}, true
}

// Terminate implements spec 4.6's termination sequence: graceful signal,
// bounded wait, forced kill-tree fallback, scratch cleanup in every outcome.
func (s *Spawner) Terminate(role string) bool {
	norm := domain.NormalizeRole(role)
	s.mu.Lock()
	tp, ok := s.processes[norm]
	if ok {
		delete(s.processes, norm)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-tp.done:
		cleanup(tp.scratchFiles)
		return true
	default:
	}

	_ = terminateGraceful(tp.cmd.Process)

	timeout := s.cfg.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-tp.done:
		return true
	case <-time.After(timeout):
	}

	_ = killTree(tp.cmd.Process)
	select {
	case <-tp.done:
	case <-time.After(forcedKillWait):
	}
	cleanup(tp.scratchFiles)
	return true
}

// Shutdown terminates every tracked worker concurrently, per spec 4.6's
// process-wide shutdown signal handling.
func (s *Spawner) Shutdown() {
	s.mu.Lock()
	roles := make([]string, 0, len(s.processes))
	for _, tp := range s.processes {
		roles = append(roles, tp.role)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, role := range roles {
		wg.Add(1)
		go func(r string) {
			defer wg.Done()
			s.Terminate(r)
		}(role)
	}
	wg.Wait()
}

func (s *Spawner) buildArgs(taskID, role, promptPath, facadePath string) []string {
	args := []string{
		"--session-id", taskID,
		"--system-prompt-file", promptPath,
		"--mcp-config-file", facadePath,
	}
	if s.cfg.Model != "" {
		args = append(args, "--model", s.cfg.Model)
	}
	if s.cfg.OutputFormat != "" {
		args = append(args, "--output-format", s.cfg.OutputFormat)
	}
	if s.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(s.cfg.MaxTurns))
	}
	if s.cfg.DangerouslySkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, "-p", fmt.Sprintf("You are the %s. Continue your assigned work.", role))
	return args
}

func (s *Spawner) writeScratchFile(name, content string) (string, error) {
	dir := s.cfg.ScratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "agentport-"+name+".tmp")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func cleanup(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// maxFailureCount returns the configured permanent-block threshold,
// defaulting to defaultFailureBackoffMaxCount when unset.
func (s *Spawner) maxFailureCount() int {
	if s.cfg.MaxFailureCount > 0 {
		return s.cfg.MaxFailureCount
	}
	return defaultFailureBackoffMaxCount
}

func (s *Spawner) backoffBlocked(norm string) (bool, time.Duration) {
	failures := s.failures[norm]
	if failures == 0 {
		return false, 0
	}
	if failures >= s.maxFailureCount() {
		return true, 0
	}
	last, ok := s.lastFailure[norm]
	if !ok {
		return false, 0
	}
	backoff := failureBackoffFor(failures)
	remaining := backoff - time.Since(last)
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

func failureBackoffFor(failures int) time.Duration {
	backoff := failureBackoffBase
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= failureBackoffMax {
			return failureBackoffMax
		}
	}
	return backoff
}

func (s *Spawner) recordFailure(norm string) {
	s.mu.Lock()
	s.failures[norm]++
	s.lastFailure[norm] = time.Now()
	s.mu.Unlock()
}

func (s *Spawner) resetFailures(norm string) {
	s.mu.Lock()
	delete(s.failures, norm)
	delete(s.lastFailure, norm)
	s.mu.Unlock()
}

// tailBuffer retains the last N bytes written to it, for error diagnostics.
type tailBuffer struct {
	buf  []byte
	size int
	pos  int
	full bool
	mu   sync.Mutex
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{buf: make([]byte, size), size: size}
}

func (tb *tailBuffer) Write(p []byte) (int, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	n := len(p)
	if n >= tb.size {
		copy(tb.buf, p[n-tb.size:])
		tb.pos = 0
		tb.full = true
		return n, nil
	}
	space := tb.size - tb.pos
	if n <= space {
		copy(tb.buf[tb.pos:], p)
	} else {
		copy(tb.buf[tb.pos:], p[:space])
		copy(tb.buf, p[space:])
	}
	tb.pos = (tb.pos + n) % tb.size
	if !tb.full && tb.pos < n {
		tb.full = true
	}
	return n, nil
}

func (tb *tailBuffer) String() string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if !tb.full {
		return string(tb.buf[:tb.pos])
	}
	return string(tb.buf[tb.pos:]) + string(tb.buf[:tb.pos])
}

// spawnErrorClass categorizes a failed worker process's output tail. watch
// uses the class summary in its exit log line; the class is not attached to
// SpawnFailure or last_error and does not change the launch backoff.
type spawnErrorClass int

const (
	spawnErrorTransient spawnErrorClass = iota
	spawnErrorQuotaExhausted
	spawnErrorAuth
	spawnErrorNotFound
)

type spawnErrorInfo struct {
	Class      spawnErrorClass
	Summary    string
	RetryAfter time.Duration
}

var quotaResetRe = regexp.MustCompile(`(?i)quota will reset after\s+(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?`)

// classifySpawnError inspects a failed worker's combined stdout/stderr tail
// and returns a structured classification, adapted from
// jaakkos-stringwork's classifyWorkerError.
func classifySpawnError(output string) spawnErrorInfo {
	lower := strings.ToLower(output)

	switch {
	case strings.Contains(lower, "quota") && strings.Contains(lower, "exhausted"),
		strings.Contains(lower, "rate limit") && strings.Contains(lower, "exceeded"),
		strings.Contains(lower, "too many requests"):
		info := spawnErrorInfo{Class: spawnErrorQuotaExhausted, Summary: "API quota exhausted"}
		if m := quotaResetRe.FindStringSubmatch(output); m != nil {
			var d time.Duration
			if h, _ := strconv.Atoi(m[1]); h > 0 {
				d += time.Duration(h) * time.Hour
			}
			if mi, _ := strconv.Atoi(m[2]); mi > 0 {
				d += time.Duration(mi) * time.Minute
			}
			if se, _ := strconv.Atoi(m[3]); se > 0 {
				d += time.Duration(se) * time.Second
			}
			info.RetryAfter = d
		}
		return info
	case strings.Contains(lower, "invalid api key"), strings.Contains(lower, "authentication failed"), strings.Contains(lower, "unauthorized"):
		return spawnErrorInfo{Class: spawnErrorAuth, Summary: "authentication failure"}
	case strings.Contains(lower, "command not found"), strings.Contains(lower, "no such file or directory"):
		return spawnErrorInfo{Class: spawnErrorNotFound, Summary: "worker binary not found"}
	default:
		return spawnErrorInfo{Class: spawnErrorTransient, Summary: "transient failure"}
	}
}
