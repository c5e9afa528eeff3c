// Package config loads the YAML configuration recognized by spec 6,
// applying defaults before unmarshal so a partial config file still
// produces a usable one.
//
// The default-then-unmarshal LoadConfig/DefaultConfig shape is grounded on
// jaakkos-stringwork's internal/policy.LoadConfig/DefaultConfig.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cpike5/agentport/internal/domain"
)

// RoleTimeoutConfig overrides the global heartbeat/role deadline for one role
// (spec 6: role_timeout[role]).
type RoleTimeoutConfig struct {
	Role           string `yaml:"role"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SpawnRetryConfig is the spawn-failure extension resolved in SPEC_FULL.md
// 13's Open Question 1.
type SpawnRetryConfig struct {
	// MaxAttempts is the number of consecutive launch failures after which
	// the spawner permanently blocks a role's launches (it is passed as
	// spawner.Config.MaxFailureCount). Zero (default) uses the spawner's
	// built-in threshold of 10.
	MaxAttempts int `yaml:"max_attempts"`
}

// DecompositionConfig feeds the task-decomposer subsystem spec 6 names but
// leaves unspecified ("out of scope here").
type DecompositionConfig struct {
	TokensPerFile      int `yaml:"tokens_per_file"`
	SafeContextTokens  int `yaml:"safe_context_tokens"`
}

// Config is the top-level configuration document (spec 6's recognized
// options table).
type Config struct {
	PollingIntervalSeconds   int                 `yaml:"polling_interval_seconds"`
	HeartbeatTimeoutSeconds  int                 `yaml:"heartbeat_timeout_seconds"`
	RoleTimeout              []RoleTimeoutConfig `yaml:"role_timeout"`
	MaxRetries               int                 `yaml:"max_retries"`
	GracefulShutdownTimeoutMS int                `yaml:"graceful_shutdown_timeout_ms"`

	WorkerBinaryPath           string `yaml:"worker_binary_path"`
	WorkerModel                string `yaml:"worker_model"`
	WorkerOutputFormat         string `yaml:"worker_output_format"`
	WorkerMaxTurns             int    `yaml:"worker_max_turns"`
	DangerouslySkipPermissions bool   `yaml:"dangerously_skip_permissions"`

	ToolTransport string `yaml:"tool_transport"` // "stdio" or "http-sse"
	ToolHost      string `yaml:"tool_host"`
	ToolPort      int    `yaml:"tool_port"`

	MaxRecentMessages int `yaml:"max_recent_messages"`

	Decomposition DecompositionConfig `yaml:"decomposition"`
	SpawnRetry    SpawnRetryConfig    `yaml:"spawn_retry"`

	WorkspaceRoot string `yaml:"workspace_root"`
	StateFile     string `yaml:"state_file"`
	LogFile       string `yaml:"log_file"`
	ScratchDir    string `yaml:"scratch_dir"`
	SignalFile    string `yaml:"signal_file"`

	Roles []RoleDefinition `yaml:"roles"`
}

// RoleDefinition is one roster entry as loaded from the config file
// (mirrors roster.RoleSpec; kept distinct so internal/config has no
// dependency on internal/roster, matching the teacher's layering where
// internal/policy never imports the orchestration packages it configures).
type RoleDefinition struct {
	Role           string   `yaml:"role"`
	WorkerKind     string   `yaml:"worker_kind"`
	Dependencies   []string `yaml:"dependencies"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// DefaultConfig returns sensible defaults for every option spec 6 lists as
// "recognized configuration" that isn't mandatory per-deployment.
func DefaultConfig() *Config {
	return &Config{
		PollingIntervalSeconds:    5,
		HeartbeatTimeoutSeconds:   120,
		MaxRetries:                3,
		GracefulShutdownTimeoutMS: 10_000,
		WorkerOutputFormat:        "stream-json",
		ToolTransport:             "stdio",
		MaxRecentMessages:         50,
		Decomposition: DecompositionConfig{
			TokensPerFile:     4000,
			SafeContextTokens: 150_000,
		},
	}
}

// GlobalStateDir returns the default global state directory
// (~/.config/agentport), used when no state_file is configured.
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "agentport")
}

// LoadConfig loads configuration from a YAML file, applying DefaultConfig
// first so a sparse config only overrides the fields it sets.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// PollingInterval returns PollingIntervalSeconds as a time.Duration.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the default liveness threshold.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

// GracefulShutdownTimeout returns the bound on graceful terminate.
func (c *Config) GracefulShutdownTimeout() time.Duration {
	return time.Duration(c.GracefulShutdownTimeoutMS) * time.Millisecond
}

// RoleTimeouts returns role_timeout[role] as a map keyed by normalized role
// name, ready for heartbeat.Monitor.UnhealthyRunning / supervisor.Config.
func (c *Config) RoleTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.RoleTimeout))
	for _, rt := range c.RoleTimeout {
		out[domain.NormalizeRole(rt.Role)] = time.Duration(rt.TimeoutSeconds) * time.Second
	}
	return out
}

// ResolvedStateFile returns the configured state file path, defaulting to
// the global state file if unset.
func (c *Config) ResolvedStateFile() string {
	if c.StateFile != "" {
		if filepath.IsAbs(c.StateFile) {
			return c.StateFile
		}
		return filepath.Join(c.WorkspaceRoot, c.StateFile)
	}
	return filepath.Join(GlobalStateDir(), "state.sqlite")
}

// ResolvedScratchDir returns the directory the spawner should write its
// scratch files into, defaulting to the OS temp dir.
func (c *Config) ResolvedScratchDir() string {
	if c.ScratchDir != "" {
		return c.ScratchDir
	}
	return os.TempDir()
}

// ResolvedSignalFile returns the path a caller should touch to wake the
// supervisor loop early (spec §9's event-driven-scheduler refinement),
// defaulting to a file alongside the global state directory.
func (c *Config) ResolvedSignalFile() string {
	if c.SignalFile != "" {
		if filepath.IsAbs(c.SignalFile) {
			return c.SignalFile
		}
		return filepath.Join(c.WorkspaceRoot, c.SignalFile)
	}
	return filepath.Join(GlobalStateDir(), "agentport.signal")
}
