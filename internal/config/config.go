// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	carlog "github.com/flowcar/car/internal/log"
	carerrors "github.com/flowcar/car/pkg/errors"
)

// Config is the complete configuration for both binaries: car (the
// per-repo worker) reads Log, Backends, and Worker; car-hub additionally
// reads Supervisor, Reconciler, and Hub.
type Config struct {
	// Version is the config format version (1 = initial release).
	Version int `yaml:"version,omitempty"`

	Log        LogConfig        `yaml:"log"`
	Worker     WorkerConfig     `yaml:"worker"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Hub        HubConfig        `yaml:"hub"`
	Tracing    TracingConfig    `yaml:"tracing"`

	// Backends maps a backend kind (e.g. "codex", "claude-code") to how to
	// spawn and drive its subprocess.
	Backends map[string]BackendConfig `yaml:"backends,omitempty"`
}

// LogConfig mirrors internal/log.Config in YAML form; Resolve converts it.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level,omitempty"`
	// Format sets the output format (json, text).
	Format string `yaml:"format,omitempty"`
	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// WorkerConfig configures the per-repo car worker process.
type WorkerConfig struct {
	// RunsDir is the directory a worker writes its .worker sidecar and
	// flow store under. Default: <repo>/.car/runs
	RunsDir string `yaml:"runs_dir,omitempty"`
	// StorePath is the SQLite file backing the flow store. Default:
	// <repo>/.car/flow.db
	StorePath string `yaml:"store_path,omitempty"`
	// ShutdownTimeout bounds how long the worker waits for the active run
	// to reach a pause point after SIGTERM before forcing exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
	// AutoCommit has the ticket engine git-commit a checkpoint after every
	// turn instead of only at dispatch archival points.
	AutoCommit bool `yaml:"auto_commit"`
}

// SupervisorConfig tunes the Agent Backend Supervisor's handle pool, one per
// (workspace, backend kind) pair.
type SupervisorConfig struct {
	// MaxHandles bounds the number of live subprocess handles kept warm
	// before PruneIdle is forced ahead of spawning a new one.
	MaxHandles int `yaml:"max_handles,omitempty"`
	// IdleTTL is how long a handle may sit unused before PruneIdle closes
	// it.
	IdleTTL time.Duration `yaml:"idle_ttl,omitempty"`
	// RequestTimeout bounds a single JSON-RPC request/response round trip.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
	// TurnStallTimeout bounds how long a turn may run without a
	// turn/completed notification before it is marked stalled and the
	// subprocess is restarted.
	TurnStallTimeout time.Duration `yaml:"turn_stall_timeout,omitempty"`
}

// BackendConfig describes one agent backend's subprocess and policy.
type BackendConfig struct {
	// Command is the argv used to spawn the backend's subprocess.
	Command []string `yaml:"command"`
	// CredentialKeys names the keyring entries an EnvBuilder resolves and
	// injects into the subprocess environment.
	CredentialKeys []string `yaml:"credential_keys,omitempty"`
	// DefaultApprovalDecision is used when no ApprovalHandler is wired
	// (e.g. unattended car workers): "approve", "deny", or "cancel".
	DefaultApprovalDecision string `yaml:"default_approval_decision,omitempty"`
	// AutoRestart restarts the subprocess on unexpected disconnect.
	AutoRestart bool `yaml:"auto_restart"`
}

// ReconcilerConfig tunes the hub's orphaned-run scanner.
type ReconcilerConfig struct {
	// FastInterval is the sleep between scans while any repo has a
	// running run.
	FastInterval time.Duration `yaml:"fast_interval,omitempty"`
	// SlowInterval is the sleep otherwise.
	SlowInterval time.Duration `yaml:"slow_interval,omitempty"`
	// RateLimit bounds scan cycles per second.
	RateLimit float64 `yaml:"rate_limit,omitempty"`
	// Concurrency bounds how many repos are scanned in parallel.
	Concurrency int `yaml:"concurrency,omitempty"`
}

// HubConfig configures the car-hub process: where it discovers repos and
// how its public surface listens.
type HubConfig struct {
	// ReposDir contains one subdirectory per managed repo; each must carry
	// a worker runs dir and flow store at the paths WorkerConfig names.
	ReposDir string `yaml:"repos_dir,omitempty"`
	// ListenAddr is the hub's API listen address (e.g. ":8088").
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// TracingConfig controls the process-wide OpenTelemetry tracer provider
// that internal/flow's controller spans export through.
type TracingConfig struct {
	// Enabled activates the tracer provider. When false, spans are recorded
	// against the global no-op tracer.
	Enabled bool `yaml:"enabled"`
	// ServiceName identifies this process in exported spans.
	ServiceName string `yaml:"service_name,omitempty"`
	// SampleRate is the fraction of traces recorded (0.0-1.0); errors are
	// always sampled regardless of this rate.
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Resolve converts LogConfig into the internal/log.Config consumed by
// log.New, defaulting Output to os.Stderr.
func (l LogConfig) Resolve() *carlog.Config {
	format := carlog.FormatJSON
	if l.Format == string(carlog.FormatText) {
		format = carlog.FormatText
	}
	return &carlog.Config{
		Level:     l.Level,
		Format:    format,
		Output:    os.Stderr,
		AddSource: l.AddSource,
	}
}

// Default returns a Config with sensible defaults for local development.
func Default() *Config {
	return &Config{
		Version: 1,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Worker: WorkerConfig{
			RunsDir:         ".car/runs",
			StorePath:       ".car/flow.db",
			ShutdownTimeout: 30 * time.Second,
		},
		Supervisor: SupervisorConfig{
			MaxHandles:       16,
			IdleTTL:          10 * time.Minute,
			RequestTimeout:   60 * time.Second,
			TurnStallTimeout: 5 * time.Minute,
		},
		Reconciler: ReconcilerConfig{
			FastInterval: 2 * time.Second,
			SlowInterval: 30 * time.Second,
			RateLimit:    1,
			Concurrency:  8,
		},
		Hub: HubConfig{
			ReposDir:   "~/.car/repos",
			ListenAddr: ":8088",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "car",
			SampleRate:  1.0,
		},
	}
}

// Load reads configuration from a YAML file (if configPath is non-empty, or
// found at the default ConfigPath), applies defaults for zero-valued
// fields, overlays environment variables, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if defaultPath, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				configPath = defaultPath
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &carerrors.ConfigError{Key: "config_file", Reason: fmt.Sprintf("failed to load from %s", configPath), Cause: err}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &carerrors.ConfigError{Key: "validation", Reason: "configuration validation failed", Cause: err}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero-valued fields so a minimal config file (e.g.
// just backends) still produces a fully usable Config.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	if c.Worker.RunsDir == "" {
		c.Worker.RunsDir = d.Worker.RunsDir
	}
	if c.Worker.StorePath == "" {
		c.Worker.StorePath = d.Worker.StorePath
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = d.Worker.ShutdownTimeout
	}

	if c.Supervisor.MaxHandles == 0 {
		c.Supervisor.MaxHandles = d.Supervisor.MaxHandles
	}
	if c.Supervisor.IdleTTL == 0 {
		c.Supervisor.IdleTTL = d.Supervisor.IdleTTL
	}
	if c.Supervisor.RequestTimeout == 0 {
		c.Supervisor.RequestTimeout = d.Supervisor.RequestTimeout
	}
	if c.Supervisor.TurnStallTimeout == 0 {
		c.Supervisor.TurnStallTimeout = d.Supervisor.TurnStallTimeout
	}

	if c.Reconciler.FastInterval == 0 {
		c.Reconciler.FastInterval = d.Reconciler.FastInterval
	}
	if c.Reconciler.SlowInterval == 0 {
		c.Reconciler.SlowInterval = d.Reconciler.SlowInterval
	}
	if c.Reconciler.RateLimit == 0 {
		c.Reconciler.RateLimit = d.Reconciler.RateLimit
	}
	if c.Reconciler.Concurrency == 0 {
		c.Reconciler.Concurrency = d.Reconciler.Concurrency
	}

	if c.Hub.ReposDir == "" {
		c.Hub.ReposDir = d.Hub.ReposDir
	}
	if c.Hub.ListenAddr == "" {
		c.Hub.ListenAddr = d.Hub.ListenAddr
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = d.Tracing.ServiceName
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = d.Tracing.SampleRate
	}

	for kind, b := range c.Backends {
		if b.DefaultApprovalDecision == "" {
			b.DefaultApprovalDecision = "cancel"
			c.Backends[kind] = b
		}
	}
}

// loadFromEnv overlays environment variables on top of file/default values.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("CAR_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	} else if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if os.Getenv("CAR_DEBUG") != "" {
		c.Log.Level = "debug"
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("CAR_RUNS_DIR"); val != "" {
		c.Worker.RunsDir = val
	}
	if val := os.Getenv("CAR_STORE_PATH"); val != "" {
		c.Worker.StorePath = val
	}

	if val := os.Getenv("CAR_MAX_HANDLES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Supervisor.MaxHandles = n
		}
	}
	if val := os.Getenv("CAR_IDLE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Supervisor.IdleTTL = d
		}
	}

	if val := os.Getenv("CAR_HUB_LISTEN_ADDR"); val != "" {
		c.Hub.ListenAddr = val
	}
	if val := os.Getenv("CAR_HUB_REPOS_DIR"); val != "" {
		c.Hub.ReposDir = val
	}

	if val := os.Getenv("CAR_TRACING_ENABLED"); val != "" {
		c.Tracing.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format: unsupported value %q", c.Log.Format)
	}

	if c.Supervisor.MaxHandles < 0 {
		return fmt.Errorf("supervisor.max_handles: must be >= 0")
	}
	if c.Reconciler.Concurrency < 0 {
		return fmt.Errorf("reconciler.concurrency: must be >= 0")
	}
	if c.Reconciler.RateLimit < 0 {
		return fmt.Errorf("reconciler.rate_limit: must be >= 0")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate: must be between 0 and 1")
	}

	for kind, b := range c.Backends {
		if len(b.Command) == 0 {
			return fmt.Errorf("backends.%s: command must not be empty", kind)
		}
		switch b.DefaultApprovalDecision {
		case "", "approve", "deny", "cancel":
		default:
			return fmt.Errorf("backends.%s.default_approval_decision: unsupported value %q", kind, b.DefaultApprovalDecision)
		}
	}

	return nil
}
