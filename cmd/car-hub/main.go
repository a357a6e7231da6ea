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

// Command car-hub is the long-lived hub process: it reconciles orphaned
// runs across every repo under its configured repos directory and prunes
// idle agent backend supervisors. It never advances a run's state itself —
// that is always a car worker's job.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/flowcar/car/internal/agent"
	"github.com/flowcar/car/internal/config"
	"github.com/flowcar/car/internal/flow/sqlitestore"
	carlog "github.com/flowcar/car/internal/log"
	"github.com/flowcar/car/internal/reconciler"
	"github.com/flowcar/car/internal/tracing"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(2)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "car-hub",
		Short:   "Reconcile orphaned runs across every managed repo",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to car-hub's config.yml")

	root.AddCommand(newReconcileCommand(&configPath), newServeCommand(&configPath))
	return root
}

// dirRepoProvider discovers repos as immediate subdirectories of ReposDir,
// opening (and caching) one flow store per repo the first time it is seen.
// A repo directory that disappears has its store closed and is dropped on
// the next Repos call.
type dirRepoProvider struct {
	reposDir  string
	worker    config.WorkerConfig
	logger    *slog.Logger

	mu     sync.Mutex
	stores map[string]*sqlitestore.Store
}

func newDirRepoProvider(reposDir string, worker config.WorkerConfig, logger *slog.Logger) *dirRepoProvider {
	return &dirRepoProvider{
		reposDir: reposDir,
		worker:   worker,
		logger:   logger,
		stores:   make(map[string]*sqlitestore.Store),
	}
}

func (p *dirRepoProvider) Repos(ctx context.Context) ([]reconciler.Repo, error) {
	entries, err := os.ReadDir(p.reposDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read repos dir: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	repos := make([]reconciler.Repo, 0, len(entries))

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		repoID := e.Name()
		seen[repoID] = true
		repoRoot := filepath.Join(p.reposDir, repoID)

		store, ok := p.stores[repoID]
		if !ok {
			storePath := p.worker.StorePath
			if !filepath.IsAbs(storePath) {
				storePath = filepath.Join(repoRoot, storePath)
			}
			if _, statErr := os.Stat(storePath); statErr != nil {
				// No flow store yet (repo has never run a worker); skip
				// until one exists.
				continue
			}
			store, err = sqlitestore.Open(ctx, sqlitestore.Config{Path: storePath})
			if err != nil {
				p.logger.Warn("car-hub.open_store_failed", slog.String("repo", repoID), slog.Any("error", err))
				continue
			}
			p.stores[repoID] = store
		}

		runsDir := p.worker.RunsDir
		if !filepath.IsAbs(runsDir) {
			runsDir = filepath.Join(repoRoot, runsDir)
		}
		repos = append(repos, reconciler.Repo{ID: repoID, Store: store, RunsDir: runsDir})
	}

	for repoID, store := range p.stores {
		if !seen[repoID] {
			_ = store.Close()
			delete(p.stores, repoID)
		}
	}

	return repos, nil
}

func (p *dirRepoProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, store := range p.stores {
		_ = store.Close()
	}
	p.stores = make(map[string]*sqlitestore.Store)
	return nil
}

func loadHubConfig(configPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := carlog.New(cfg.Log.Resolve())
	return cfg, logger, nil
}

// installTracing installs the process-wide tracer provider when the config
// enables it, returning a no-op shutdown func otherwise so callers can
// always `defer shutdown()` unconditionally.
func installTracing(cfg *config.Config) (shutdown func(), err error) {
	if !cfg.Tracing.Enabled {
		return func() {}, nil
	}
	p, err := tracing.Install(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("install tracer: %w", err)
	}
	return func() { _ = p.Shutdown(context.Background()) }, nil
}

func buildReconciler(cfg *config.Config, logger *slog.Logger) (*reconciler.Reconciler, *dirRepoProvider, error) {
	reposDir := cfg.Hub.ReposDir
	if strings.HasPrefix(reposDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, err
		}
		reposDir = filepath.Join(home, reposDir[2:])
	}

	provider := newDirRepoProvider(reposDir, cfg.Worker, logger)
	r := reconciler.New(provider, reconciler.Config{
		FastInterval: cfg.Reconciler.FastInterval,
		SlowInterval: cfg.Reconciler.SlowInterval,
		RateLimit:    rate.Limit(cfg.Reconciler.RateLimit),
		Concurrency:  cfg.Reconciler.Concurrency,
		Logger:       logger,
	})
	return r, provider, nil
}

// buildSupervisor wires one Supervisor shared across every repo the hub
// reconciles, its handles pruned on a timer by newServeCommand. Nothing
// currently dispatches turns through it — the RPC surface that would is out
// of scope here — but it is kept alive as the hub's share of the idle-pruned
// supervisor pool described for `car-hub serve`, ready for a future caller.
func buildSupervisor(cfg *config.Config, logger *slog.Logger) *agent.Supervisor {
	specs := make([]agent.BackendSpec, 0, len(cfg.Backends))
	for kind, b := range cfg.Backends {
		spec := agent.BackendSpec{
			Kind:                    kind,
			Command:                 b.Command,
			DefaultApprovalDecision: b.DefaultApprovalDecision,
			AutoRestart:             b.AutoRestart,
			RequestTimeout:          cfg.Supervisor.RequestTimeout,
			TurnStallTimeout:        cfg.Supervisor.TurnStallTimeout,
		}
		if len(b.CredentialKeys) > 0 {
			spec.EnvBuilder = agent.KeyringEnvBuilder(b.CredentialKeys...)
		}
		specs = append(specs, spec)
	}

	return agent.NewSupervisor(specs, agent.SupervisorConfig{
		MaxHandles: cfg.Supervisor.MaxHandles,
		IdleTTL:    cfg.Supervisor.IdleTTL,
		Logger:     logger,
	})
}

// pruneIdleLoop calls sup.PruneIdle on a timer until ctx is cancelled. The
// interval is a fraction of idleTTL so a handle is never kept much past its
// own TTL; it falls back to a sane default if idleTTL is unset.
func pruneIdleLoop(ctx context.Context, sup *agent.Supervisor, idleTTL time.Duration) {
	interval := idleTTL / 2
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sup.PruneIdle()
		}
	}
}

func newReconcileCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run exactly one reconciler scan cycle across every repo and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadHubConfig(*configPath)
			if err != nil {
				return err
			}
			shutdown, err := installTracing(cfg)
			if err != nil {
				return err
			}
			defer shutdown()

			r, provider, err := buildReconciler(cfg, logger)
			if err != nil {
				return err
			}
			defer provider.Close()

			anyRunning, err := r.ScanOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			fmt.Printf("scan complete; running runs observed: %v\n", anyRunning)
			return nil
		},
	}
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciler loop forever, pruning idle supervisors between cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadHubConfig(*configPath)
			if err != nil {
				return err
			}
			shutdown, err := installTracing(cfg)
			if err != nil {
				return err
			}
			defer shutdown()

			r, provider, err := buildReconciler(cfg, logger)
			if err != nil {
				return err
			}
			defer provider.Close()

			sup := buildSupervisor(cfg, logger)
			defer sup.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				logger.Info("car-hub.signal_received", slog.Any("signal", sig))
				cancel()
			}()

			go pruneIdleLoop(ctx, sup, cfg.Supervisor.IdleTTL)

			logger.Info("car-hub.serving", slog.String("repos_dir", cfg.Hub.ReposDir), slog.String("listen_addr", cfg.Hub.ListenAddr))
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("reconciler: %w", err)
			}
			return nil
		},
	}
}
