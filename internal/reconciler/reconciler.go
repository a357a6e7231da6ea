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

// Package reconciler implements the Flow Reconciler: an out-of-band crash
// detector that runs in the hub process, outside any worker. It never
// advances a run's state, only its status — a worker that returns
// unexpectedly can start a fresh run but can never corrupt the orphaned one.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/flowcar/car/internal/flow"
	"github.com/flowcar/car/internal/worker"
)

// Repo is one repository's flow store plus the runs directory its workers
// write sidecars under.
type Repo struct {
	ID      string
	Store   flow.Store
	RunsDir string
}

// RepoProvider enumerates the repos the reconciler should scan on each
// cycle. The hub's implementation discovers repos from its configuration or
// a registry; tests can supply a static slice.
type RepoProvider interface {
	Repos(ctx context.Context) ([]Repo, error)
}

// StaticRepos is a RepoProvider over a fixed slice, useful for tests and for
// hubs with a small, config-declared repo set.
type StaticRepos []Repo

func (s StaticRepos) Repos(context.Context) ([]Repo, error) { return []Repo(s), nil }

// Config tunes scan cadence and fan-out.
type Config struct {
	// FastInterval is the sleep between scans while any repo had a running
	// run on the previous cycle.
	FastInterval time.Duration
	// SlowInterval is the sleep otherwise.
	SlowInterval time.Duration
	// RateLimit bounds scan cycles per second regardless of interval,
	// smoothing bursts from a hub managing many repos.
	RateLimit rate.Limit
	// Concurrency bounds how many repos are scanned in parallel.
	Concurrency int
	// BootID identifies the current OS boot; a worker sidecar recorded
	// under a different boot id is never alive. Defaults to worker.BootID().
	BootID string
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.FastInterval <= 0 {
		c.FastInterval = 2 * time.Second
	}
	if c.SlowInterval <= 0 {
		c.SlowInterval = 30 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = rate.Limit(1)
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.BootID == "" {
		c.BootID = worker.BootID()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Reconciler periodically scans every repo's non-terminal runs and
// transitions orphaned "running" runs (no live worker sidecar) to "stopped".
type Reconciler struct {
	repos   RepoProvider
	cfg     Config
	limiter *rate.Limiter
}

// New builds a Reconciler over repos, applying cfg's defaults for any unset
// field.
func New(repos RepoProvider, cfg Config) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{
		repos:   repos,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.RateLimit, 1),
	}
}

// Run scans forever (or until ctx is cancelled), sleeping FastInterval
// between cycles that found a running run and SlowInterval otherwise.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		anyRunning, err := r.ScanOnce(ctx)
		if err != nil {
			r.cfg.Logger.Warn("reconciler.scan_failed", slog.Any("error", err))
		}

		interval := r.cfg.SlowInterval
		if anyRunning {
			interval = r.cfg.FastInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// ScanOnce runs exactly one scan cycle across every repo, reporting whether
// any repo had at least one run in the running state when it was listed
// (including a run the scan then moved to stopped).
func (r *Reconciler) ScanOnce(ctx context.Context) (anyRunning bool, err error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}

	repos, err := r.repos.Repos(ctx)
	if err != nil {
		return false, fmt.Errorf("reconciler: list repos: %w", err)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	var mu sync.Mutex
	for _, repo := range repos {
		repo := repo
		g.Go(func() error {
			running, scanErr := r.scanRepo(gctx, repo)
			mu.Lock()
			anyRunning = anyRunning || running
			mu.Unlock()
			if scanErr != nil {
				repoScanErrors.WithLabelValues(repo.ID).Inc()
				r.cfg.Logger.Warn("reconciler.repo_scan_failed", slog.String("repo", repo.ID), slog.Any("error", scanErr))
			}
			// One repo's failure never aborts the rest of the cycle.
			return nil
		})
	}
	_ = g.Wait()
	scanDuration.Observe(time.Since(start).Seconds())
	return anyRunning, nil
}

// scanRepo reconciles one repo's non-terminal runs, reporting whether any
// was in the running state when listed, even if the scan then stopped it.
func (r *Reconciler) scanRepo(ctx context.Context, repo Repo) (anyRunning bool, err error) {
	runs, err := repo.Store.ListRuns(ctx, flow.RunFilter{})
	if err != nil {
		return false, fmt.Errorf("list runs: %w", err)
	}

	var running int
	for _, run := range runs {
		switch run.Status {
		case flow.StatusPaused, flow.StatusCompleted, flow.StatusFailed, flow.StatusStopped:
			continue
		case flow.StatusRunning:
			anyRunning = true
			running++
			if healErr := r.healIfOrphaned(ctx, repo, run); healErr != nil {
				r.cfg.Logger.Warn("reconciler.heal_failed", slog.String("repo", repo.ID), slog.String("run_id", run.ID), slog.Any("error", healErr))
			}
		case flow.StatusPending:
			// Pending runs have no worker yet; nothing to check.
		}
	}
	runningRuns.WithLabelValues(repo.ID).Set(float64(running))
	return anyRunning, nil
}

// healIfOrphaned transitions run to stopped if its .worker sidecar is
// absent, stale (different boot id), or points at a dead pid.
func (r *Reconciler) healIfOrphaned(ctx context.Context, repo Repo, run *flow.FlowRun) error {
	runDir := filepath.Join(repo.RunsDir, run.ID)
	status, err := worker.Check(runDir, r.cfg.BootID)
	if err != nil {
		return fmt.Errorf("check worker: %w", err)
	}
	if status.Alive {
		return nil
	}

	reason := "worker missing"
	now := time.Now().UTC()
	update := flow.StatusUpdate{
		Status:     flow.StatusStopped,
		Error:      &reason,
		FinishedAt: &now,
	}

	eventData, err := json.Marshal(map[string]any{
		"run_id":  run.ID,
		"reason":  reason,
		"message": status.Message,
		"pid":     status.PID,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if _, _, err := repo.Store.UpdateStatusAndAppendEvent(ctx, run.ID, update, flow.EventFlowStopped, eventData); err != nil {
		return fmt.Errorf("transition to stopped: %w", err)
	}

	runsHealed.WithLabelValues(repo.ID).Inc()
	r.cfg.Logger.Info("reconciler.run_stopped", slog.String("repo", repo.ID), slog.String("run_id", run.ID), slog.String("reason", status.Message))
	return nil
}
