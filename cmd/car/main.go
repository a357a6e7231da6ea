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

// Command car is the per-repo worker: it drives exactly one workspace's
// ticket_flow runs to completion, pause, or stop, against the flow store
// under that workspace's .codex-autorunner directory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/flowcar/car/internal/agent"
	"github.com/flowcar/car/internal/config"
	"github.com/flowcar/car/internal/flow"
	"github.com/flowcar/car/internal/flow/sqlitestore"
	carlog "github.com/flowcar/car/internal/log"
	"github.com/flowcar/car/internal/ticket"
	"github.com/flowcar/car/internal/tracing"
	"github.com/flowcar/car/internal/worker"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// exit codes for the worker process (§6): status is ground truth, the exit
// code is only advisory for shell scripting and process supervisors.
const (
	exitOK        = 0
	exitConfigErr = 2
	exitPanic     = 1
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(exitConfigErr)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "car",
		Short:         "Run ticket_flow against one workspace",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yml (default: workspace .codex-autorunner/config.yml)")

	root.AddCommand(
		newStartCommand(&configPath),
		newResumeCommand(&configPath),
		newStopCommand(&configPath),
		newStatusCommand(&configPath),
		newRunsCommand(&configPath),
		newEventsCommand(&configPath),
	)
	return root
}

// openApp loads config and opens the flow store for one workspace,
// returning everything a subcommand needs plus a closer.
type app struct {
	cfg           *config.Config
	logger        *slog.Logger
	store         *sqlitestore.Store
	workspaceRoot string
	runsDir       string
	tracer        *tracing.Provider
}

// Close releases the flow store and, if tracing was enabled, flushes and
// shuts down the tracer provider installed for this process.
func (a *app) Close() {
	_ = a.store.Close()
	if a.tracer != nil {
		_ = a.tracer.Shutdown(context.Background())
	}
}

func openApp(ctx context.Context, workspaceRoot, configPath string) (*app, error) {
	if configPath == "" {
		configPath = filepath.Join(workspaceRoot, ".codex-autorunner", "config.yml")
		if _, err := os.Stat(configPath); err != nil {
			configPath = ""
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := carlog.New(cfg.Log.Resolve())

	runsDir := cfg.Worker.RunsDir
	if !filepath.IsAbs(runsDir) {
		runsDir = filepath.Join(workspaceRoot, runsDir)
	}
	storePath := cfg.Worker.StorePath
	if !filepath.IsAbs(storePath) {
		storePath = filepath.Join(workspaceRoot, storePath)
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	store, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: storePath})
	if err != nil {
		return nil, fmt.Errorf("open flow store: %w", err)
	}

	var tracer *tracing.Provider
	if cfg.Tracing.Enabled {
		tracer, err = tracing.Install(tracing.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			SampleRate:     cfg.Tracing.SampleRate,
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("install tracer: %w", err)
		}
	}

	return &app{cfg: cfg, logger: logger, store: store, workspaceRoot: workspaceRoot, runsDir: runsDir, tracer: tracer}, nil
}

// buildPool wires a Supervisor + Pool from the backends the config
// declares, so a single ticket_flow run can dispatch turns to whichever
// backend kind its ticket frontmatter names.
func (a *app) buildPool() *agent.Pool {
	specs := make([]agent.BackendSpec, 0, len(a.cfg.Backends))
	for kind, b := range a.cfg.Backends {
		spec := agent.BackendSpec{
			Kind:                    kind,
			Command:                 b.Command,
			DefaultApprovalDecision: b.DefaultApprovalDecision,
			AutoRestart:             b.AutoRestart,
			RequestTimeout:          a.cfg.Supervisor.RequestTimeout,
			TurnStallTimeout:        a.cfg.Supervisor.TurnStallTimeout,
		}
		if len(b.CredentialKeys) > 0 {
			spec.EnvBuilder = agent.KeyringEnvBuilder(b.CredentialKeys...)
		}
		specs = append(specs, spec)
	}

	sup := agent.NewSupervisor(specs, agent.SupervisorConfig{
		MaxHandles: a.cfg.Supervisor.MaxHandles,
		IdleTTL:    a.cfg.Supervisor.IdleTTL,
		Logger:     a.logger,
	})
	return agent.NewPool(sup)
}

func (a *app) controller(pool *agent.Pool) (*flow.Controller, *ticket.Engine) {
	tcfg := ticket.DefaultConfig()
	tcfg.TicketDir = filepath.Join(a.workspaceRoot, ".codex-autorunner", "tickets")
	tcfg.RunsDir = a.runsDir
	tcfg.AutoCommit = a.cfg.Worker.AutoCommit
	if a.cfg.Supervisor.RequestTimeout > 0 {
		tcfg.TurnTimeout = a.cfg.Supervisor.RequestTimeout
	}

	engine := &ticket.Engine{Config: tcfg, Pool: pool}
	c := flow.NewController(a.store, []flow.FlowDefinition{engine.Definition()}, a.logger)
	c.WithResumeGate("ticket_flow", &ticket.ResumeGate{WorkspaceRoot: a.workspaceRoot, RunsDir: a.runsDir})
	return c, engine
}

func newStartCommand(configPath *string) *cobra.Command {
	var workspaceDir string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new ticket_flow run and drive it to completion, pause, or stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			workspaceRoot, err := filepath.Abs(workspaceDir)
			if err != nil {
				return err
			}

			a, err := openApp(ctx, workspaceRoot, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			pool := a.buildPool()
			defer pool.Close()

			controller, _ := a.controller(pool)

			input, err := json.Marshal(ticket.Input{WorkspaceRoot: workspaceRoot, RunsDir: a.runsDir})
			if err != nil {
				return err
			}
			run, err := controller.StartFlow(ctx, "ticket_flow", input, nil)
			if err != nil {
				return fmt.Errorf("start flow: %w", err)
			}

			runDir := filepath.Join(a.runsDir, run.ID)
			if err := os.MkdirAll(runDir, 0o755); err != nil {
				return err
			}
			registry := worker.NewRegistry(runDir)
			if err := registry.Register(os.Getpid(), worker.BootID()); err != nil {
				return fmt.Errorf("register worker: %w", err)
			}
			defer registry.Clear()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				a.logger.Info("car.signal_received", slog.Any("signal", sig))
				if err := controller.StopFlow(context.Background(), run.ID); err != nil {
					a.logger.Warn("car.stop_flow_failed", slog.Any("error", err))
				}
			}()

			finished, err := controller.RunFlow(ctx, run.ID)
			if err != nil {
				return fmt.Errorf("run flow %s: %w", run.ID, err)
			}

			fmt.Println(renderRun(finished))
			if finished.Status == flow.StatusFailed {
				return fmt.Errorf("run %s failed: %s", finished.ID, finished.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceDir, "workspace", ".", "workspace root directory")
	cmd.MarkFlagRequired("workspace")
	return cmd
}

func newResumeCommand(configPath *string) *cobra.Command {
	var workspaceDir, runID string
	var force bool
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused ticket_flow run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			workspaceRoot, err := filepath.Abs(workspaceDir)
			if err != nil {
				return err
			}
			a, err := openApp(ctx, workspaceRoot, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			pool := a.buildPool()
			defer pool.Close()
			controller, _ := a.controller(pool)

			run, err := controller.ResumeFlow(ctx, runID, force)
			if err != nil {
				return fmt.Errorf("resume flow %s: %w", runID, err)
			}

			finished, err := controller.RunFlow(ctx, run.ID)
			if err != nil {
				return fmt.Errorf("run flow %s: %w", run.ID, err)
			}
			fmt.Println(renderRun(finished))
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceDir, "workspace", ".", "workspace root directory")
	cmd.Flags().StringVar(&runID, "run", "", "run id to resume")
	cmd.Flags().BoolVar(&force, "force", false, "force resume even if the resume gate would otherwise block it")
	cmd.MarkFlagRequired("run")
	return cmd
}

func newStopCommand(configPath *string) *cobra.Command {
	var workspaceDir, runID string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Request cooperative stop of a running ticket_flow run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			workspaceRoot, err := filepath.Abs(workspaceDir)
			if err != nil {
				return err
			}
			a, err := openApp(ctx, workspaceRoot, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			controller, _ := a.controller(nil)
			if err := controller.StopFlow(ctx, runID); err != nil {
				return fmt.Errorf("stop flow %s: %w", runID, err)
			}
			fmt.Printf("stop requested for run %s\n", runID)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceDir, "workspace", ".", "workspace root directory")
	cmd.Flags().StringVar(&runID, "run", "", "run id to stop")
	cmd.MarkFlagRequired("run")
	return cmd
}

func newStatusCommand(configPath *string) *cobra.Command {
	var workspaceDir, runID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show one run's status, or the most recent run if --run is omitted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			workspaceRoot, err := filepath.Abs(workspaceDir)
			if err != nil {
				return err
			}
			a, err := openApp(ctx, workspaceRoot, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if runID == "" {
				runs, err := a.store.ListRuns(ctx, flow.RunFilter{Limit: 1})
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Println("no runs found")
					return nil
				}
				runID = runs[0].ID
			}

			run, err := a.store.GetRun(ctx, runID)
			if err != nil {
				return fmt.Errorf("get run %s: %w", runID, err)
			}
			fmt.Println(renderRun(run))
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceDir, "workspace", ".", "workspace root directory")
	cmd.Flags().StringVar(&runID, "run", "", "run id (defaults to the most recent run)")
	return cmd
}

func newRunsCommand(configPath *string) *cobra.Command {
	var workspaceDir, statusFilter string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs in this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			workspaceRoot, err := filepath.Abs(workspaceDir)
			if err != nil {
				return err
			}
			a, err := openApp(ctx, workspaceRoot, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.store.ListRuns(ctx, flow.RunFilter{Status: flow.Status(statusFilter)})
			if err != nil {
				return err
			}
			fmt.Println(renderRunsTable(runs))
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceDir, "workspace", ".", "workspace root directory")
	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (pending, running, paused, completed, failed, stopped)")
	return cmd
}

func newEventsCommand(configPath *string) *cobra.Command {
	var workspaceDir, runID, jqFilter string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream a run's events, optionally filtered with a jq expression",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			workspaceRoot, err := filepath.Abs(workspaceDir)
			if err != nil {
				return err
			}
			a, err := openApp(ctx, workspaceRoot, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			controller, _ := a.controller(nil)
			events, err := controller.SubscribeEvents(ctx, runID, time.Second)
			if err != nil {
				return fmt.Errorf("subscribe events for run %s: %w", runID, err)
			}

			var exec *jqExecutor
			if jqFilter != "" {
				exec = newJQExecutor()
			}
			for ev := range events {
				if err := printEvent(ev, jqFilter, exec); err != nil {
					a.logger.Warn("car.event_filter_failed", slog.Any("error", err))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceDir, "workspace", ".", "workspace root directory")
	cmd.Flags().StringVar(&runID, "run", "", "run id to stream events for")
	cmd.Flags().StringVar(&jqFilter, "jq", "", "jq filter expression applied to each event")
	cmd.MarkFlagRequired("run")
	return cmd
}

var runTableStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

func renderRun(run *flow.FlowRun) string {
	header := runTableStyle.Render(fmt.Sprintf("run %s", run.ID))
	step := "-"
	if run.CurrentStep != nil {
		step = *run.CurrentStep
	}
	return fmt.Sprintf("%s\nstatus: %s\nstep:   %s\nerror:  %s", header, run.Status, step, run.ErrorMessage)
}

func renderRunsTable(runs []*flow.FlowRun) string {
	header := runTableStyle.Render(fmt.Sprintf("%-36s %-10s %-20s", "ID", "STATUS", "STEP"))
	lines := []string{header}
	for _, r := range runs {
		step := "-"
		if r.CurrentStep != nil {
			step = *r.CurrentStep
		}
		lines = append(lines, fmt.Sprintf("%-36s %-10s %-20s", r.ID, r.Status, step))
	}
	return joinLines(lines)
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
