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

package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cerrors "github.com/flowcar/car/pkg/errors"
)

var tracer = otel.Tracer("github.com/flowcar/car/internal/flow")

// ResumeGate decides whether a paused run may resume without force=true.
// The ticket_flow definition installs one grounded on pause_context
// (paused_reply_seq, repo_fingerprint); flows with nothing to gate on can
// omit a gate entirely, in which case every resume is allowed.
type ResumeGate interface {
	// AllowResume inspects the run's persisted state and reports whether a
	// non-forced resume should proceed.
	AllowResume(ctx context.Context, run *FlowRun) (bool, error)
}

// Controller is the generic step scheduler: it owns a Store and a set of
// FlowDefinitions, and drives any run to completion, pause, or stop one
// step at a time, durably persisting after every step.
type Controller struct {
	store   Store
	defs    map[string]FlowDefinition
	gates   map[string]ResumeGate
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewController builds a Controller over store for the given definitions.
func NewController(store Store, defs []FlowDefinition, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]FlowDefinition, len(defs))
	for _, d := range defs {
		m[d.FlowType] = d
	}
	return &Controller{store: store, defs: m, gates: map[string]ResumeGate{}, logger: logger, nowFunc: time.Now}
}

// WithResumeGate installs a ResumeGate for flowType, consulted by ResumeFlow
// whenever force is false.
func (c *Controller) WithResumeGate(flowType string, gate ResumeGate) *Controller {
	c.gates[flowType] = gate
	return c
}

// StartFlow creates a new FlowRun in status pending for flowType, scheduled
// to begin at the definition's InitialStep. It does not run any steps;
// call RunFlow to drive it.
func (c *Controller) StartFlow(ctx context.Context, flowType string, input, metadata json.RawMessage) (*FlowRun, error) {
	def, ok := c.defs[flowType]
	if !ok {
		return nil, &cerrors.ValidationError{Field: "flow_type", Message: fmt.Sprintf("unknown flow type %q", flowType)}
	}
	id := uuid.NewString()
	run, err := c.store.CreateRun(ctx, id, flowType, input, metadata)
	if err != nil {
		return nil, fmt.Errorf("flow: start flow: %w", err)
	}
	step := def.InitialStep
	updated, err := c.store.UpdateStatus(ctx, id, StatusUpdate{Status: StatusPending, CurrentStep: &step})
	if err != nil {
		return nil, fmt.Errorf("flow: start flow: set initial step: %w", err)
	}
	return updated, nil
}

// RunFlow drives runID's Flow Controller loop: load, transition to running,
// repeatedly invoke the current step, persist its outcome, and advance
// until the run reaches a terminal status, pauses, or StopFlow is honored.
// Terminal runs return immediately with no effect.
func (c *Controller) RunFlow(ctx context.Context, runID string) (*FlowRun, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("flow: run flow: %w", err)
	}
	if run.Status.Terminal() {
		return run, nil
	}

	def, ok := c.defs[run.FlowType]
	if !ok {
		return nil, &cerrors.InternalError{Message: fmt.Sprintf("no registered definition for flow type %q", run.FlowType)}
	}

	ctx, span := tracer.Start(ctx, "flow.RunFlow", trace.WithAttributes(
		attribute.String("run_id", run.ID),
		attribute.String("flow_type", run.FlowType),
	))
	defer span.End()

	startEvent := EventFlowStarted
	update := StatusUpdate{Status: StatusRunning}
	if run.StartedAt == nil {
		now := c.nowFunc().UTC()
		update.StartedAt = &now
	} else {
		startEvent = EventFlowResumed
	}
	run, _, err = c.store.UpdateStatusAndAppendEvent(ctx, runID, update, startEvent, nil)
	if err != nil {
		return nil, fmt.Errorf("flow: run flow: mark running: %w", err)
	}

	for {
		run, err = c.store.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("flow: run flow: reload: %w", err)
		}

		if run.StopRequested {
			return c.finish(ctx, run, StatusStopped, EventFlowStopped, "")
		}

		if run.CurrentStep == nil {
			return nil, &cerrors.InternalError{Message: fmt.Sprintf("run %s has no current step but is not terminal", run.ID)}
		}
		stepName := *run.CurrentStep

		step, ok := def.Steps[stepName]
		if !ok {
			return nil, &cerrors.InternalError{Message: fmt.Sprintf("flow type %q has no step %q", run.FlowType, stepName)}
		}

		outcome, err := c.callStep(ctx, step, run, stepName)
		if err != nil {
			c.recordStepExecution(ctx, run.ID, stepName, "failed", err.Error())
			return c.finish(ctx, run, StatusFailed, EventFlowFailed, err.Error())
		}
		c.recordStepExecution(ctx, run.ID, stepName, "completed", "")

		switch outcome.kind {
		case outcomeComplete:
			run = c.mergeState(run, outcome.output)
			_, _, err = c.store.UpdateStatusAndAppendEvent(ctx, runID, StatusUpdate{
				Status: StatusRunning, State: run.State, CurrentStep: nilStep(),
			}, EventStepCompleted, outcome.output)
			if err != nil {
				return nil, fmt.Errorf("flow: run flow: record step completed: %w", err)
			}
			return c.finish(ctx, run, StatusCompleted, EventFlowCompleted, "")

		case outcomeStop:
			run = c.mergeState(run, outcome.output)
			return c.finish(ctx, run, StatusStopped, EventFlowStopped, "")

		case outcomeFail:
			msg := "step reported failure"
			if outcome.err != nil {
				msg = outcome.err.Error()
			}
			return c.finish(ctx, run, StatusFailed, EventFlowFailed, msg)

		case outcomePause:
			run = c.mergeState(run, outcome.output)
			_, _, err = c.store.UpdateStatusAndAppendEvent(ctx, runID, StatusUpdate{
				Status: StatusPaused, State: run.State, CurrentStep: &stepName,
			}, EventFlowPaused, encodeReason(outcome.reason))
			if err != nil {
				return nil, fmt.Errorf("flow: run flow: record pause: %w", err)
			}
			return c.store.GetRun(ctx, runID)

		case outcomeContinue:
			next := outcome.resolveNextStep()
			if next == "" {
				return nil, &cerrors.InternalError{Message: fmt.Sprintf("run %s: ContinueTo called with no candidate steps", run.ID)}
			}
			run = c.mergeState(run, outcome.output)
			_, _, err = c.store.UpdateStatusAndAppendEvent(ctx, runID, StatusUpdate{
				Status: StatusRunning, State: run.State, CurrentStep: &next,
			}, EventStepCompleted, outcome.output)
			if err != nil {
				return nil, fmt.Errorf("flow: run flow: advance step: %w", err)
			}
			// Loop: reload and run the next step.

		default:
			return nil, &cerrors.InternalError{Message: "unrecognized step outcome"}
		}
	}
}

// callStep invokes step, recovering a panic into a Fail-shaped error so one
// misbehaving step never crashes the worker process mid-loop.
func (c *Controller) callStep(ctx context.Context, step StepFunc, run *FlowRun, stepName string) (outcome StepOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flow: step %q panicked: %v", stepName, r)
		}
	}()
	ctx, span := tracer.Start(ctx, "flow.step", trace.WithAttributes(
		attribute.String("run_id", run.ID),
		attribute.String("step_name", stepName),
	))
	defer span.End()
	return step(ctx, run)
}

func (c *Controller) recordStepExecution(ctx context.Context, runID, stepName, status, errMsg string) {
	now := c.nowFunc().UTC()
	exec := &StepExecution{
		RunID: runID, StepName: stepName, Attempt: 1,
		Status: status, Error: errMsg, StartedAt: now, FinishedAt: &now,
	}
	if err := c.store.SaveStepExecution(ctx, exec); err != nil {
		c.logger.Warn("flow: failed to record step execution", slog.String("run_id", runID), slog.String("step", stepName), slog.Any("error", err))
	}
}

func (c *Controller) mergeState(run *FlowRun, output json.RawMessage) *FlowRun {
	if len(output) == 0 {
		return run
	}
	merged := make(map[string]any)
	if len(run.State) > 0 {
		_ = json.Unmarshal(run.State, &merged)
	}
	var delta map[string]any
	if err := json.Unmarshal(output, &delta); err == nil {
		for k, v := range delta {
			merged[k] = v
		}
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return run
	}
	cp := *run
	cp.State = data
	return &cp
}

func (c *Controller) finish(ctx context.Context, run *FlowRun, status Status, event EventType, errMsg string) (*FlowRun, error) {
	now := c.nowFunc().UTC()
	update := StatusUpdate{Status: status, State: run.State, FinishedAt: &now, CurrentStep: nilStep()}
	if errMsg != "" {
		update.Error = &errMsg
	}
	updated, _, err := c.store.UpdateStatusAndAppendEvent(ctx, run.ID, update, event, encodeReason(errMsg))
	if err != nil {
		return nil, fmt.Errorf("flow: finish run: %w", err)
	}
	return updated, nil
}

// ResumeFlow transitions a paused run back to running, subject to the
// resume gate registered for its flow type unless force is true. It never
// runs any steps itself; call RunFlow afterward to continue execution.
func (c *Controller) ResumeFlow(ctx context.Context, runID string, force bool) (*FlowRun, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("flow: resume flow: %w", err)
	}
	if run.Status.Terminal() {
		return nil, &cerrors.ValidationError{Field: "status", Message: fmt.Sprintf("run %s is terminal (%s), cannot resume", runID, run.Status)}
	}
	if run.Status == StatusRunning {
		return nil, &cerrors.ValidationError{Field: "status", Message: fmt.Sprintf("run %s is already running", runID)}
	}

	if !force {
		if gate, ok := c.gates[run.FlowType]; ok {
			allowed, err := gate.AllowResume(ctx, run)
			if err != nil {
				return nil, fmt.Errorf("flow: resume flow: gate: %w", err)
			}
			if !allowed {
				return nil, &cerrors.ResumeBlocked{RunID: runID, Reason: "no new replies, unchanged fingerprint, and last pause was not an error"}
			}
		}
	}

	if err := c.store.SetStopRequested(ctx, runID, false); err != nil {
		return nil, fmt.Errorf("flow: resume flow: clear stop: %w", err)
	}
	updated, _, err := c.store.UpdateStatusAndAppendEvent(ctx, runID, StatusUpdate{Status: StatusRunning}, EventFlowResumed, nil)
	if err != nil {
		return nil, fmt.Errorf("flow: resume flow: %w", err)
	}
	return updated, nil
}

// StopFlow sets the cooperative stop flag; the run's owning worker honors
// it on its next RunFlow loop iteration. It never signals the run's
// subprocess directly.
func (c *Controller) StopFlow(ctx context.Context, runID string) error {
	if err := c.store.SetStopRequested(ctx, runID, true); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("flow: stop flow: %w", err)
	}
	return nil
}

// GetStatus returns runID's current FlowRun row.
func (c *Controller) GetStatus(ctx context.Context, runID string) (*FlowRun, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("flow: get status: %w", err)
	}
	return run, nil
}

// ListRuns lists runs matching filter.
func (c *Controller) ListRuns(ctx context.Context, filter RunFilter) ([]*FlowRun, error) {
	runs, err := c.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("flow: list runs: %w", err)
	}
	return runs, nil
}

// SubscribeEvents streams runID's event log starting from its current tail,
// polling the Store rather than holding any long-lived subscription, since
// no FlowAPI transport (gRPC/WebSocket/SSE) is in scope: callers needing a
// live tail (e.g. `car events`) poll this from a CLI process.
func (c *Controller) SubscribeEvents(ctx context.Context, runID string, pollInterval time.Duration) (<-chan *FlowEvent, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	ch := make(chan *FlowEvent, 16)
	go func() {
		defer close(ch)
		var lastSeq int64
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			events, err := c.store.ListEvents(ctx, runID)
			if err != nil {
				c.logger.Warn("flow: subscribe events: list failed", slog.String("run_id", runID), slog.Any("error", err))
			}
			for _, e := range events {
				if e.Seq <= lastSeq {
					continue
				}
				lastSeq = e.Seq
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				}
			}
			run, err := c.store.GetRun(ctx, runID)
			if err == nil && run.Status.Terminal() {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func nilStep() *string { return nil }

func encodeReason(reason string) json.RawMessage {
	if reason == "" {
		return nil
	}
	data, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return nil
	}
	return data
}
