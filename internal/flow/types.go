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

// Package flow implements the durable, step-keyed flow runtime: the Flow
// Store (one embedded SQLite file per repository) and the Flow Controller
// (the generic step scheduler that drives a FlowRun to completion, pause,
// or stop across process restarts).
package flow

import (
	"encoding/json"
	"time"
)

// Status is a FlowRun's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether status is one from which a run never resumes on
// its own (completed, failed, stopped). Paused is deliberately not terminal:
// ResumeFlow can bring it back to running.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// EventType enumerates FlowEvent.EventType values.
type EventType string

const (
	EventFlowStarted    EventType = "flow_started"
	EventFlowCompleted  EventType = "flow_completed"
	EventFlowFailed     EventType = "flow_failed"
	EventFlowStopped    EventType = "flow_stopped"
	EventFlowResumed    EventType = "flow_resumed"
	EventFlowPaused     EventType = "flow_paused"
	EventStepStarted    EventType = "step_started"
	EventStepCompleted  EventType = "step_completed"
	EventStepFailed     EventType = "step_failed"
	EventDiffUpdated    EventType = "diff_updated"
	EventDispatchCreated EventType = "dispatch_created"
)

// FlowRun is one invocation of a flow. CurrentStep is nil iff Status is
// terminal: the Store clears current_step whenever a run moves to a
// terminal status.
type FlowRun struct {
	ID            string
	FlowType      string
	Status        Status
	CurrentStep   *string
	InputData     json.RawMessage
	State         json.RawMessage
	Metadata      json.RawMessage
	ErrorMessage  string
	StopRequested bool
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// FlowEvent is one append-only, monotonically sequenced log row.
type FlowEvent struct {
	RunID     string
	Seq       int64
	EventType EventType
	TS        time.Time
	Data      json.RawMessage
}

// StepExecution records one (run_id, step_name, attempt) outcome.
type StepExecution struct {
	RunID      string
	StepName   string
	Attempt    int
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	FlowType string
	Status   Status
	Limit    int
}

// StatusUpdate is the partial row update UpdateStatus applies atomically.
// A nil pointer field leaves the corresponding column untouched, except
// that current_step is cleared when Status is terminal.
type StatusUpdate struct {
	Status      Status
	State       json.RawMessage
	CurrentStep *string
	Error       *string
	FinishedAt  *time.Time
	StartedAt   *time.Time
}
