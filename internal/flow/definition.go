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
	"sort"
)

// StepFunc runs one step of a flow against the run's current row and
// returns a StepOutcome describing what should happen next. Implementations
// must be idempotent across retries of the same (run_id, step_name,
// attempt): the Controller may call a step again after a crash between the
// step completing its side effects and the resulting StepOutcome being
// durably recorded.
type StepFunc func(ctx context.Context, run *FlowRun) (StepOutcome, error)

// outcomeKind tags which StepOutcome constructor built a value, so the
// Controller can switch on it without exposing the kind publicly.
type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeComplete
	outcomePause
	outcomeStop
	outcomeFail
)

// StepOutcome is the tagged union a StepFunc returns: exactly one of
// Continue-to-another-step, Complete, Pause (await human reply), Stop
// (user-requested halt), or Fail. Build one with the constructor functions
// below rather than populating the struct directly.
type StepOutcome struct {
	kind      outcomeKind
	nextSteps []string
	output    json.RawMessage
	reason    string
	err       error
}

// Complete marks the run finished successfully with output merged into the
// run's persisted state.
func Complete(output json.RawMessage) StepOutcome {
	return StepOutcome{kind: outcomeComplete, output: output}
}

// ContinueTo advances the run to one of nextSteps, persisting output as the
// merged run state first. When more than one candidate step name is
// possible (a step function that fans out conditionally), the Controller
// resolves ties by picking the lexicographically smallest name, making
// advancement deterministic given the same StepOutcome.
func ContinueTo(output json.RawMessage, nextSteps ...string) StepOutcome {
	return StepOutcome{kind: outcomeContinue, output: output, nextSteps: nextSteps}
}

// Pause suspends the run awaiting a human reply; reason is recorded on the
// pause event for operator visibility (e.g. "awaiting approval").
func Pause(output json.RawMessage, reason string) StepOutcome {
	return StepOutcome{kind: outcomePause, output: output, reason: reason}
}

// Stop halts the run with output merged into state and no further steps
// run. Used when a step itself determines the flow should end, as distinct
// from the cooperative StopFlow signal the Controller checks each loop.
func Stop(output json.RawMessage) StepOutcome {
	return StepOutcome{kind: outcomeStop, output: output}
}

// Fail marks the run failed, recording err's message as FlowRun.ErrorMessage.
func Fail(err error) StepOutcome {
	return StepOutcome{kind: outcomeFail, err: err}
}

// resolveNextStep picks the lexicographically smallest of o.nextSteps.
func (o StepOutcome) resolveNextStep() string {
	if len(o.nextSteps) == 0 {
		return ""
	}
	sorted := append([]string(nil), o.nextSteps...)
	sort.Strings(sorted)
	return sorted[0]
}

// FlowDefinition maps step names to the function that runs them, plus the
// entry step a new run starts on.
type FlowDefinition struct {
	// FlowType identifies this definition in FlowRun.FlowType and RunFilter.
	FlowType string

	// InitialStep is the step name StartFlow schedules first.
	InitialStep string

	// Steps maps step name to implementation. RunFlow looks up
	// run.CurrentStep here on every invocation, so step names must be
	// stable across code changes for in-flight runs to keep working.
	Steps map[string]StepFunc
}
