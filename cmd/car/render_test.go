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

package main

import (
	"strings"
	"testing"

	"github.com/flowcar/car/internal/flow"
)

func TestRenderRunShowsStatusAndStep(t *testing.T) {
	step := "apply_patch"
	run := &flow.FlowRun{ID: "run-1", Status: flow.StatusRunning, CurrentStep: &step}

	out := renderRun(run)

	if !strings.Contains(out, "run-1") {
		t.Errorf("expected output to contain run id, got %q", out)
	}
	if !strings.Contains(out, string(flow.StatusRunning)) {
		t.Errorf("expected output to contain status, got %q", out)
	}
	if !strings.Contains(out, "apply_patch") {
		t.Errorf("expected output to contain current step, got %q", out)
	}
}

func TestRenderRunHandlesNilCurrentStep(t *testing.T) {
	run := &flow.FlowRun{ID: "run-2", Status: flow.StatusPending}

	out := renderRun(run)

	if !strings.Contains(out, "step:   -") {
		t.Errorf("expected placeholder for nil current step, got %q", out)
	}
}

func TestRenderRunsTableListsEveryRun(t *testing.T) {
	runs := []*flow.FlowRun{
		{ID: "run-1", Status: flow.StatusCompleted},
		{ID: "run-2", Status: flow.StatusFailed},
	}

	out := renderRunsTable(runs)

	for _, want := range []string{"run-1", "run-2", "STATUS"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected table to contain %q, got %q", want, out)
		}
	}
}

func TestJoinLinesEmpty(t *testing.T) {
	if got := joinLines(nil); got != "" {
		t.Errorf("expected empty string for no lines, got %q", got)
	}
}

func TestJoinLinesInsertsNewlines(t *testing.T) {
	got := joinLines([]string{"a", "b", "c"})
	want := "a\nb\nc"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
