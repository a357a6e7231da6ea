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
	"testing"
	"time"

	"github.com/flowcar/car/internal/flow"
)

func testEvent() *flow.FlowEvent {
	return &flow.FlowEvent{
		RunID:     "run-1",
		Seq:       1,
		EventType: flow.EventFlowStarted,
		TS:        time.Unix(0, 0).UTC(),
		Data:      []byte(`{"turn":3}`),
	}
}

func TestPrintEventWithoutFilter(t *testing.T) {
	if err := printEvent(testEvent(), "", nil); err != nil {
		t.Fatalf("printEvent: %v", err)
	}
}

func TestPrintEventWithJQFilter(t *testing.T) {
	exec := newJQExecutor()
	if err := printEvent(testEvent(), ".data.turn", exec); err != nil {
		t.Fatalf("printEvent with filter: %v", err)
	}
}
