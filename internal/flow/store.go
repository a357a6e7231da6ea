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
	"io"
)

// RunStore is the core, required interface: create/read/update a FlowRun.
// Components that only need these should accept RunStore rather than the
// full Store, following the teacher's interface-segregation convention.
type RunStore interface {
	CreateRun(ctx context.Context, id, flowType string, input, metadata json.RawMessage) (*FlowRun, error)
	GetRun(ctx context.Context, id string) (*FlowRun, error)
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) (*FlowRun, error)
	SetStopRequested(ctx context.Context, id string, stop bool) error
}

// RunLister is an optional capability for listing runs.
type RunLister interface {
	ListRuns(ctx context.Context, filter RunFilter) ([]*FlowRun, error)
}

// EventStore is an optional capability for the append-only event log.
// AppendEvent must be called within the same transaction as any
// accompanying status change when both are present, so a reader never
// observes events ahead of status (see UpdateStatusAndAppendEvent).
type EventStore interface {
	AppendEvent(ctx context.Context, runID string, eventType EventType, data json.RawMessage) (seq int64, err error)
	ListEvents(ctx context.Context, runID string) ([]*FlowEvent, error)
}

// StatusEventStore composes a status transition with an event append inside
// a single transaction — the primitive the Controller actually calls so
// "status updated" and "event emitted" can never be observed out of order.
type StatusEventStore interface {
	UpdateStatusAndAppendEvent(ctx context.Context, id string, update StatusUpdate, eventType EventType, data json.RawMessage) (*FlowRun, int64, error)
}

// StepStore is an optional capability for step-level execution records.
type StepStore interface {
	SaveStepExecution(ctx context.Context, exec *StepExecution) error
	ListStepExecutions(ctx context.Context, runID string) ([]*StepExecution, error)
}

// Store is the full interface the SQLite backend implements. New minimal
// backends (e.g. an in-memory store for tests) can implement just RunStore
// and StatusEventStore.
type Store interface {
	RunStore
	RunLister
	EventStore
	StatusEventStore
	StepStore
	io.Closer
}
