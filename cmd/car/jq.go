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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowcar/car/internal/flow"
	"github.com/flowcar/car/internal/jq"
)

// jqExecutor wraps internal/jq.Executor for filtering one FlowEvent at a
// time from `car events --jq`.
type jqExecutor struct {
	exec *jq.Executor
}

func newJQExecutor() *jqExecutor {
	return &jqExecutor{exec: jq.NewExecutor(5*time.Second, jq.DefaultMaxInputSize)}
}

// printEvent prints ev as JSON, or the jq-filtered result of ev if filter is
// non-empty.
func printEvent(ev *flow.FlowEvent, filter string, exec *jqExecutor) error {
	raw, err := json.Marshal(map[string]any{
		"run_id":     ev.RunID,
		"seq":        ev.Seq,
		"event_type": ev.EventType,
		"ts":         ev.TS,
		"data":       json.RawMessage(ev.Data),
	})
	if err != nil {
		return err
	}

	if filter == "" {
		fmt.Println(string(raw))
		return nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}

	result, err := exec.exec.Execute(context.Background(), filter, decoded)
	if err != nil {
		return fmt.Errorf("jq filter: %w", err)
	}
	out, err := json.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
