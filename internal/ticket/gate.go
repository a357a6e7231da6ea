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

package ticket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowcar/car/internal/fingerprint"
	"github.com/flowcar/car/internal/flow"
	"github.com/flowcar/car/internal/outbox"
)

// ResumeGate implements flow.ResumeGate for ticket_flow runs: a paused run
// may resume without force=true only if new human input arrived, the repo
// changed underneath it, or the pause itself was an infra/agent error
// rather than a deliberate wait-for-input pause.
type ResumeGate struct {
	WorkspaceRoot string
	RunsDir       string
}

var _ flow.ResumeGate = (*ResumeGate)(nil)

// AllowResume inspects the run's last recorded PauseContext.
func (g *ResumeGate) AllowResume(ctx context.Context, run *flow.FlowRun) (bool, error) {
	var state State
	if len(run.State) > 0 {
		if err := json.Unmarshal(run.State, &state); err != nil {
			return false, fmt.Errorf("ticket: resume gate: decode state: %w", err)
		}
	}

	if state.PauseContext == nil {
		// No recorded pause context: nothing to gate on, allow resume.
		return true, nil
	}
	if state.PauseContext.IsErrorPause {
		return true, nil
	}

	replyPaths := outbox.ResolveReplyPaths(g.WorkspaceRoot, g.RunsDir, run.ID)
	records, err := outbox.ListArchivedReplies(replyPaths, state.PauseContext.PausedReplySeq)
	if err != nil {
		return false, fmt.Errorf("ticket: resume gate: list replies: %w", err)
	}
	if len(records) > 0 {
		return true, nil
	}

	changed, err := fingerprint.Changed(g.WorkspaceRoot, state.PauseContext.RepoFingerprint)
	if err != nil {
		return false, fmt.Errorf("ticket: resume gate: fingerprint: %w", err)
	}
	return changed, nil
}
