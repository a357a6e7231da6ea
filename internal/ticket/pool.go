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

import "context"

// AgentTurnRequest is everything one Step needs to run a single agent turn.
type AgentTurnRequest struct {
	AgentID        string
	Prompt         string
	WorkspaceRoot  string
	ConversationID string
	ApprovalPolicy string
	SandboxPolicy  any
}

// TurnResult is the outcome of one agent turn. Error is set when the
// backend itself failed (process crash, protocol error, stalled turn); it
// is distinct from the turn simply producing an empty or unhelpful Text.
type TurnResult struct {
	Text           string
	AgentID        string
	ConversationID string
	TurnID         string
	Error          string
}

// AgentPool is the facade the Ticket Engine calls into for turn execution.
// The concrete implementation (internal/agent.Pool) routes to a Supervisor
// per backend; Step depends only on this interface so it can be tested
// without spawning a real subprocess.
type AgentPool interface {
	RunTurn(ctx context.Context, req AgentTurnRequest) (TurnResult, error)
}
