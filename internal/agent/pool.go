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

package agent

import (
	"context"
	"strings"

	"github.com/flowcar/car/internal/ticket"
	cerrors "github.com/flowcar/car/pkg/errors"
)

// Pool is the concrete ticket.AgentPool: one Supervisor shared across every
// registered backend, routing each turn to the right (workspace, backend)
// handle.
type Pool struct {
	supervisor *Supervisor
}

var _ ticket.AgentPool = (*Pool)(nil)

// NewPool wraps an already-configured Supervisor as a ticket.AgentPool.
func NewPool(supervisor *Supervisor) *Pool {
	return &Pool{supervisor: supervisor}
}

// RunTurn validates the requested agent id, acquires (or lazily spawns) the
// backend handle for the ticket's workspace, starts or resumes the thread,
// starts the turn with the ticket's declared policies, and waits for it to
// complete.
func (p *Pool) RunTurn(ctx context.Context, req ticket.AgentTurnRequest) (ticket.TurnResult, error) {
	if _, ok := p.supervisor.specs[req.AgentID]; !ok {
		return ticket.TurnResult{}, &cerrors.NotFoundError{Resource: "agent backend", ID: req.AgentID}
	}

	handle, err := p.supervisor.Acquire(ctx, req.WorkspaceRoot, req.AgentID)
	if err != nil {
		return ticket.TurnResult{}, err
	}

	threadID := req.ConversationID
	if threadID == "" {
		threadID, err = handle.ThreadStart(ctx, req.WorkspaceRoot)
	} else {
		threadID, err = handle.ThreadResume(ctx, threadID)
	}
	if err != nil {
		return ticket.TurnResult{}, err
	}

	turnID, err := handle.TurnStart(ctx, threadID, req.Prompt, req.ApprovalPolicy, req.SandboxPolicy)
	if err != nil {
		return ticket.TurnResult{}, err
	}

	outcome, err := handle.WaitForTurn(ctx, turnID)
	if err != nil {
		return ticket.TurnResult{
			AgentID:        req.AgentID,
			ConversationID: threadID,
			TurnID:         turnID,
			Error:          err.Error(),
		}, nil
	}

	return ticket.TurnResult{
		Text:           strings.Join(outcome.AgentMessages, "\n"),
		AgentID:        req.AgentID,
		ConversationID: threadID,
		TurnID:         outcome.TurnID,
	}, nil
}

// Close terminates every handle owned by the pool's supervisor.
func (p *Pool) Close() error {
	return p.supervisor.Close()
}
