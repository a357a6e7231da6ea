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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowcar/car/internal/ticket"
)

func TestPoolRunTurnAgainstFixtureBackend(t *testing.T) {
	spec := testSpec(t)
	sup := NewSupervisor([]BackendSpec{spec}, SupervisorConfig{})
	pool := NewPool(sup)
	t.Cleanup(func() { _ = pool.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := pool.RunTurn(ctx, ticket.AgentTurnRequest{
		AgentID:        "fixture",
		Prompt:         "do the thing",
		WorkspaceRoot:  t.TempDir(),
		ApprovalPolicy: "on-request",
		SandboxPolicy:  "danger-full-access",
	})
	require.NoError(t, err)
	require.Equal(t, "hello", result.Text)
	require.Equal(t, "th-1", result.ConversationID)
	require.Equal(t, "tu-1", result.TurnID)
	require.Empty(t, result.Error)
}

func TestPoolRunTurnRejectsUnregisteredAgent(t *testing.T) {
	sup := NewSupervisor(nil, SupervisorConfig{})
	pool := NewPool(sup)
	t.Cleanup(func() { _ = pool.Close() })

	_, err := pool.RunTurn(context.Background(), ticket.AgentTurnRequest{
		AgentID:       "does-not-exist",
		WorkspaceRoot: t.TempDir(),
	})
	require.Error(t, err)
}
