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
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fixtureBackend is a minimal scripted JSON-RPC backend: it replies to
// initialize/thread-start/turn-start by echoing the request id back, and
// after turn/start emits one agent message followed by turn/completed. It
// exercises the real wire framing end to end without depending on any real
// agent binary.
const fixtureBackend = `
import sys, re
for line in sys.stdin:
    m = re.search(r'"id":(\d+)', line)
    rid = m.group(1) if m else None
    if '"method":"initialize"' in line:
        print('{"id":%s,"result":{}}' % rid)
    elif '"method":"thread/start"' in line:
        print('{"id":%s,"result":{"threadId":"th-1"}}' % rid)
    elif '"method":"turn/start"' in line:
        print('{"id":%s,"result":{"turnId":"tu-1"}}' % rid)
        print('{"method":"item/completed","params":{"turnId":"tu-1","item":{"type":"agentMessage","text":"hello"}}}')
        print('{"method":"turn/completed","params":{"turnId":"tu-1","status":"completed"}}')
    sys.stdout.flush()
`

func requirePython3(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available for fixture backend")
	}
	return path
}

func TestHandleRunsThreadAndTurnAgainstFixtureBackend(t *testing.T) {
	python3 := requirePython3(t)

	h := NewHandle(HandleConfig{
		BackendKind:    "fixture",
		Command:        []string{python3, "-u", "-c", fixtureBackend},
		RequestTimeout: 5 * time.Second,
	})
	t.Cleanup(func() { _ = h.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.Start(ctx))

	threadID, err := h.ThreadStart(ctx, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "th-1", threadID)

	turnID, err := h.TurnStart(ctx, threadID, "do the thing", "on-request", "workspace-write")
	require.NoError(t, err)
	require.Equal(t, "tu-1", turnID)

	outcome, err := h.WaitForTurn(ctx, turnID)
	require.NoError(t, err)
	require.Equal(t, "completed", outcome.Status)
	require.Equal(t, []string{"hello"}, outcome.AgentMessages)
}

func TestHandleThreadResumeTimesOutWhenUnanswered(t *testing.T) {
	python3 := requirePython3(t)

	h := NewHandle(HandleConfig{
		BackendKind:    "fixture",
		Command:        []string{python3, "-u", "-c", fixtureBackend},
		RequestTimeout: 5 * time.Second,
	})
	t.Cleanup(func() { _ = h.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, h.Start(ctx))

	// The fixture doesn't implement thread/resume, so the request times out
	// and this exercises the ctx-deadline path rather than a happy resume.
	shortCtx, shortCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer shortCancel()
	_, err := h.ThreadResume(shortCtx, "existing-thread")
	require.Error(t, err)
}
