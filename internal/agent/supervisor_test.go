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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSpec(t *testing.T) BackendSpec {
	python3 := requirePython3(t)
	return BackendSpec{
		Kind:           "fixture",
		Command:        []string{python3, "-u", "-c", fixtureBackend},
		RequestTimeout: 5 * time.Second,
	}
}

func TestSupervisorAcquireDedupsConcurrentFirstUse(t *testing.T) {
	spec := testSpec(t)
	sup := NewSupervisor([]BackendSpec{spec}, SupervisorConfig{})
	t.Cleanup(func() { _ = sup.Close() })

	workspace := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	handles := make([]*Handle, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = sup.Acquire(ctx, workspace, "fixture")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "acquire %d", i)
	}
	for i := 1; i < 8; i++ {
		require.Same(t, handles[0], handles[i])
	}
}

func TestSupervisorAcquireUnknownBackendFails(t *testing.T) {
	sup := NewSupervisor(nil, SupervisorConfig{})
	_, err := sup.Acquire(context.Background(), t.TempDir(), "does-not-exist")
	require.Error(t, err)
}

func TestSupervisorPruneIdleClosesStaleHandles(t *testing.T) {
	spec := testSpec(t)
	sup := NewSupervisor([]BackendSpec{spec}, SupervisorConfig{IdleTTL: time.Millisecond})
	t.Cleanup(func() { _ = sup.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	workspace := t.TempDir()
	h, err := sup.Acquire(ctx, workspace, "fixture")
	require.NoError(t, err)
	_, err = h.ThreadStart(ctx, workspace)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	sup.PruneIdle()

	sup.mu.Lock()
	_, stillPresent := sup.handles[handleKey(workspace, "fixture")]
	sup.mu.Unlock()
	require.False(t, stillPresent)
}
