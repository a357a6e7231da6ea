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

package reconciler_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcar/car/internal/flow"
	"github.com/flowcar/car/internal/flow/sqlitestore"
	"github.com/flowcar/car/internal/reconciler"
	"github.com/flowcar/car/internal/worker"
)

func openTestStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	ctx := context.Background()
	store, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: filepath.Join(t.TempDir(), "flow.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestScanOnceStopsRunWithNoWorkerSidecar(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	run, err := store.CreateRun(ctx, "run-orphan", "ticket", []byte(`{}`), []byte(`{}`))
	require.NoError(t, err)
	step := "step1"
	_, err = store.UpdateStatus(ctx, run.ID, flow.StatusUpdate{Status: flow.StatusRunning, CurrentStep: &step})
	require.NoError(t, err)

	runsDir := t.TempDir()
	repo := reconciler.Repo{ID: "repo-1", Store: store, RunsDir: runsDir}
	r := reconciler.New(reconciler.StaticRepos{repo}, reconciler.Config{BootID: "boot-a"})

	anyRunning, err := r.ScanOnce(ctx)
	require.NoError(t, err)
	require.True(t, anyRunning)

	updated, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, flow.StatusStopped, updated.Status)
	require.Equal(t, "worker missing", updated.ErrorMessage)
}

func TestScanOnceLeavesRunWithLiveWorkerAlone(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	run, err := store.CreateRun(ctx, "run-alive", "ticket", []byte(`{}`), []byte(`{}`))
	require.NoError(t, err)
	step := "step1"
	_, err = store.UpdateStatus(ctx, run.ID, flow.StatusUpdate{Status: flow.StatusRunning, CurrentStep: &step})
	require.NoError(t, err)

	runsDir := t.TempDir()
	runDir := filepath.Join(runsDir, run.ID)
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	registry := worker.NewRegistry(runDir)
	require.NoError(t, registry.Register(os.Getpid(), "boot-a"))
	t.Cleanup(func() { _ = registry.Clear() })

	repo := reconciler.Repo{ID: "repo-1", Store: store, RunsDir: runsDir}
	r := reconciler.New(reconciler.StaticRepos{repo}, reconciler.Config{BootID: "boot-a"})

	anyRunning, err := r.ScanOnce(ctx)
	require.NoError(t, err)
	require.True(t, anyRunning)

	updated, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, flow.StatusRunning, updated.Status)
}

func TestScanOnceIgnoresPausedAndTerminalRuns(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	run, err := store.CreateRun(ctx, "run-paused", "ticket", []byte(`{}`), []byte(`{}`))
	require.NoError(t, err)
	step := "step1"
	_, err = store.UpdateStatus(ctx, run.ID, flow.StatusUpdate{Status: flow.StatusPaused, CurrentStep: &step})
	require.NoError(t, err)

	repo := reconciler.Repo{ID: "repo-1", Store: store, RunsDir: t.TempDir()}
	r := reconciler.New(reconciler.StaticRepos{repo}, reconciler.Config{BootID: "boot-a"})

	anyRunning, err := r.ScanOnce(ctx)
	require.NoError(t, err)
	require.False(t, anyRunning)

	updated, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, flow.StatusPaused, updated.Status)
}
