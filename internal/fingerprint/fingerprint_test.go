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

package fingerprint_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowcar/car/internal/fingerprint"
)

func TestComputeStableOverUnchangedTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	h1, err := fingerprint.Compute(dir)
	require.NoError(t, err)
	h2, err := fingerprint.Compute(dir)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestComputeChangesWhenFileTouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	before, err := fingerprint.Compute(dir)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	changed, err := fingerprint.Changed(dir, before)
	require.NoError(t, err)
	require.True(t, changed)
}

func TestComputeIgnoresRunsDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	before, err := fingerprint.Compute(dir)
	require.NoError(t, err)

	runsDir := filepath.Join(dir, ".codex-autorunner", "runs", "run-1")
	require.NoError(t, os.MkdirAll(runsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runsDir, "state.json"), []byte("{}"), 0o644))

	after, err := fingerprint.Compute(dir)
	require.NoError(t, err)
	require.Equal(t, before, after)
}
