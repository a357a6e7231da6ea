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

// Package fingerprint computes a hash over the relative paths, sizes and
// modification times of the files in a repository's working tree, used by
// the ticket flow's resume gate to detect that a repo changed while a run
// sat paused. File contents are not read.
package fingerprint

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mitchellh/hashstructure/v2"
)

// DefaultExcludes are glob patterns (matched against slash-separated,
// root-relative paths) never included in the fingerprint: run state churns
// on every step and would make the fingerprint change even when nothing
// the agent could see changed.
var DefaultExcludes = []string{
	".codex-autorunner/runs/**",
	".git/**",
}

// entry is one file's contribution to the fingerprint. Field order matters:
// hashstructure hashes struct fields in declaration order.
type entry struct {
	RelPath      string
	Size         int64
	MTimeUnixNano int64
}

// Compute walks root, skipping anything matching excludes (in addition to
// DefaultExcludes), and returns a stable hash of the sorted {relpath, size,
// mtime} tuples it finds. Two calls over an unchanged tree return the same
// value; touching, resizing, or adding/removing any tracked file changes it.
func Compute(root string, excludes ...string) (uint64, error) {
	patterns := append(append([]string(nil), DefaultExcludes...), excludes...)

	var entries []entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		slashRel := filepath.ToSlash(rel)

		if d.IsDir() {
			if matchesAny(patterns, slashRel+"/") || matchesAny(patterns, slashRel) {
				return filepath.SkipDir
			}
			return nil
		}
		if matchesAny(patterns, slashRel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, entry{
			RelPath:       slashRel,
			Size:          info.Size(),
			MTimeUnixNano: info.ModTime().UnixNano(),
		})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("fingerprint: walk %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })

	hash, err := hashstructure.Hash(entries, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, fmt.Errorf("fingerprint: hash: %w", err)
	}
	return hash, nil
}

func matchesAny(patterns []string, path string) bool {
	trimmed := strings.TrimSuffix(path, "/")
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, path); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(p, trimmed); err == nil && ok {
			return true
		}
	}
	return false
}

// Changed reports whether root's current fingerprint differs from previous.
func Changed(root string, previous uint64, excludes ...string) (bool, error) {
	current, err := Compute(root, excludes...)
	if err != nil {
		return false, err
	}
	return current != previous, nil
}
