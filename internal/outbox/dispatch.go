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

package outbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	cerrors "github.com/flowcar/car/pkg/errors"
)

// EnsureOutboxDirs creates the dispatch and dispatch_history directories.
func EnsureOutboxDirs(paths OutboxPaths) error {
	if err := os.MkdirAll(paths.DispatchDir, 0o755); err != nil {
		return fmt.Errorf("outbox: ensure dispatch dir: %w", err)
	}
	if err := os.MkdirAll(paths.DispatchHistoryDir, 0o755); err != nil {
		return fmt.Errorf("outbox: ensure dispatch history dir: %w", err)
	}
	return nil
}

// ParseDispatch reads and lints a DISPATCH.md file.
func ParseDispatch(path string) (*Dispatch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("outbox: read dispatch file: %w", err)
	}
	data, body := splitFrontmatter(string(raw))
	normalized, errs := lintDispatchFrontmatter(data)
	if len(errs) > 0 {
		return nil, &cerrors.LintError{Path: path, Problems: errs}
	}

	mode := Mode(normalized["mode"].(string))
	title := asOptionalString(normalized["title"])
	extra := make(map[string]any, len(normalized))
	for k, v := range normalized {
		if k == "mode" || k == "title" {
			continue
		}
		extra[k] = v
	}
	return &Dispatch{
		Mode:  mode,
		Body:  strings.TrimLeft(body, "\n"),
		Title: title,
		Extra: extra,
	}, nil
}

func listNonHidden(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDir(src, dst)
	}
	return copyFile(src, dst, info.Mode())
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyPath(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func removePath(path string) {
	os.RemoveAll(path)
}

// ArchiveDispatch archives the current DISPATCH.md staging file plus any
// sibling attachments into dispatch_history/<nextSeq:04d>/. Returns (nil,
// nil) when no dispatch is staged. A mid-copy failure leaves staging
// intact: nothing is deleted from dispatch/ until every file has been
// copied into the destination.
func ArchiveDispatch(paths OutboxPaths, nextSeq int, ticketID string) (*DispatchRecord, error) {
	if _, err := os.Stat(paths.DispatchPath); os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("outbox: stat dispatch file: %w", err)
	}

	dispatch, err := ParseDispatch(paths.DispatchPath)
	if err != nil {
		return nil, err
	}
	if ticketID != "" {
		extra := make(map[string]any, len(dispatch.Extra)+1)
		for k, v := range dispatch.Extra {
			extra[k] = v
		}
		extra["ticket_id"] = ticketID
		dispatch.Extra = extra
	}

	items, err := listNonHidden(paths.DispatchDir)
	if err != nil {
		return nil, fmt.Errorf("outbox: list dispatch attachments: %w", err)
	}

	dest := filepath.Join(paths.DispatchHistoryDir, pad4(nextSeq))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("outbox: create dispatch history dir: %w", err)
	}

	var archived []string
	msgDest := filepath.Join(dest, "DISPATCH.md")
	if err := copyPath(paths.DispatchPath, msgDest); err != nil {
		return nil, fmt.Errorf("outbox: archive dispatch file: %w", err)
	}
	archived = append(archived, msgDest)

	for _, name := range items {
		itemDest := filepath.Join(dest, name)
		if err := copyPath(filepath.Join(paths.DispatchDir, name), itemDest); err != nil {
			return nil, fmt.Errorf("outbox: archive dispatch attachment %s: %w", name, err)
		}
		archived = append(archived, itemDest)
	}

	// Cleanup is best-effort and only happens once every file is safely copied.
	removePath(paths.DispatchPath)
	for _, name := range items {
		removePath(filepath.Join(paths.DispatchDir, name))
	}

	return &DispatchRecord{Seq: nextSeq, Dispatch: *dispatch, ArchivedDir: dest, ArchivedFiles: archived}, nil
}

// CreateTurnSummary synthesizes a mode:turn_summary dispatch from the
// agent's final output, so the dispatch history panel always shows what the
// agent said even when it never wrote its own DISPATCH.md. Returns (nil,
// nil) when agentOutput is empty or whitespace-only.
func CreateTurnSummary(paths OutboxPaths, nextSeq int, agentOutput string, ticketID, agentID string, turnNumber int) (*DispatchRecord, error) {
	trimmed := strings.TrimSpace(agentOutput)
	if trimmed == "" {
		return nil, nil
	}

	extra := map[string]any{"is_turn_summary": true}
	if ticketID != "" {
		extra["ticket_id"] = ticketID
	}
	if agentID != "" {
		extra["agent_id"] = agentID
	}
	if turnNumber > 0 {
		extra["turn_number"] = turnNumber
	}

	dest := filepath.Join(paths.DispatchHistoryDir, pad4(nextSeq))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("outbox: create turn summary dir: %w", err)
	}

	msgDest := filepath.Join(dest, "DISPATCH.md")
	content := fmt.Sprintf("---\nmode: turn_summary\n---\n\n%s\n", trimmed)
	if err := os.WriteFile(msgDest, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("outbox: write turn summary: %w", err)
	}

	return &DispatchRecord{
		Seq:           nextSeq,
		Dispatch:      Dispatch{Mode: ModeTurnSummary, Body: trimmed, Extra: extra},
		ArchivedDir:   dest,
		ArchivedFiles: []string{msgDest},
	}, nil
}
