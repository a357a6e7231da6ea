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

// Package outbox implements the filesystem-backed Outbox / Reply Archive: a
// monotonically numbered mailbox pairing DISPATCH.md (agent to human) and
// USER_REPLY.md (human to agent) staging files with their archived history.
package outbox

import "path/filepath"

// Mode is a Dispatch's front-matter mode key.
type Mode string

const (
	ModeNotify      Mode = "notify"
	ModePause       Mode = "pause"
	ModeTurnSummary Mode = "turn_summary"
)

// Dispatch is one parsed DISPATCH.md payload.
type Dispatch struct {
	Mode  Mode
	Body  string
	Title string
	Extra map[string]any
}

// DispatchRecord is the result of archiving (or synthesizing) one dispatch.
type DispatchRecord struct {
	Seq           int
	Dispatch      Dispatch
	ArchivedDir   string
	ArchivedFiles []string
}

// Reply is one parsed USER_REPLY.md payload.
type Reply struct {
	Body  string
	Extra map[string]any
}

// ReplyRecord is the result of archiving one reply.
type ReplyRecord struct {
	Seq           int
	Reply         Reply
	ArchivedDir   string
	ArchivedFiles []string
}

// OutboxPaths are the canonical dispatch directories for one run.
type OutboxPaths struct {
	RunDir             string
	DispatchDir        string
	DispatchHistoryDir string
	DispatchPath       string
}

// ReplyPaths are the canonical reply directories for one run.
type ReplyPaths struct {
	RunDir          string
	ReplyDir        string
	ReplyHistoryDir string
	ReplyPath       string
}

// ResolveOutboxPaths returns the canonical dispatch directory tuple for
// runID under workspaceRoot/runsDir.
func ResolveOutboxPaths(workspaceRoot, runsDir, runID string) OutboxPaths {
	runDir := filepath.Join(workspaceRoot, runsDir, runID)
	return OutboxPaths{
		RunDir:             runDir,
		DispatchDir:        filepath.Join(runDir, "dispatch"),
		DispatchHistoryDir: filepath.Join(runDir, "dispatch_history"),
		DispatchPath:       filepath.Join(runDir, "DISPATCH.md"),
	}
}

// ResolveReplyPaths returns the canonical reply directory tuple for runID
// under workspaceRoot/runsDir, symmetric to ResolveOutboxPaths.
func ResolveReplyPaths(workspaceRoot, runsDir, runID string) ReplyPaths {
	runDir := filepath.Join(workspaceRoot, runsDir, runID)
	return ReplyPaths{
		RunDir:          runDir,
		ReplyDir:        filepath.Join(runDir, "reply"),
		ReplyHistoryDir: filepath.Join(runDir, "reply_history"),
		ReplyPath:       filepath.Join(runDir, "USER_REPLY.md"),
	}
}

func pad4(seq int) string {
	const digits = "0123456789"
	b := make([]byte, 4)
	for i := 3; i >= 0; i-- {
		b[i] = digits[seq%10]
		seq /= 10
	}
	return string(b)
}
