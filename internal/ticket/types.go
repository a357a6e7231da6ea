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

// Package ticket implements the Ticket Engine: a file-backed state machine
// that advances a directory of TICKET-NNN.md files one agent turn at a
// time, pausing for human input via the outbox/reply archive.
package ticket

import (
	"time"
)

// Frontmatter is one ticket file's validated YAML front matter.
type Frontmatter struct {
	Agent      string
	Done       bool
	Title      string
	Goal       string
	Model      string
	Reasoning  string
	TicketKind string

	// ApprovalPolicy and SandboxPolicy are forwarded verbatim to the agent
	// backend's TurnStart call; SandboxPolicy is normalized by the agent
	// package before it reaches the wire.
	ApprovalPolicy string
	SandboxPolicy  any

	Extra map[string]any
}

// AgentPauseSentinel and AgentUserSentinel are the two reserved values of
// Frontmatter.Agent that never dispatch to a registered backend.
const (
	AgentPauseSentinel = "pause"
	AgentUserSentinel  = "user"
)

// Ticket is one parsed ticket file.
type Ticket struct {
	Path        string
	Index       int
	Frontmatter Frontmatter
	Body        string
}

// State is the ticket engine's opaque per-run state, persisted as
// FlowRun.State between steps. Field names match their on-disk JSON keys
// exactly: this struct is (de)serialized with encoding/json, not hand-kept
// in sync with a separate schema.
type State struct {
	TotalTurns              int           `json:"total_turns"`
	TicketTurns             int           `json:"ticket_turns"`
	CurrentTicket           string        `json:"current_ticket,omitempty"`
	ReplySeq                int           `json:"reply_seq"`
	OutboxSeq               int           `json:"outbox_seq"`
	LastAgentOutput         string        `json:"last_agent_output,omitempty"`
	LastAgentID             string        `json:"last_agent_id,omitempty"`
	LastAgentConversationID string        `json:"last_agent_conversation_id,omitempty"`
	LastAgentTurnID         string        `json:"last_agent_turn_id,omitempty"`
	Lint                    *LintState    `json:"lint,omitempty"`
	LastCheckpointError     string        `json:"last_checkpoint_error,omitempty"`
	PauseContext            *PauseContext `json:"pause_context,omitempty"`
}

// LintState tracks an in-progress frontmatter repair cycle.
type LintState struct {
	Errors         []string `json:"errors"`
	Retries        int      `json:"retries"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

// PauseContext is recorded whenever the engine pauses, so the resume gate
// (flow.ResumeGate) can decide whether ResumeFlow(force=false) should be
// allowed: see ticket.ResumeGate.
type PauseContext struct {
	PausedReplySeq  int    `json:"paused_reply_seq"`
	RepoFingerprint uint64 `json:"repo_fingerprint"`
	IsErrorPause    bool   `json:"is_error_pause"`
}

// Config tunes one Engine's behavior; it is read once from
// internal/config and held for the run's lifetime.
type Config struct {
	TicketDir                  string
	RunsDir                    string
	MaxTotalTurns              int
	MaxLintRetries             int
	AutoCommit                 bool
	CheckpointMessageTemplate  string
	TurnTimeout                time.Duration
}

// DefaultConfig returns the ticket engine's defaults, grounded on the
// original runner's TicketRunConfig.
func DefaultConfig() Config {
	return Config{
		TicketDir:                 ".codex-autorunner/tickets",
		RunsDir:                   ".codex-autorunner/runs",
		MaxTotalTurns:             200,
		MaxLintRetries:            3,
		AutoCommit:                false,
		CheckpointMessageTemplate: "car: checkpoint run={{.RunID}} turn={{.Turn}} agent={{.Agent}}",
		TurnTimeout:               10 * time.Minute,
	}
}
