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

package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flowcar/car/internal/fingerprint"
	"github.com/flowcar/car/internal/flow"
	"github.com/flowcar/car/internal/outbox"
	cerrors "github.com/flowcar/car/pkg/errors"
)

// StepName is ticket_flow's sole step: every call to Step re-resolves the
// current ticket from disk and runs exactly one agent turn against it.
const StepName = "run"

// Input is the ticket_flow's FlowRun.InputData payload: the only per-run
// parameters the Engine needs that aren't reconstructible from state.
type Input struct {
	WorkspaceRoot string `json:"workspace_root"`
	RunsDir       string `json:"runs_dir,omitempty"`
}

// Engine runs ticket_flow's one step against whatever run it is called
// with, reading the run's workspace and id from FlowRun.InputData/ID so a
// single Engine can back every ticket_flow run in a process.
type Engine struct {
	Config Config
	Pool   AgentPool
}

// Definition returns the FlowDefinition for ticket_flow backed by e.
func (e *Engine) Definition() flow.FlowDefinition {
	return flow.FlowDefinition{
		FlowType:    "ticket_flow",
		InitialStep: StepName,
		Steps:       map[string]flow.StepFunc{StepName: e.Step},
	}
}

// Step implements the eleven-step ticket algorithm: resolve the current
// ticket, build a prompt from it plus any pending replies, run exactly one
// agent turn, reconcile the ticket's frontmatter and any dispatched
// message, optionally checkpoint the repo, and report the outcome.
func (e *Engine) Step(ctx context.Context, run *flow.FlowRun) (flow.StepOutcome, error) {
	var input Input
	if err := json.Unmarshal(run.InputData, &input); err != nil || input.WorkspaceRoot == "" {
		return flow.StepOutcome{}, fmt.Errorf("ticket: input_data.workspace_root is required")
	}
	runsDir := input.RunsDir
	if runsDir == "" {
		runsDir = e.Config.RunsDir
	}
	workspaceRoot := input.WorkspaceRoot
	runID := run.ID

	var state State
	if len(run.State) > 0 {
		if err := json.Unmarshal(run.State, &state); err != nil {
			return flow.StepOutcome{}, fmt.Errorf("ticket: decode state: %w", err)
		}
	}

	if state.TotalTurns >= e.Config.MaxTotalTurns {
		return e.pause(workspaceRoot, state, fmt.Sprintf("Max turns reached (%d). Review tickets and resume.", e.Config.MaxTotalTurns), false), nil
	}

	ticketDir := filepath.Join(workspaceRoot, e.Config.TicketDir)
	outboxPaths := outbox.ResolveOutboxPaths(workspaceRoot, runsDir, runID)
	if err := outbox.EnsureOutboxDirs(outboxPaths); err != nil {
		return flow.StepOutcome{}, fmt.Errorf("ticket: ensure outbox dirs: %w", err)
	}
	replyPaths := outbox.ResolveReplyPaths(workspaceRoot, runsDir, runID)
	if err := outbox.EnsureReplyDirs(replyPaths); err != nil {
		return flow.StepOutcome{}, fmt.Errorf("ticket: ensure reply dirs: %w", err)
	}

	ticketPaths, err := ListTicketPaths(ticketDir)
	if err != nil {
		return flow.StepOutcome{}, fmt.Errorf("ticket: list tickets: %w", err)
	}
	if len(ticketPaths) == 0 {
		return e.pause(workspaceRoot, state, fmt.Sprintf("No tickets found. Create tickets under %s and resume.", e.Config.TicketDir), false), nil
	}

	currentPath := ""
	if state.CurrentTicket != "" {
		candidate := filepath.Join(workspaceRoot, state.CurrentTicket)
		if TicketIsDone(candidate) {
			state.CurrentTicket = ""
			state.TicketTurns = 0
			state.LastAgentOutput = ""
			state.Lint = nil
		} else {
			currentPath = candidate
		}
	}
	if currentPath == "" {
		next := findNextTicket(ticketPaths)
		if next == "" {
			return flow.Complete(nil), nil
		}
		currentPath = next
		state.CurrentTicket = SafeRelpath(next, workspaceRoot)
		state.TicketTurns = 0
		state.LastAgentOutput = ""
		state.Lint = nil
	}

	var lintErrors []string
	lintRetries := 0
	reuseConversationID := ""
	if state.Lint != nil {
		lintErrors = state.Lint.Errors
		lintRetries = state.Lint.Retries
		reuseConversationID = state.Lint.ConversationID
	}

	var fm Frontmatter
	var body string
	if len(lintErrors) > 0 {
		raw, err := os.ReadFile(currentPath)
		if err != nil {
			return e.pause(workspaceRoot, state, fmt.Sprintf("Ticket unreadable during lint retry for %s: %s", SafeRelpath(currentPath, workspaceRoot), err), false), nil
		}
		data, relaxedBody := splitFrontmatter(string(raw))
		agentID := asOptionalString(data["agent"])
		if agentID == "" {
			return e.pause(workspaceRoot, state, "Cannot determine ticket agent during lint retry (missing frontmatter.agent). Fix the ticket frontmatter manually and resume.", false), nil
		}
		fm = Frontmatter{Agent: agentID}
		body = relaxedBody
	} else {
		t, err := ReadTicket(currentPath)
		if err != nil {
			var lintErr *cerrors.LintError
			if errors.As(err, &lintErr) {
				return e.pause(workspaceRoot, state, fmt.Sprintf("Ticket frontmatter invalid for %s:\n- %s", SafeRelpath(currentPath, workspaceRoot), strings.Join(lintErr.Problems, "\n- ")), false), nil
			}
			return flow.StepOutcome{}, fmt.Errorf("ticket: read ticket: %w", err)
		}
		fm = t.Frontmatter
		body = t.Body
	}

	if fm.Agent == AgentPauseSentinel {
		if fm.Done {
			return flow.ContinueTo(mustMarshal(state), StepName), nil
		}
		return e.pause(workspaceRoot, state, fmt.Sprintf("Paused for user input. Mark ticket as done when ready: %s", SafeRelpath(currentPath, workspaceRoot)), false), nil
	}

	replySeq := state.ReplySeq
	replyContext, replyMaxSeq := buildReplyContext(replyPaths, workspaceRoot, replySeq)

	prompt := buildPrompt(promptInput{
		WorkspaceRoot:   workspaceRoot,
		TicketPath:      currentPath,
		TicketBody:      body,
		Frontmatter:     fm,
		LastAgentOutput: state.LastAgentOutput,
		OutboxPaths:     outboxPaths,
		LintErrors:      lintErrors,
		ReplyContext:    replyContext,
	})

	req := AgentTurnRequest{
		AgentID:        fm.Agent,
		Prompt:         prompt,
		WorkspaceRoot:  workspaceRoot,
		ConversationID: reuseConversationID,
		ApprovalPolicy: fm.ApprovalPolicy,
		SandboxPolicy:  fm.SandboxPolicy,
	}

	state.TotalTurns++
	state.TicketTurns++

	result, turnErr := e.Pool.RunTurn(ctx, req)
	if turnErr != nil {
		return e.pause(workspaceRoot, state, fmt.Sprintf("Agent turn failed; fix the underlying issue and resume.\nError: %s", turnErr), true), nil
	}
	if result.Error != "" {
		state.LastAgentOutput = result.Text
		state.LastAgentID = result.AgentID
		state.LastAgentConversationID = result.ConversationID
		state.LastAgentTurnID = result.TurnID
		return e.pause(workspaceRoot, state, fmt.Sprintf("Agent turn failed; fix the underlying issue and resume.\nError: %s", result.Error), true), nil
	}

	if replyMaxSeq > replySeq {
		state.ReplySeq = replyMaxSeq
	}
	state.LastAgentOutput = result.Text
	state.LastAgentID = result.AgentID
	state.LastAgentConversationID = result.ConversationID
	state.LastAgentTurnID = result.TurnID

	ticketID := strings.TrimSuffix(filepath.Base(currentPath), filepath.Ext(currentPath))
	dispatchRecord, err := outbox.ArchiveDispatch(outboxPaths, state.OutboxSeq+1, ticketID)
	if err != nil {
		var lintErr *cerrors.LintError
		if errors.As(err, &lintErr) {
			return e.pause(workspaceRoot, state, fmt.Sprintf("Invalid DISPATCH.md frontmatter:\n- %s", strings.Join(lintErr.Problems, "\n- ")), false), nil
		}
		return flow.StepOutcome{}, fmt.Errorf("ticket: archive dispatch: %w", err)
	}
	if dispatchRecord != nil {
		state.OutboxSeq = dispatchRecord.Seq
	}

	updatedFm, fmErrs := ReadTicketFrontmatter(currentPath)
	if len(fmErrs) > 0 {
		lintRetries++
		if lintRetries > e.Config.MaxLintRetries {
			return e.pause(workspaceRoot, state, fmt.Sprintf("Ticket frontmatter is invalid after agent turn and exceeded lint retry limit.\nFix the ticket frontmatter manually and resume.\n\nErrors:\n- %s", strings.Join(fmErrs, "\n- ")), false), nil
		}
		state.Lint = &LintState{Errors: fmErrs, Retries: lintRetries, ConversationID: result.ConversationID}
		return flow.ContinueTo(mustMarshal(state), StepName), nil
	}
	state.Lint = nil

	checkpointErr := ""
	if e.Config.AutoCommit {
		msg := renderCheckpointMessage(e.Config.CheckpointMessageTemplate, runID, state.TotalTurns, fm.Agent)
		checkpointErr = checkpointGit(ctx, workspaceRoot, msg)
	}

	if dispatchRecord != nil && dispatchRecord.Dispatch.Mode == outbox.ModePause {
		reason := dispatchRecord.Dispatch.Title
		if reason == "" {
			reason = "Paused for user input."
		}
		if checkpointErr != "" {
			reason += fmt.Sprintf("\n\nNote: checkpoint commit failed: %s", checkpointErr)
			state.LastCheckpointError = checkpointErr
		} else {
			state.LastCheckpointError = ""
		}
		return e.pause(workspaceRoot, state, reason, false), nil
	}

	if updatedFm != nil && updatedFm.Done {
		state.CurrentTicket = ""
		state.TicketTurns = 0
		state.LastAgentOutput = ""
		state.Lint = nil
	}

	state.LastCheckpointError = checkpointErr

	return flow.ContinueTo(mustMarshal(state), StepName), nil
}

// pause records pause_context (reply watermark, repo fingerprint, and
// whether this was an infra/agent error) so the resume gate can decide
// later whether force=false resumes are allowed, then returns a Pause
// outcome with reason.
func (e *Engine) pause(workspaceRoot string, state State, reason string, isError bool) flow.StepOutcome {
	fp, err := fingerprint.Compute(workspaceRoot)
	if err != nil {
		fp = 0
	}
	state.PauseContext = &PauseContext{
		PausedReplySeq:  state.ReplySeq,
		RepoFingerprint: fp,
		IsErrorPause:    isError,
	}
	return flow.Pause(mustMarshal(state), reason)
}

func findNextTicket(ticketPaths []string) string {
	for _, p := range ticketPaths {
		if !TicketIsDone(p) {
			return p
		}
	}
	return ""
}

func renderCheckpointMessage(tmpl, runID string, turn int, agent string) string {
	msg := tmpl
	msg = strings.ReplaceAll(msg, "{{.RunID}}", runID)
	msg = strings.ReplaceAll(msg, "{{.Turn}}", fmt.Sprintf("%d", turn))
	msg = strings.ReplaceAll(msg, "{{.Agent}}", agent)
	return msg
}

func mustMarshal(state State) json.RawMessage {
	data, err := json.Marshal(state)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
