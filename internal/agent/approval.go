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
	"fmt"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// ApprovalKind distinguishes the two server-initiated approval methods the
// protocol defines.
type ApprovalKind string

const (
	ApprovalCommandExecution ApprovalKind = "item/commandExecution/requestApproval"
	ApprovalFileChange       ApprovalKind = "item/fileChange/requestApproval"
)

// ApprovalRequest is the server-initiated request a Handle forwards to an
// ApprovalHandler, stripped down to the fields a decision depends on.
type ApprovalRequest struct {
	Kind    ApprovalKind
	TurnID  string
	Command []string
	Files   []string
	Raw     map[string]any
}

// ApprovalDecision is either one of the three bare verdicts or a structured
// override payload the backend understands natively.
type ApprovalDecision struct {
	Verdict  string // "accept" | "decline" | "cancel"
	Override map[string]any
}

func (d ApprovalDecision) toResult() any {
	if d.Override != nil {
		return d.Override
	}
	return map[string]any{"decision": d.Verdict}
}

// ApprovalHandler decides server-initiated approval requests. The Handle
// calls Decide on a separate goroutine for each request, so a slow Decide
// never blocks the Handle's other pending requests; approvals that are
// pending at the same time are not answered in any fixed order.
type ApprovalHandler interface {
	Decide(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// UnattendedApprover only allows pre-approved tool/command names; anything
// else is an error, matching the teacher's unattended-mode approver.
type UnattendedApprover struct {
	autoApprove map[string]bool
}

// NewUnattendedApprover builds an approver for unattended runs from a set of
// pre-approved names (commands for ApprovalCommandExecution, or "*" to
// approve every request of any kind).
func NewUnattendedApprover(autoApprove map[string]bool) *UnattendedApprover {
	return &UnattendedApprover{autoApprove: autoApprove}
}

func (u *UnattendedApprover) Decide(_ context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	if u.autoApprove["*"] {
		return ApprovalDecision{Verdict: "accept"}, nil
	}
	for _, name := range req.Command {
		if u.autoApprove[name] {
			return ApprovalDecision{Verdict: "accept"}, nil
		}
	}
	return ApprovalDecision{}, fmt.Errorf("agent: approval required for %s but running unattended", req.Kind)
}

// CLIApprover prompts on the terminal via huh, remembering "always" choices
// per command/file-set signature for the rest of the run.
type CLIApprover struct {
	always map[string]bool
}

// NewCLIApprover builds a terminal-prompting approver. If stdin is not a
// terminal, Decide declines every request rather than hanging on a prompt
// nobody can see.
func NewCLIApprover() *CLIApprover {
	return &CLIApprover{always: make(map[string]bool)}
}

func (c *CLIApprover) Decide(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	key := approvalKey(req)
	if c.always[key] {
		return ApprovalDecision{Verdict: "accept"}, nil
	}
	if !term.IsTerminal(0) {
		return ApprovalDecision{Verdict: "decline"}, nil
	}

	description := describeApproval(req)
	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Agent requests approval").
				Description(description).
				Options(
					huh.NewOption("Accept", "accept"),
					huh.NewOption("Decline", "decline"),
					huh.NewOption("Cancel turn", "cancel"),
					huh.NewOption("Always accept this", "always"),
				).
				Value(&choice),
		),
	)
	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			return ApprovalDecision{Verdict: "cancel"}, nil
		}
		return ApprovalDecision{}, fmt.Errorf("agent: approval prompt: %w", err)
	}

	if choice == "always" {
		c.always[key] = true
		return ApprovalDecision{Verdict: "accept"}, nil
	}
	return ApprovalDecision{Verdict: choice}, nil
}

func approvalKey(req ApprovalRequest) string {
	if len(req.Command) > 0 {
		return fmt.Sprintf("cmd:%v", req.Command)
	}
	return fmt.Sprintf("files:%v", req.Files)
}

func describeApproval(req ApprovalRequest) string {
	switch req.Kind {
	case ApprovalCommandExecution:
		return fmt.Sprintf("Run command: %v", req.Command)
	case ApprovalFileChange:
		return fmt.Sprintf("Change files: %v", req.Files)
	default:
		return string(req.Kind)
	}
}
