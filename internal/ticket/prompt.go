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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flowcar/car/internal/outbox"
)

// pinnedDocs are workspace files appended verbatim to every prompt when
// present, so the agent always sees the project's own running notes.
var pinnedDocs = []string{
	"contextspace/active_context.md",
	"contextspace/decisions.md",
	"contextspace/spec.md",
}

// promptInput bundles everything buildPrompt needs to render one turn's
// prompt string.
type promptInput struct {
	WorkspaceRoot   string
	TicketPath      string
	TicketBody      string
	Frontmatter     Frontmatter
	LastAgentOutput string
	OutboxPaths     outbox.OutboxPaths
	LintErrors      []string
	ReplyContext    string
}

// buildPrompt renders the single prompt string sent to the agent for one
// turn: a fixed preamble describing the engine's contract, any lint errors
// the agent must fix, replies archived since the last turn, the verbatim
// ticket content, the previous turn's output (if the ticket is still open),
// and any pinned workspace docs.
func buildPrompt(in promptInput) string {
	relTicket := SafeRelpath(in.TicketPath, in.WorkspaceRoot)
	relDispatchDir := SafeRelpath(in.OutboxPaths.DispatchDir, in.WorkspaceRoot)
	relDispatchPath := SafeRelpath(in.OutboxPaths.DispatchPath, in.WorkspaceRoot)

	var b strings.Builder
	fmt.Fprintf(&b, "You are running inside the Car ticket-based autorunner.\n")
	fmt.Fprintf(&b, "Complete the current ticket by making changes in the repo and updating the ticket file.\n\n")
	b.WriteString("Key rules:\n")
	fmt.Fprintf(&b, "- Current ticket file: %s\n", relTicket)
	b.WriteString("- Ticket completion is controlled by YAML frontmatter: set 'done: true' when finished.\n")
	b.WriteString("- To message the user, optionally stage attachments first, then write DISPATCH.md last.\n")
	fmt.Fprintf(&b, "  - Staging directory: %s\n", relDispatchDir)
	fmt.Fprintf(&b, "  - DISPATCH.md path: %s\n", relDispatchPath)
	b.WriteString("  DISPATCH.md frontmatter supports: mode: notify|pause|turn_summary (pause halts the run).\n")
	b.WriteString("- Keep tickets minimal and avoid scope creep. Create new tickets only if blocking the current one.\n")

	if len(in.LintErrors) > 0 {
		b.WriteString("\n\nTicket frontmatter lint failed. Fix ONLY the ticket frontmatter to satisfy:\n")
		for _, e := range in.LintErrors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}

	if in.ReplyContext != "" {
		b.WriteString("\n\n---\n\nHUMAN REPLIES (from reply_history; new since last turn):\n")
		b.WriteString(in.ReplyContext)
		b.WriteString("\n")
	}

	b.WriteString("\n\n---\n\n")
	b.WriteString("TICKET CONTENT (edit this file to track progress; update frontmatter.done when complete):\n")
	fmt.Fprintf(&b, "PATH: %s\n\n", relTicket)
	b.WriteString(in.TicketBody)

	if in.LastAgentOutput != "" {
		b.WriteString("\n\n---\n\nPREVIOUS AGENT OUTPUT (same ticket):\n")
		b.WriteString(in.LastAgentOutput)
	}

	if pinned := renderPinnedDocs(in.WorkspaceRoot); pinned != "" {
		b.WriteString("\n\n---\n\nWORKSPACE NOTES:\n")
		b.WriteString(pinned)
	}

	return b.String()
}

func renderPinnedDocs(workspaceRoot string) string {
	var blocks []string
	for _, rel := range pinnedDocs {
		path := filepath.Join(workspaceRoot, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		blocks = append(blocks, fmt.Sprintf("[%s]\n%s", rel, strings.TrimRight(string(data), "\n")))
	}
	return strings.Join(blocks, "\n\n")
}

// buildReplyContext renders every reply archived since lastSeq into a
// prompt block, returning the rendered text and the highest sequence
// number seen (so the caller can advance state.reply_seq once the turn
// succeeds).
func buildReplyContext(paths outbox.ReplyPaths, workspaceRoot string, lastSeq int) (string, int) {
	records, err := outbox.ListArchivedReplies(paths, lastSeq)
	if err != nil || len(records) == 0 {
		return "", lastSeq
	}

	maxSeq := lastSeq
	var blocks []string
	for _, rec := range records {
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		var lines []string
		lines = append(lines, fmt.Sprintf("[USER_REPLY %04d]", rec.Seq))
		if rec.Reply.Body != "" {
			lines = append(lines, rec.Reply.Body)
		}
		if attachments := listReplyAttachments(rec.ArchivedDir, workspaceRoot); len(attachments) > 0 {
			lines = append(lines, "Attachments:\n- "+strings.Join(attachments, "\n- "))
		}
		blocks = append(blocks, strings.TrimSpace(strings.Join(lines, "\n")))
	}

	return strings.TrimSpace(strings.Join(blocks, "\n\n")), maxSeq
}

func listReplyAttachments(archivedDir, workspaceRoot string) []string {
	entries, err := os.ReadDir(archivedDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || e.Name() == "USER_REPLY.md" {
			continue
		}
		names = append(names, SafeRelpath(filepath.Join(archivedDir, e.Name()), workspaceRoot))
	}
	return names
}
