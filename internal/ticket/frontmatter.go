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
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// splitFrontmatter splits a markdown file's leading "---\n...\n---\n" YAML
// block from its body.
func splitFrontmatter(raw string) (map[string]any, string) {
	const delim = "---"
	trimmed := strings.TrimLeft(raw, "\n")
	if !strings.HasPrefix(trimmed, delim) {
		return map[string]any{}, raw
	}
	rest := trimmed[len(delim):]
	idx := strings.Index(rest, "\n"+delim)
	if idx < 0 {
		return map[string]any{}, raw
	}
	yamlBlock := rest[:idx]
	body := strings.TrimPrefix(rest[idx+len("\n"+delim):], "\n")

	var data map[string]any
	if err := yaml.Unmarshal([]byte(yamlBlock), &data); err != nil || data == nil {
		data = map[string]any{}
	}
	return data, body
}

// LintTicketFrontmatter validates and normalizes a ticket's frontmatter
// map. Required keys: agent (string, or "user"/"pause" sentinels) and done
// (bool). depends_on is explicitly rejected: ticket ordering comes from
// filename index only.
func LintTicketFrontmatter(data map[string]any) (*Frontmatter, []string) {
	var errs []string
	if len(data) == 0 {
		return nil, []string{"missing or invalid YAML frontmatter (expected a mapping)"}
	}

	if _, ok := data["depends_on"]; ok {
		errs = append(errs, "frontmatter.depends_on is no longer supported; order tickets by filename (TICKET-###)")
	}

	agent := asOptionalString(data["agent"])
	if agent == "" {
		errs = append(errs, "frontmatter.agent is required (e.g. 'codex' or 'opencode')")
	}

	var done bool
	doneRaw, hasDone := data["done"].(bool)
	if hasDone {
		done = doneRaw
	} else {
		errs = append(errs, "frontmatter.done is required and must be a boolean")
	}

	if len(errs) > 0 {
		return nil, errs
	}

	extra := make(map[string]any)
	for k, v := range data {
		switch k {
		case "agent", "done", "title", "goal", "model", "reasoning", "ticket_kind", "approval_policy", "sandbox_policy":
		default:
			extra[k] = v
		}
	}

	return &Frontmatter{
		Agent:          agent,
		Done:           done,
		Title:          asOptionalString(data["title"]),
		Goal:           asOptionalString(data["goal"]),
		Model:          asOptionalString(data["model"]),
		Reasoning:      asOptionalString(data["reasoning"]),
		TicketKind:     asOptionalString(data["ticket_kind"]),
		ApprovalPolicy: asOptionalString(data["approval_policy"]),
		SandboxPolicy:  data["sandbox_policy"],
		Extra:          extra,
	}, nil
}

func asOptionalString(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// LintTicketDirectory checks ticketDir for duplicate filename indices,
// which would otherwise make ticket ordering non-deterministic.
func LintTicketDirectory(ticketDir string) []string {
	byIndex := map[int][]string{}
	entries, err := os.ReadDir(ticketDir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx := ParseTicketIndex(e.Name())
		if idx < 0 {
			continue
		}
		byIndex[idx] = append(byIndex[idx], e.Name())
	}

	var errs []string
	for _, names := range byIndex {
		if len(names) > 1 {
			errs = append(errs, "duplicate ticket index: multiple files share the same index "+joinQuoted(names))
		}
	}
	return errs
}

func joinQuoted(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	return strings.Join(quoted, ", ")
}
