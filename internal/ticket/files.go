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
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	cerrors "github.com/flowcar/car/pkg/errors"
)

// ticketNameRE accepts TICKET-###.md or TICKET-###<suffix>.md, case-insensitive.
var ticketNameRE = regexp.MustCompile(`(?i)^TICKET-(\d{3,})[^/]*\.md$`)

// ParseTicketIndex extracts the numeric index from a ticket filename, or
// -1 if name does not match the expected pattern.
func ParseTicketIndex(name string) int {
	m := ticketNameRE.FindStringSubmatch(name)
	if m == nil {
		return -1
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return idx
}

// ListTicketPaths returns every ticket file under ticketDir, sorted by
// filename-parsed index. Non-ticket files are silently skipped.
func ListTicketPaths(ticketDir string) ([]string, error) {
	entries, err := os.ReadDir(ticketDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	type indexed struct {
		idx  int
		path string
	}
	var tickets []indexed
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx := ParseTicketIndex(e.Name())
		if idx < 0 {
			continue
		}
		tickets = append(tickets, indexed{idx: idx, path: filepath.Join(ticketDir, e.Name())})
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].idx < tickets[j].idx })

	paths := make([]string, len(tickets))
	for i, t := range tickets {
		paths[i] = t.path
	}
	return paths, nil
}

// ReadTicket reads and lints a ticket file, returning a LintError (never a
// bare error) when its frontmatter fails validation.
func ReadTicket(path string) (*Ticket, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &cerrors.LintError{Path: path, Problems: []string{"failed to read ticket: " + err.Error()}}
	}
	idx := ParseTicketIndex(filepath.Base(path))
	if idx < 0 {
		return nil, &cerrors.LintError{Path: path, Problems: []string{"invalid ticket filename; expected TICKET-<number>[suffix].md"}}
	}

	data, body := splitFrontmatter(string(raw))
	fm, errs := LintTicketFrontmatter(data)
	if len(errs) > 0 {
		return nil, &cerrors.LintError{Path: path, Problems: errs}
	}
	return &Ticket{Path: path, Index: idx, Frontmatter: *fm, Body: body}, nil
}

// ReadTicketFrontmatter reads and lints only a ticket's frontmatter,
// skipping the (possibly large) body — used for the post-turn re-lint.
func ReadTicketFrontmatter(path string) (*Frontmatter, []string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, []string{"failed to read ticket: " + err.Error()}
	}
	data, _ := splitFrontmatter(string(raw))
	return LintTicketFrontmatter(data)
}

// TicketIsDone reports whether path's frontmatter parses and has done:
// true. Any lint failure reports false, matching the original's
// fail-closed behavior (an unparsable ticket is never silently skipped).
func TicketIsDone(path string) bool {
	fm, errs := ReadTicketFrontmatter(path)
	if len(errs) > 0 || fm == nil {
		return false
	}
	return fm.Done
}

// SafeRelpath returns path relative to root, falling back to path itself
// if it is not actually inside root.
func SafeRelpath(path, root string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
