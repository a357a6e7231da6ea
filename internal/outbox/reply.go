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
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// EnsureReplyDirs creates the reply and reply_history directories.
func EnsureReplyDirs(paths ReplyPaths) error {
	if err := os.MkdirAll(paths.ReplyDir, 0o755); err != nil {
		return fmt.Errorf("outbox: ensure reply dir: %w", err)
	}
	if err := os.MkdirAll(paths.ReplyHistoryDir, 0o755); err != nil {
		return fmt.Errorf("outbox: ensure reply history dir: %w", err)
	}
	return nil
}

// ParseReply reads a USER_REPLY.md file. Replies have no required
// front-matter mode, unlike dispatches; any YAML block present is carried
// through as Extra.
func ParseReply(path string) (*Reply, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("outbox: read reply file: %w", err)
	}
	data, body := splitFrontmatter(string(raw))
	return &Reply{Body: body, Extra: data}, nil
}

// NextReplySeq is the engine's bookkeeping helper: given the last-consumed
// reply_seq from flow state, returns the next sequence number an archived
// reply will receive. Numbering is allocated by the engine, never by
// scanning reply_history/.
func NextReplySeq(lastSeq int) int {
	return lastSeq + 1
}

// DispatchReply archives the current USER_REPLY.md staging file plus
// sibling attachments into reply_history/<seq:04d>/, symmetric to
// ArchiveDispatch. Returns (nil, nil) when no reply is staged.
func DispatchReply(paths ReplyPaths, seq int) (*ReplyRecord, error) {
	if _, err := os.Stat(paths.ReplyPath); os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("outbox: stat reply file: %w", err)
	}

	reply, err := ParseReply(paths.ReplyPath)
	if err != nil {
		return nil, err
	}

	items, err := listNonHidden(paths.ReplyDir)
	if err != nil {
		return nil, fmt.Errorf("outbox: list reply attachments: %w", err)
	}

	dest := filepath.Join(paths.ReplyHistoryDir, pad4(seq))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("outbox: create reply history dir: %w", err)
	}

	var archived []string
	msgDest := filepath.Join(dest, "USER_REPLY.md")
	if err := copyPath(paths.ReplyPath, msgDest); err != nil {
		return nil, fmt.Errorf("outbox: archive reply file: %w", err)
	}
	archived = append(archived, msgDest)

	for _, name := range items {
		itemDest := filepath.Join(dest, name)
		if err := copyPath(filepath.Join(paths.ReplyDir, name), itemDest); err != nil {
			return nil, fmt.Errorf("outbox: archive reply attachment %s: %w", name, err)
		}
		archived = append(archived, itemDest)
	}

	removePath(paths.ReplyPath)
	for _, name := range items {
		removePath(filepath.Join(paths.ReplyDir, name))
	}

	return &ReplyRecord{Seq: seq, Reply: *reply, ArchivedDir: dest, ArchivedFiles: archived}, nil
}

// ListArchivedReplies returns replies archived in reply_history/ with
// sequence number strictly greater than afterSeq, in ascending seq order —
// used to build the "replies since last consumption" block of the next
// prompt.
func ListArchivedReplies(paths ReplyPaths, afterSeq int) ([]*ReplyRecord, error) {
	entries, err := os.ReadDir(paths.ReplyHistoryDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: list reply history: %w", err)
	}

	var records []*ReplyRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		seq, err := strconv.Atoi(e.Name())
		if err != nil || seq <= afterSeq {
			continue
		}
		msgPath := filepath.Join(paths.ReplyHistoryDir, e.Name(), "USER_REPLY.md")
		reply, err := ParseReply(msgPath)
		if err != nil {
			continue
		}
		records = append(records, &ReplyRecord{Seq: seq, Reply: *reply, ArchivedDir: filepath.Join(paths.ReplyHistoryDir, e.Name())})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	return records, nil
}
