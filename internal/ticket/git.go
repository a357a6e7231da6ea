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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

func runGit(ctx context.Context, workspaceRoot string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workspaceRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.String(), nil
}

// checkpointGit creates a best-effort commit of the working tree when it has
// unstaged changes. A failure is returned as an error string rather than a
// Go error: the caller records it in state but never aborts the step on it.
func checkpointGit(ctx context.Context, workspaceRoot, message string) string {
	status, err := runGit(ctx, workspaceRoot, "status", "--porcelain")
	if err != nil {
		return err.Error()
	}
	if strings.TrimSpace(status) == "" {
		return ""
	}
	if _, err := runGit(ctx, workspaceRoot, "add", "-A"); err != nil {
		return err.Error()
	}
	if _, err := runGit(ctx, workspaceRoot, "commit", "-m", message); err != nil {
		return err.Error()
	}
	return ""
}
