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

package worker

import (
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	bootIDOnce sync.Once
	bootID     string
)

// BootID returns a value that changes every time the host reboots, so a
// stale PID reused after a restart is never mistaken for the worker that
// originally registered it. On Linux this is the kernel's own boot id; on
// other platforms (or if unreadable) a process-lifetime-stable random id is
// generated once and cached, which is weaker but still distinguishes
// process restarts within a single host session.
func BootID() string {
	bootIDOnce.Do(func() {
		if data, err := os.ReadFile("/proc/sys/kernel/random/boot_id"); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				bootID = id
				return
			}
		}
		bootID = uuid.NewString()
	})
	return bootID
}
