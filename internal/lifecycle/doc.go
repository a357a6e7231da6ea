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

/*
Package lifecycle manages OS-process-level operations shared by the hub and
the per-run worker: liveness checks, signal delivery, graceful shutdown, and
detached process spawning. It has no knowledge of flows, tickets, or the
agent wire protocol — the worker sidecar (internal/worker) and the
supervisor (internal/agent) build on these primitives.

# Process Liveness

	if !lifecycle.IsProcessRunning(pid) {
	    // the worker that owned this run is gone
	}

IsWorkerProcess additionally checks the process command line so a reused PID
from an unrelated process is never mistaken for a car worker.

# Graceful Shutdown

	err := lifecycle.GracefulShutdown(pid, 5*time.Second, true)

Sends SIGTERM, waits, escalates to SIGKILL only if force is true and the
timeout elapses.

# Worker Spawning

Spawner starts a detached process, such as a car worker, in its own
session with output redirected to a log file:

	spawner := lifecycle.NewSpawner()
	pid, err := spawner.SpawnDetached("/path/to/car", args, logPath)
*/
package lifecycle
