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

// Package worker implements the Worker Metadata Registry: a sidecar JSON
// file at <runs_dir>/<run_id>/.worker proving a run is actively owned by a
// live process. The reconciler (internal/reconciler) uses it to distinguish
// live workers from orphaned ones across process restarts and host reboots.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flowcar/car/internal/lifecycle"
)

// ErrAlreadyRegistered is returned when a .worker sidecar already exists and
// is held by a live, locked process.
var ErrAlreadyRegistered = errors.New("worker: run already has a live worker")

// Metadata is the sidecar content: {pid, boot_id, started_at}.
type Metadata struct {
	PID       int       `json:"pid"`
	BootID    string    `json:"boot_id"`
	StartedAt time.Time `json:"started_at"`
}

// Registry manages the .worker sidecar for one run directory.
//
// Registration uses the same race-free primitives the teacher's PID file
// manager used for the controller's own lockfile (O_CREATE opening + an
// exclusive flock held for the registering process's lifetime), generalized
// here to carry a JSON payload instead of a bare PID.
type Registry struct {
	path     string
	lockFile *os.File
}

// NewRegistry returns a Registry for the sidecar under runDir (".worker").
func NewRegistry(runDir string) *Registry {
	return &Registry{path: filepath.Join(runDir, ".worker")}
}

// Register writes {pid, bootID, now} to the sidecar and holds an exclusive
// advisory lock on it for the life of the calling process. If a sidecar
// already exists and its writer still holds the lock, registration fails
// with ErrAlreadyRegistered: another worker owns this run.
func (r *Registry) Register(pid int, bootID string) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("worker: create run dir: %w", err)
	}

	f, err := os.OpenFile(r.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("worker: open sidecar: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("worker: lock sidecar: %w", err)
	}

	meta := Metadata{PID: pid, BootID: bootID, StartedAt: time.Now().UTC()}
	data, err := json.Marshal(meta)
	if err != nil {
		f.Close()
		return fmt.Errorf("worker: encode sidecar: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return fmt.Errorf("worker: truncate sidecar: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		f.Close()
		return fmt.Errorf("worker: write sidecar: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("worker: sync sidecar: %w", err)
	}

	r.lockFile = f
	return nil
}

// Clear deletes the sidecar and releases the lock. Called on graceful
// worker shutdown; the reconciler treats absence as conclusive proof the
// run has no live owner.
func (r *Registry) Clear() error {
	if r.lockFile != nil {
		syscall.Flock(int(r.lockFile.Fd()), syscall.LOCK_UN)
		r.lockFile.Close()
		r.lockFile = nil
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("worker: remove sidecar: %w", err)
	}
	return nil
}

// Read loads the sidecar's current contents without taking ownership of it.
// Returns os.ErrNotExist (wrapped) if no sidecar is present.
func Read(runDir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(runDir, ".worker"))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("worker: decode sidecar: %w", err)
	}
	return &meta, nil
}

// Status reports whether a run's recorded worker is conclusively alive.
type Status struct {
	Alive   bool
	PID     int
	Message string
}

// Check inspects the .worker sidecar under runDir and reports liveness,
// comparing against the current boot id so a reused PID surviving a reboot
// is never mistaken for the original worker.
func Check(runDir, currentBootID string) (Status, error) {
	meta, err := Read(runDir)
	if err != nil {
		if os.IsNotExist(err) {
			return Status{Alive: false, Message: "no worker sidecar"}, nil
		}
		return Status{}, err
	}

	if meta.BootID != currentBootID {
		return Status{Alive: false, PID: meta.PID, Message: "boot id mismatch"}, nil
	}
	if !lifecycle.IsProcessRunning(meta.PID) {
		return Status{Alive: false, PID: meta.PID, Message: "pid not running"}, nil
	}
	return Status{Alive: true, PID: meta.PID}, nil
}
