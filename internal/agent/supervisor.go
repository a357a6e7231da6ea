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
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	cerrors "github.com/flowcar/car/pkg/errors"
)

// BackendSpec describes how to spawn one backend kind's subprocess; the
// Supervisor fills in a per-workspace cwd and environment at handle
// construction time.
type BackendSpec struct {
	Kind                    string
	Command                 []string
	EnvBuilder              EnvBuilder
	ApprovalHandler         ApprovalHandler
	DefaultApprovalDecision string
	AutoRestart             bool
	RequestTimeout          time.Duration
	TurnStallTimeout        time.Duration
}

// SupervisorConfig sets when a Supervisor prunes handles. Once MaxHandles
// handles exist, Acquire runs PruneIdle before spawning another; handles not
// idle past IdleTTL are kept, so the count can exceed MaxHandles. IdleTTL is
// how long an unused handle is kept warm before PruneIdle closes it.
type SupervisorConfig struct {
	MaxHandles int
	IdleTTL    time.Duration
	Logger     *slog.Logger
}

// Supervisor owns one Handle per (workspace_root_canonical, backend_kind)
// tuple, spawning lazily and deduplicating concurrent first-use spawns with
// singleflight, mirroring the Python asyncio.Lock-guarded _ensure_handle.
type Supervisor struct {
	specs  map[string]BackendSpec
	cfg    SupervisorConfig
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	group   singleflight.Group
}

// NewSupervisor builds a Supervisor over the given registered backend specs,
// keyed by BackendSpec.Kind.
func NewSupervisor(specs []BackendSpec, cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	byKind := make(map[string]BackendSpec, len(specs))
	for _, s := range specs {
		byKind[s.Kind] = s
	}
	return &Supervisor{
		specs:   byKind,
		cfg:     cfg,
		logger:  logger,
		handles: make(map[string]*Handle),
	}
}

func handleKey(workspaceRoot, backendKind string) string {
	return filepath.Clean(workspaceRoot) + "\x00" + backendKind
}

// Acquire returns the live Handle for (workspaceRoot, backendKind), spawning
// and initializing it on first use. Concurrent callers racing for the same
// tuple collapse onto a single spawn.
func (s *Supervisor) Acquire(ctx context.Context, workspaceRoot, backendKind string) (*Handle, error) {
	spec, ok := s.specs[backendKind]
	if !ok {
		return nil, &cerrors.NotFoundError{Resource: "agent backend", ID: backendKind}
	}

	key := handleKey(workspaceRoot, backendKind)

	s.mu.Lock()
	if h, ok := s.handles[key]; ok {
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	result, err, _ := s.group.Do(key, func() (any, error) {
		s.mu.Lock()
		if h, ok := s.handles[key]; ok {
			s.mu.Unlock()
			return h, nil
		}
		s.mu.Unlock()

		if s.cfg.MaxHandles > 0 {
			s.mu.Lock()
			count := len(s.handles)
			s.mu.Unlock()
			if count >= s.cfg.MaxHandles {
				s.PruneIdle()
			}
		}

		env := []string{}
		if spec.EnvBuilder != nil {
			built, err := spec.EnvBuilder(workspaceRoot, backendKind, workspaceRoot)
			if err != nil {
				return nil, fmt.Errorf("agent: build environment for %s: %w", backendKind, err)
			}
			env = built
		}

		h := NewHandle(HandleConfig{
			BackendKind:             backendKind,
			Command:                 spec.Command,
			Cwd:                     workspaceRoot,
			Env:                     env,
			ApprovalHandler:         spec.ApprovalHandler,
			DefaultApprovalDecision: spec.DefaultApprovalDecision,
			AutoRestart:             spec.AutoRestart,
			RequestTimeout:          spec.RequestTimeout,
			TurnStallTimeout:        spec.TurnStallTimeout,
			Logger:                  s.logger.With(slog.String("workspace", workspaceRoot), slog.String("backend", backendKind)),
		})
		if err := h.Start(ctx); err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.handles[key] = h
		count := len(s.handles)
		s.mu.Unlock()
		s.logger.Info("agent.supervisor.handle_opened", slog.String("workspace", workspaceRoot), slog.String("backend", backendKind), slog.Int("handle_count", count))
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Handle), nil
}

// PruneIdle closes every handle whose last activity exceeds IdleTTL.
func (s *Supervisor) PruneIdle() {
	if s.cfg.IdleTTL <= 0 {
		return
	}
	s.mu.Lock()
	var stale []*Handle
	for key, h := range s.handles {
		if h.IdleSince() >= s.cfg.IdleTTL {
			stale = append(stale, h)
			delete(s.handles, key)
		}
	}
	s.mu.Unlock()

	for _, h := range stale {
		s.logger.Info("agent.supervisor.handle_pruned", slog.String("workspace", h.cwd), slog.String("backend", h.BackendKind))
		_ = h.Close()
	}
}

// Close terminates every handle the supervisor owns.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	return nil
}
