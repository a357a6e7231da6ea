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
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowcar/car/internal/lifecycle"
	cerrors "github.com/flowcar/car/pkg/errors"
	"github.com/flowcar/car/pkg/secrets"
)

const (
	restartBackoffInitial    = 500 * time.Millisecond
	restartBackoffMax        = 30 * time.Second
	restartBackoffJitterFrac = 0.1
)

// turnState accumulates one in-flight turn's notifications until
// turn/completed resolves it.
type turnState struct {
	agentMessages []string
	status        string
	done          chan struct{}
	err           error
}

// TurnOutcome is a completed (or interrupted) turn's accumulated result. A
// stalled turn yields a TurnStalled error from WaitForTurn instead.
type TurnOutcome struct {
	TurnID        string
	Status        string
	AgentMessages []string
}

// Handle owns exactly one backend subprocess for one (workspace, backend
// kind) pair: the wire connection, pending request bookkeeping, turn state,
// and the restart-on-disconnect loop. Grounded on the original
// CodexAppServerClient, generalized from Python asyncio primitives to
// goroutines/channels.
type Handle struct {
	BackendKind string

	command []string
	cwd     string
	env     []string
	logger  *slog.Logger
	masker  *secrets.Masker

	approvalHandler         ApprovalHandler
	notificationHandler     func(method string, params json.RawMessage)
	defaultApprovalDecision string
	autoRestart             bool
	requestTimeout          time.Duration
	turnStallTimeout        time.Duration

	mu          sync.Mutex
	cmd         *exec.Cmd
	conn        *conn
	nextID      int64
	pending     map[int64]chan rpcMessage
	turns       map[string]*turnState
	initialized bool
	closed      bool
	backoff     time.Duration

	closeCtx    context.Context
	closeCancel context.CancelFunc
	restarting  bool

	lastUsed time.Time
	boot     string
}

// touch records activity for idle-ttl pruning.
func (h *Handle) touch() {
	h.mu.Lock()
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// IdleSince reports how long it has been since the handle last served a
// request.
func (h *Handle) IdleSince() time.Duration {
	h.mu.Lock()
	last := h.lastUsed
	h.mu.Unlock()
	if last.IsZero() {
		return 0
	}
	return time.Since(last)
}

// HandleConfig configures one Handle at construction time.
type HandleConfig struct {
	BackendKind             string
	Command                 []string
	Cwd                      string
	Env                      []string
	ApprovalHandler          ApprovalHandler
	NotificationHandler      func(method string, params json.RawMessage)
	DefaultApprovalDecision  string
	AutoRestart              bool
	RequestTimeout           time.Duration
	TurnStallTimeout         time.Duration
	Logger                   *slog.Logger
}

// NewHandle constructs a Handle without spawning the subprocess; Start (or
// the first ThreadStart/ThreadResume/TurnStart call) spawns it lazily.
func NewHandle(cfg HandleConfig) *Handle {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	decision := cfg.DefaultApprovalDecision
	if decision == "" {
		decision = "cancel"
	}
	ctx, cancel := context.WithCancel(context.Background())
	masker := secrets.NewMasker()
	masker.AddSecretsFromEnv(envPairsToMap(cfg.Env))
	return &Handle{
		BackendKind:             cfg.BackendKind,
		command:                 cfg.Command,
		cwd:                     cfg.Cwd,
		env:                     cfg.Env,
		logger:                  logger,
		masker:                  masker,
		approvalHandler:         cfg.ApprovalHandler,
		notificationHandler:     cfg.NotificationHandler,
		defaultApprovalDecision: decision,
		autoRestart:             cfg.AutoRestart,
		requestTimeout:          cfg.RequestTimeout,
		turnStallTimeout:        cfg.TurnStallTimeout,
		pending:                 make(map[int64]chan rpcMessage),
		turns:                   make(map[string]*turnState),
		backoff:                 restartBackoffInitial,
		closeCtx:                ctx,
		closeCancel:             cancel,
	}
}

// Start ensures the subprocess is spawned and the initialize/initialized
// handshake has completed.
func (h *Handle) Start(ctx context.Context) error {
	return h.ensureProcess(ctx)
}

// Close terminates the subprocess (SIGTERM, 1s grace, SIGKILL) and fails any
// still-pending requests/turns.
func (h *Handle) Close() error {
	h.mu.Lock()
	h.closed = true
	cmd := h.cmd
	h.mu.Unlock()
	h.closeCancel()

	if cmd != nil && cmd.Process != nil {
		_ = lifecycle.GracefulShutdown(cmd.Process.Pid, time.Second, true)
	}
	h.failPending(&cerrors.BackendDisconnected{BackendKind: h.BackendKind, Cause: fmt.Errorf("handle closed")})
	return nil
}

func (h *Handle) ensureProcess(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return &cerrors.BackendUnavailable{BackendKind: h.BackendKind, Reason: "handle closed"}
	}
	if h.cmd != nil && h.initialized {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if err := h.spawn(ctx); err != nil {
		return &cerrors.BackendUnavailable{BackendKind: h.BackendKind, Reason: "spawn failed", Cause: err}
	}
	if err := h.handshake(ctx, true); err != nil {
		return &cerrors.BackendUnavailable{BackendKind: h.BackendKind, Reason: "handshake failed", Cause: err}
	}
	return nil
}

func (h *Handle) spawn(ctx context.Context) error {
	if len(h.command) == 0 {
		return fmt.Errorf("agent: empty command for backend %s", h.BackendKind)
	}
	// Plain exec.Command, not CommandContext(h.closeCtx): cancellation of
	// closeCtx must go through GracefulShutdown's SIGTERM-then-grace path in
	// Close, not an immediate SIGKILL from the context's own kill-on-cancel.
	cmd := exec.Command(h.command[0], h.command[1:]...)
	cmd.Dir = h.cwd
	cmd.Env = h.env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	h.mu.Lock()
	h.cmd = cmd
	h.conn = newConn(stdin, stdout)
	h.initialized = false
	h.boot = newCorrelationID()
	h.mu.Unlock()

	h.logger.Info("agent.spawned", slog.String("backend", h.BackendKind), slog.String("boot_id", h.bootID()), slog.Any("command", h.maskedCommand()), slog.String("cwd", h.cwd))

	go h.readLoop(cmd)
	return nil
}

// bootID is a per-spawn correlation id, logged with the agent.spawned and
// agent.initialized events so multiple restarts of the same backend can be
// told apart in aggregated logs.
func (h *Handle) bootID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.boot
}

// maskedCommand returns h.command with any known secret value (resolved
// into this handle's env at construction time) replaced by "***", so a
// backend that takes a credential as a CLI flag never leaks it to the log.
func (h *Handle) maskedCommand() []string {
	if h.masker == nil {
		return h.command
	}
	masked := make([]string, len(h.command))
	for i, arg := range h.command {
		masked[i] = h.masker.Mask(arg)
	}
	return masked
}

// envPairsToMap splits "KEY=VALUE" environment entries (as produced by
// os.Environ() and EnvBuilder) into a map for Masker.AddSecretsFromEnv.
func envPairsToMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, pair := range env {
		key, value, ok := strings.Cut(pair, "=")
		if ok {
			m[key] = value
		}
	}
	return m
}

func (h *Handle) handshake(ctx context.Context, includeVersion bool) error {
	clientInfo := map[string]any{"name": "car"}
	if includeVersion {
		clientInfo["version"] = "0.1.0"
	}
	if _, err := h.requestRaw(ctx, "initialize", map[string]any{"clientInfo": clientInfo}, h.requestTimeout); err != nil {
		if includeVersion {
			return h.handshake(ctx, false)
		}
		return err
	}
	if err := h.send(rpcMessage{Method: "initialized"}); err != nil {
		return err
	}
	h.mu.Lock()
	h.initialized = true
	h.backoff = restartBackoffInitial
	h.mu.Unlock()
	h.logger.Info("agent.initialized", slog.String("backend", h.BackendKind), slog.String("boot_id", h.bootID()))
	return nil
}

// ThreadStart starts a new conversation thread rooted at cwd.
func (h *Handle) ThreadStart(ctx context.Context, cwd string) (threadID string, err error) {
	if err := h.ensureProcess(ctx); err != nil {
		return "", err
	}
	result, err := h.requestRaw(ctx, "thread/start", map[string]any{"cwd": cwd}, h.requestTimeout)
	if err != nil {
		return "", err
	}
	return extractID(result, "threadId", "thread_id"), nil
}

// ThreadResume resumes an existing conversation thread.
func (h *Handle) ThreadResume(ctx context.Context, threadID string) (string, error) {
	if err := h.ensureProcess(ctx); err != nil {
		return "", err
	}
	result, err := h.requestRaw(ctx, "thread/resume", map[string]any{"threadId": threadID}, h.requestTimeout)
	if err != nil {
		return "", err
	}
	resumed := extractID(result, "threadId", "thread_id")
	if resumed == "" {
		resumed = threadID
	}
	return resumed, nil
}

// TurnStart starts a turn with free-text input and returns its turn id.
func (h *Handle) TurnStart(ctx context.Context, threadID, text, approvalPolicy string, sandboxPolicy any) (string, error) {
	if err := h.ensureProcess(ctx); err != nil {
		return "", err
	}
	params := map[string]any{
		"threadId": threadID,
		"input":    []map[string]any{{"type": "text", "text": text}},
	}
	if approvalPolicy != "" {
		params["approvalPolicy"] = approvalPolicy
	}
	if sandboxPolicy != nil {
		params["sandboxPolicy"] = normalizeSandboxPolicy(sandboxPolicy)
	}
	result, err := h.requestRaw(ctx, "turn/start", params, h.requestTimeout)
	if err != nil {
		return "", err
	}
	turnID := extractID(result, "turnId", "turn_id")
	if turnID == "" {
		return "", fmt.Errorf("agent: turn/start response missing turn id")
	}
	h.mu.Lock()
	h.ensureTurnStateLocked(turnID)
	h.mu.Unlock()
	if h.turnStallTimeout > 0 {
		go h.watchForStall(turnID)
	}
	return turnID, nil
}

// watchForStall marks a turn stalled and forces a subprocess restart if no
// turn/completed notification arrives within the configured timeout; a
// stalled process is assumed wedged, not merely slow.
func (h *Handle) watchForStall(turnID string) {
	timer := time.NewTimer(h.turnStallTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-h.closeCtx.Done():
		return
	}

	h.mu.Lock()
	state, ok := h.turns[turnID]
	if !ok {
		h.mu.Unlock()
		return
	}
	select {
	case <-state.done:
		h.mu.Unlock()
		return
	default:
	}
	state.status = "stalled"
	state.err = &cerrors.TurnStalled{TurnID: turnID, Elapsed: h.turnStallTimeout}
	close(state.done)
	h.mu.Unlock()

	h.logger.Warn("agent.turn.stalled", slog.String("backend", h.BackendKind), slog.String("turn_id", turnID))
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = lifecycle.GracefulShutdown(cmd.Process.Pid, time.Second, true)
	}
}

// TurnInterrupt cooperatively asks the backend to stop the given turn.
func (h *Handle) TurnInterrupt(ctx context.Context, turnID string) error {
	_, err := h.requestRaw(ctx, "turn/interrupt", map[string]any{"turnId": turnID}, h.requestTimeout)
	return err
}

// WaitForTurn blocks until turnID's turn/completed notification arrives (or
// ctx is done), returning the accumulated outcome.
func (h *Handle) WaitForTurn(ctx context.Context, turnID string) (TurnOutcome, error) {
	h.mu.Lock()
	state := h.ensureTurnStateLocked(turnID)
	h.mu.Unlock()

	select {
	case <-state.done:
	case <-ctx.Done():
		return TurnOutcome{}, ctx.Err()
	}

	h.mu.Lock()
	defer func() {
		delete(h.turns, turnID)
		h.mu.Unlock()
	}()
	if state.err != nil {
		return TurnOutcome{}, state.err
	}
	return TurnOutcome{TurnID: turnID, Status: state.status, AgentMessages: append([]string(nil), state.agentMessages...)}, nil
}

func (h *Handle) ensureTurnStateLocked(turnID string) *turnState {
	if s, ok := h.turns[turnID]; ok {
		return s
	}
	s := &turnState{done: make(chan struct{})}
	h.turns[turnID] = s
	return s
}

func (h *Handle) requestRaw(ctx context.Context, method string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	h.touch()
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	ch := make(chan rpcMessage, 1)
	h.pending[id] = ch
	h.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("agent: encode params: %w", err)
	}
	if err := h.send(rpcMessage{ID: &id, Method: method, Params: raw}); err != nil {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		return nil, err
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, &cerrors.BackendResponseError{Method: method, Code: msg.Error.Code, Message: msg.Error.Message, Data: errorData(msg.Error.Data)}
		}
		return msg.Result, nil
	case <-waitCtx.Done():
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		return nil, waitCtx.Err()
	}
}

func (h *Handle) send(msg rpcMessage) error {
	h.mu.Lock()
	c := h.conn
	h.mu.Unlock()
	if c == nil {
		return &cerrors.BackendUnavailable{BackendKind: h.BackendKind, Reason: "not started"}
	}
	return c.send(msg)
}

func (h *Handle) readLoop(cmd *exec.Cmd) {
	h.mu.Lock()
	c := h.conn
	h.mu.Unlock()

	for {
		msg, ok, err := c.readMessage()
		if err != nil {
			break
		}
		if !ok {
			continue
		}
		h.dispatch(msg)
	}
	_ = cmd.Wait()
	h.handleDisconnect()
}

func (h *Handle) dispatch(msg rpcMessage) {
	switch {
	case msg.isResponse():
		h.mu.Lock()
		ch, ok := h.pending[*msg.ID]
		delete(h.pending, *msg.ID)
		h.mu.Unlock()
		if ok {
			ch <- msg
		}
	case msg.isServerCall():
		go h.handleServerCall(msg)
	case msg.isNotification():
		h.handleNotification(msg)
	}
}

func (h *Handle) handleServerCall(msg rpcMessage) {
	switch msg.Method {
	case string(ApprovalCommandExecution), string(ApprovalFileChange):
		h.handleApproval(msg)
	default:
		_ = h.send(rpcMessage{ID: msg.ID, Error: &rpcError{Code: -32601, Message: "unsupported method: " + msg.Method}})
	}
}

func (h *Handle) handleApproval(msg rpcMessage) {
	var params map[string]any
	_ = json.Unmarshal(msg.Params, &params)

	req := ApprovalRequest{Kind: ApprovalKind(msg.Method), Raw: params}
	if tid, ok := params["turnId"].(string); ok {
		req.TurnID = tid
	}
	if cmdVal, ok := params["command"].([]any); ok {
		for _, c := range cmdVal {
			if s, ok := c.(string); ok {
				req.Command = append(req.Command, s)
			}
		}
	}
	if filesVal, ok := params["files"].([]any); ok {
		for _, f := range filesVal {
			if s, ok := f.(string); ok {
				req.Files = append(req.Files, s)
			}
		}
	}

	decision := ApprovalDecision{Verdict: h.defaultApprovalDecision}
	if h.approvalHandler != nil {
		d, err := h.approvalHandler.Decide(h.closeCtx, req)
		if err != nil {
			h.logger.Warn("agent.approval.failed", slog.String("method", msg.Method), slog.Any("error", err))
			_ = h.send(rpcMessage{ID: msg.ID, Error: &rpcError{Code: -32001, Message: "approval handler failed"}})
			return
		}
		decision = d
	}

	result, err := json.Marshal(decision.toResult())
	if err != nil {
		_ = h.send(rpcMessage{ID: msg.ID, Error: &rpcError{Code: -32000, Message: "encode decision failed"}})
		return
	}
	_ = h.send(rpcMessage{ID: msg.ID, Result: result})
}

func (h *Handle) handleNotification(msg rpcMessage) {
	var params map[string]any
	_ = json.Unmarshal(msg.Params, &params)

	switch msg.Method {
	case "item/completed":
		turnID := extractID(msg.Params, "turnId", "turn_id")
		if turnID == "" {
			break
		}
		h.mu.Lock()
		state := h.ensureTurnStateLocked(turnID)
		if item, ok := params["item"].(map[string]any); ok {
			if item["type"] == "agentMessage" {
				if text, ok := item["text"].(string); ok {
					state.agentMessages = append(state.agentMessages, text)
				}
			}
		}
		h.mu.Unlock()
	case "turn/completed":
		turnID := extractID(msg.Params, "turnId", "turn_id")
		if turnID == "" {
			break
		}
		h.mu.Lock()
		state := h.ensureTurnStateLocked(turnID)
		if status, ok := params["status"].(string); ok {
			state.status = status
		}
		select {
		case <-state.done:
		default:
			close(state.done)
		}
		h.mu.Unlock()
	}

	if h.notificationHandler != nil {
		h.notificationHandler(msg.Method, msg.Params)
	}
}

func (h *Handle) handleDisconnect() {
	h.mu.Lock()
	h.initialized = false
	closed := h.closed
	h.mu.Unlock()

	h.logger.Warn("agent.disconnected", slog.String("backend", h.BackendKind), slog.Bool("auto_restart", h.autoRestart))
	if !closed {
		h.failPending(&cerrors.BackendDisconnected{BackendKind: h.BackendKind})
	}
	if h.autoRestart && !closed {
		h.scheduleRestart()
	}
}

func (h *Handle) failPending(err error) {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[int64]chan rpcMessage)
	turns := h.turns
	h.turns = make(map[string]*turnState)
	h.mu.Unlock()

	for _, ch := range pending {
		ch <- rpcMessage{Error: &rpcError{Code: -32099, Message: err.Error()}}
	}
	for _, state := range turns {
		state.err = err
		select {
		case <-state.done:
		default:
			close(state.done)
		}
	}
}

func (h *Handle) scheduleRestart() {
	h.mu.Lock()
	if h.restarting {
		h.mu.Unlock()
		return
	}
	h.restarting = true
	delay := h.backoff
	h.mu.Unlock()

	jitter := time.Duration(float64(delay) * restartBackoffJitterFrac * (2*rand.Float64() - 1))
	go func() {
		select {
		case <-time.After(delay + jitter):
		case <-h.closeCtx.Done():
			h.mu.Lock()
			h.restarting = false
			h.mu.Unlock()
			return
		}

		h.mu.Lock()
		h.restarting = false
		closed := h.closed
		h.mu.Unlock()
		if closed {
			return
		}

		if err := h.ensureProcess(h.closeCtx); err != nil {
			h.mu.Lock()
			h.backoff = minDuration(maxDuration(h.backoff*2, restartBackoffInitial), restartBackoffMax)
			h.mu.Unlock()
			h.logger.Warn("agent.restart.failed", slog.String("backend", h.BackendKind), slog.Any("error", err))
			h.scheduleRestart()
			return
		}
		h.logger.Info("agent.restarted", slog.String("backend", h.BackendKind), slog.Duration("delay", delay))
	}()
}

func errorData(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func extractID(raw json.RawMessage, keys ...string) string {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	for _, k := range keys {
		if s, ok := payload[k].(string); ok {
			return s
		}
	}
	if s, ok := payload["id"].(string); ok {
		return s
	}
	return ""
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// newCorrelationID generates a correlation id for logging alongside each
// spawned subprocess.
func newCorrelationID() string { return uuid.NewString() }
