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

package errors

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "tool", "connector")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ProviderError represents LLM provider failures.
// Use this for errors originating from external LLM providers.
type ProviderError struct {
	// Provider is the name of the LLM provider (e.g., "anthropic", "openai")
	Provider string

	// Code is the provider-specific error code
	Code int

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Suggestion provides actionable guidance for resolution
	Suggestion string

	// RequestID correlates this error with provider logs
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)

	if e.Code > 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}

	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}

	msg = fmt.Sprintf("%s: %s", msg, e.Message)

	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}

	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "api_key", "database.host")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "LLM request", "workflow step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// LintError represents a ticket or dispatch frontmatter that does not parse
// or fails schema validation. The flow pauses with the Problems list intact
// so the offending file can be fixed by hand.
type LintError struct {
	// Path is the file that failed to lint.
	Path string

	// Problems is the machine-readable list of validation failures.
	Problems []string
}

// Error implements the error interface.
func (e *LintError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("lint failed on %s: %s", e.Path, strings.Join(e.Problems, "; "))
	}
	return fmt.Sprintf("lint failed: %s", strings.Join(e.Problems, "; "))
}

// BackendUnavailable means the supervisor could not spawn or initialize the
// agent subprocess. The flow pauses with the underlying reason and is
// retried automatically on ResumeFlow.
type BackendUnavailable struct {
	// BackendKind identifies the agent backend (e.g. "codex").
	BackendKind string

	// Reason is the human-readable cause (spawn failure, handshake error).
	Reason string

	// Cause is the underlying error.
	Cause error
}

func (e *BackendUnavailable) Error() string {
	return fmt.Sprintf("backend %s unavailable: %s", e.BackendKind, e.Reason)
}

func (e *BackendUnavailable) Unwrap() error {
	return e.Cause
}

// BackendDisconnected means the subprocess died mid-turn. The pending turn
// future fails with this error and the supervisor schedules a restart.
type BackendDisconnected struct {
	BackendKind string
	TurnID      string
	Cause       error
}

func (e *BackendDisconnected) Error() string {
	if e.TurnID != "" {
		return fmt.Sprintf("backend %s disconnected during turn %s", e.BackendKind, e.TurnID)
	}
	return fmt.Sprintf("backend %s disconnected", e.BackendKind)
}

func (e *BackendDisconnected) Unwrap() error {
	return e.Cause
}

// BackendResponseError wraps a JSON-RPC error response returned by the agent
// subprocess itself, mapped 1:1 into the pool result.
type BackendResponseError struct {
	Method  string
	Code    int
	Message string
	Data    any
}

func (e *BackendResponseError) Error() string {
	return fmt.Sprintf("backend error on %s: %s (code %d)", e.Method, e.Message, e.Code)
}

// TurnStalled means no progress arrived within the configured stall timeout.
// It is treated as a BackendDisconnected plus a recovery event.
type TurnStalled struct {
	TurnID  string
	Elapsed time.Duration
}

func (e *TurnStalled) Error() string {
	return fmt.Sprintf("turn %s stalled after %v", e.TurnID, e.Elapsed)
}

// ResumeBlocked means the resume gate rejected a resume attempt. It is
// surfaced to the caller and never written to the run.
type ResumeBlocked struct {
	RunID  string
	Reason string
}

func (e *ResumeBlocked) Error() string {
	return fmt.Sprintf("resume blocked for run %s: %s", e.RunID, e.Reason)
}

// WorkerMissing is recorded by the reconciler when a running run's worker
// sidecar proves the worker is no longer alive.
type WorkerMissing struct {
	RunID string
	PID   int
}

func (e *WorkerMissing) Error() string {
	return fmt.Sprintf("worker missing for run %s (pid %d)", e.RunID, e.PID)
}

// InternalError is the catch-all kind: anything unexpected that transitions
// a flow to failed with the wrapped message.
type InternalError struct {
	Message string
	Cause   error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("internal error: %s", e.Message)
}

func (e *InternalError) Unwrap() error {
	return e.Cause
}
