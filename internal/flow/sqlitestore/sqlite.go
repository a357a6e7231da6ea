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

// Package sqlitestore is the embedded SQLite implementation of flow.Store:
// one database file per repository, holding flow_run, flow_event, and
// step_execution.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowcar/car/internal/flow"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ flow.RunStore         = (*Store)(nil)
	_ flow.RunLister        = (*Store)(nil)
	_ flow.EventStore       = (*Store)(nil)
	_ flow.StatusEventStore = (*Store)(nil)
	_ flow.StepStore        = (*Store)(nil)
	_ flow.Store            = (*Store)(nil)
)

// ErrRunNotFound is returned by GetRun when no row matches the given id.
var ErrRunNotFound = errors.New("sqlitestore: run not found")

// Store is a SQLite-backed flow.Store. SQLite serializes writers, so only
// one connection is ever opened for writes; durability is configurable
// between WAL (fast, default) and a fully synchronous journal for callers
// that cannot tolerate losing the last few committed transactions across a
// host crash.
type Store struct {
	db *sql.DB
}

// Config configures a Store.
type Config struct {
	// Path is the SQLite database file path, typically
	// <repo>/.car/flow.db (the worker.store_path default).
	Path string

	// DurableWrites forces PRAGMA synchronous=FULL and disables WAL,
	// trading throughput for the strongest fsync guarantee after a crash.
	// Off by default (synchronous=NORMAL with WAL), matching the teacher's
	// single-node balance of performance and durability.
	DurableWrites bool
}

// Open opens (creating if absent) the SQLite file at cfg.Path and migrates
// its schema to the current version.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	// One writer per database file; modernc.org/sqlite does not multiplex
	// writes across connections any better than the C library does.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: connect: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.DurableWrites); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, durable bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
	}
	if durable {
		pragmas = append(pragmas, "PRAGMA journal_mode=DELETE", "PRAGMA synchronous=FULL")
	} else {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("exec %s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS flow_run (
			id TEXT PRIMARY KEY,
			flow_type TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT,
			input_data TEXT,
			state TEXT,
			metadata TEXT,
			error_message TEXT,
			stop_requested INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_run_status ON flow_run(status)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_run_flow_type ON flow_run(flow_type)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_run_created_at ON flow_run(created_at)`,
		`CREATE TABLE IF NOT EXISTS flow_event (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			ts TEXT NOT NULL,
			data TEXT,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES flow_run(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS step_execution (
			run_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			PRIMARY KEY (run_id, step_name, attempt),
			FOREIGN KEY (run_id) REFERENCES flow_run(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_execution_run_id ON step_execution(run_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new flow_run row in status pending.
func (s *Store) CreateRun(ctx context.Context, id, flowType string, input, metadata json.RawMessage) (*flow.FlowRun, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_run (id, flow_type, status, input_data, metadata, stop_requested, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		id, flowType, string(flow.StatusPending), nullJSON(input), nullJSON(metadata), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: create run: %w", err)
	}
	return s.GetRun(ctx, id)
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*flow.FlowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_type, status, current_step, input_data, state, metadata,
			error_message, stop_requested, created_at, started_at, finished_at
		FROM flow_run WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get run: %w", err)
	}
	return run, nil
}

// UpdateStatus applies a partial update to a run's mutable columns.
func (s *Store) UpdateStatus(ctx context.Context, id string, update flow.StatusUpdate) (*flow.FlowRun, error) {
	if err := s.applyStatusUpdate(ctx, s.db, id, update); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

// SetStopRequested flips the stop_requested flag a running step checks
// between invocations.
func (s *Store) SetStopRequested(ctx context.Context, id string, stop bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE flow_run SET stop_requested = ? WHERE id = ?`, boolToInt(stop), id)
	if err != nil {
		return fmt.Errorf("sqlitestore: set stop requested: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// ListRuns lists runs newest-first, optionally filtered.
func (s *Store) ListRuns(ctx context.Context, filter flow.RunFilter) ([]*flow.FlowRun, error) {
	query := `SELECT id, flow_type, status, current_step, input_data, state, metadata,
		error_message, stop_requested, created_at, started_at, finished_at
		FROM flow_run WHERE 1=1`
	var args []any
	if filter.FlowType != "" {
		query += " AND flow_type = ?"
		args = append(args, filter.FlowType)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*flow.FlowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendEvent appends one event to the run's log, returning its sequence
// number: one more than the run's highest existing seq (1 for its first
// event).
func (s *Store) AppendEvent(ctx context.Context, runID string, eventType flow.EventType, data json.RawMessage) (int64, error) {
	return s.appendEvent(ctx, s.db, runID, eventType, data)
}

func (s *Store) appendEvent(ctx context.Context, exec execer, runID string, eventType flow.EventType, data json.RawMessage) (int64, error) {
	var seq int64
	row := exec.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM flow_event WHERE run_id = ?`, runID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("sqlitestore: next seq: %w", err)
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO flow_event (run_id, seq, event_type, ts, data) VALUES (?, ?, ?, ?, ?)`,
		runID, seq, string(eventType), time.Now().UTC().Format(time.RFC3339Nano), nullJSON(data),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: append event: %w", err)
	}
	return seq, nil
}

// ListEvents returns a run's event log in sequence order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]*flow.FlowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, event_type, ts, data FROM flow_event WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list events: %w", err)
	}
	defer rows.Close()

	var events []*flow.FlowEvent
	for rows.Next() {
		var e flow.FlowEvent
		var ts string
		var data sql.NullString
		if err := rows.Scan(&e.RunID, &e.Seq, &e.EventType, &ts, &data); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}
		e.TS, _ = time.Parse(time.RFC3339Nano, ts)
		if data.Valid {
			e.Data = json.RawMessage(data.String)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// UpdateStatusAndAppendEvent commits a status transition and an event
// append as one transaction, so readers never observe one without the
// other.
func (s *Store) UpdateStatusAndAppendEvent(ctx context.Context, id string, update flow.StatusUpdate, eventType flow.EventType, data json.RawMessage) (*flow.FlowRun, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlitestore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.applyStatusUpdate(ctx, tx, id, update); err != nil {
		return nil, 0, err
	}
	seq, err := s.appendEvent(ctx, tx, id, eventType, data)
	if err != nil {
		return nil, 0, err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, flow_type, status, current_step, input_data, state, metadata,
			error_message, stop_requested, created_at, started_at, finished_at
		FROM flow_run WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlitestore: reread run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return run, seq, nil
}

// SaveStepExecution upserts one (run_id, step_name, attempt) record.
func (s *Store) SaveStepExecution(ctx context.Context, exec *flow.StepExecution) error {
	var finishedAt any
	if exec.FinishedAt != nil {
		finishedAt = exec.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_execution (run_id, step_name, attempt, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step_name, attempt) DO UPDATE SET
			status = excluded.status, error = excluded.error, finished_at = excluded.finished_at`,
		exec.RunID, exec.StepName, exec.Attempt, exec.Status, nullString(exec.Error),
		exec.StartedAt.UTC().Format(time.RFC3339Nano), finishedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: save step execution: %w", err)
	}
	return nil
}

// ListStepExecutions lists a run's step executions in start order.
func (s *Store) ListStepExecutions(ctx context.Context, runID string) ([]*flow.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_name, attempt, status, error, started_at, finished_at
		FROM step_execution WHERE run_id = ? ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list step executions: %w", err)
	}
	defer rows.Close()

	var execs []*flow.StepExecution
	for rows.Next() {
		var e flow.StepExecution
		var errStr sql.NullString
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&e.RunID, &e.StepName, &e.Attempt, &e.Status, &errStr, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan step execution: %w", err)
		}
		if errStr.Valid {
			e.Error = errStr.String
		}
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if finishedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
			e.FinishedAt = &t
		}
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

// applyStatusUpdate runs the UPDATE against either *sql.DB or *sql.Tx. A run
// already in a terminal status is rejected, and current_step is cleared
// whenever the new status is terminal.
func (s *Store) applyStatusUpdate(ctx context.Context, exec execer, id string, update flow.StatusUpdate) error {
	var current string
	if err := exec.QueryRowContext(ctx, `SELECT status FROM flow_run WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRunNotFound
		}
		return fmt.Errorf("sqlitestore: update status: %w", err)
	}
	if flow.Status(current).Terminal() {
		return fmt.Errorf("sqlitestore: run %s is %s; a terminal run cannot change status", id, current)
	}

	sets := []string{"status = ?"}
	args := []any{string(update.Status)}

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, nullJSON(update.State))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, *update.CurrentStep)
	} else if update.Status.Terminal() {
		sets = append(sets, "current_step = NULL")
	}
	if update.Error != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.UTC().Format(time.RFC3339Nano))
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, update.FinishedAt.UTC().Format(time.RFC3339Nano))
	}

	query := fmt.Sprintf("UPDATE flow_run SET %s WHERE id = ?", join(sets, ", "))
	args = append(args, id)

	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlitestore: update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*flow.FlowRun, error) {
	var run flow.FlowRun
	var currentStep, inputData, state, metadata, errorMessage sql.NullString
	var stopRequested int
	var createdAt string
	var startedAt, finishedAt sql.NullString

	err := row.Scan(
		&run.ID, &run.FlowType, &run.Status, &currentStep, &inputData, &state, &metadata,
		&errorMessage, &stopRequested, &createdAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if currentStep.Valid {
		run.CurrentStep = &currentStep.String
	}
	if inputData.Valid {
		run.InputData = json.RawMessage(inputData.String)
	}
	if state.Valid {
		run.State = json.RawMessage(state.String)
	}
	if metadata.Valid {
		run.Metadata = json.RawMessage(metadata.String)
	}
	if errorMessage.Valid {
		run.ErrorMessage = errorMessage.String
	}
	run.StopRequested = stopRequested != 0
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		run.FinishedAt = &t
	}
	return &run, nil
}

func nullJSON(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}
