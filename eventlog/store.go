// Package eventlog provides the durable, append-only per-run event log and
// its projection into queryable run/step summary rows, backed by SQLite.
//
// Sequence assignment, the event insert, and the projection all happen in one
// transaction: the append path is the sole write-serialization point for a
// run, so no two events for the same run can ever receive the same seq and a
// reader never observes an event whose seq exceeds the run's recorded
// last_seq.
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/c360studio/runstream/run"
)

// Log is the SQLite-backed event log and projection store.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the log database at path and runs schema
// migration. Use ":memory:" for an ephemeral store in tests.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows one writer at a time; funneling every connection through
	// a single handle turns busy errors into queueing instead.
	db.SetMaxOpenConns(1)

	l := &Log{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		workflow TEXT NOT NULL,
		target_type TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued',
		last_seq INTEGER NOT NULL DEFAULT 0,
		input TEXT,
		output TEXT,
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		cancel_requested_at TIMESTAMP,
		queued_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS events (
		run_id TEXT NOT NULL REFERENCES runs(id),
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		step_key TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 0,
		lane TEXT NOT NULL DEFAULT '',
		payload TEXT,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS steps (
		run_id TEXT NOT NULL REFERENCES runs(id),
		step_key TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		attempt INTEGER NOT NULL DEFAULT 1,
		step_index INTEGER NOT NULL DEFAULT 0,
		step_total INTEGER NOT NULL DEFAULT 0,
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, step_key)
	);

	CREATE TABLE IF NOT EXISTS step_attempts (
		run_id TEXT NOT NULL REFERENCES runs(id),
		step_key TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		text TEXT NOT NULL DEFAULT '',
		reasoning TEXT NOT NULL DEFAULT '',
		usage TEXT,
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		PRIMARY KEY (run_id, step_key, attempt)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id TEXT NOT NULL REFERENCES runs(id),
		node_key TEXT NOT NULL,
		version INTEGER NOT NULL,
		state TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, node_key, version)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_discovery
		ON runs(workflow, target_type, target_id, status);
	CREATE INDEX IF NOT EXISTS idx_runs_owner ON runs(owner_id);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, step_index);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// CreateRun inserts a new run row in status queued. A missing ID is filled
// in; QueuedAt defaults to now. All subsequent mutation of the row happens
// through event projection (plus the explicit cancel-request path).
func (l *Log) CreateRun(ctx context.Context, r *run.Run) error {
	if r.ID == "" {
		r.ID = run.NewRunID()
	}
	if r.OwnerID == "" || r.ProjectID == "" || r.Workflow == "" {
		return fmt.Errorf("create run: owner_id, project_id and workflow are required")
	}
	if r.Status == "" {
		r.Status = run.StatusQueued
	}
	if r.QueuedAt.IsZero() {
		r.QueuedAt = l.now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, owner_id, project_id, workflow, target_type, target_id, status, input, queued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.ProjectID, r.Workflow, r.TargetType, r.TargetID,
		string(r.Status), nullableBytes(r.Input), r.QueuedAt,
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", r.ID, err)
	}
	runsCreatedTotal.Inc()
	return nil
}

// GetRun fetches a run by ID.
func (l *Log) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return l.scanRun(l.db.QueryRowContext(ctx, selectRunSQL+` WHERE id = ?`, runID))
}

// GetRunOwned fetches a run by ID, scoped to its owner. A run that exists
// but belongs to someone else is indistinguishable from a missing one.
func (l *Log) GetRunOwned(ctx context.Context, ownerID, runID string) (*run.Run, error) {
	return l.scanRun(l.db.QueryRowContext(ctx, selectRunSQL+` WHERE id = ? AND owner_id = ?`, runID, ownerID))
}

// RunStatus returns the run's current status. It implements the executor's
// liveness source.
func (l *Log) RunStatus(ctx context.Context, runID string) (run.Status, error) {
	var status string
	err := l.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("run %s: %w", runID, run.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("fetch run status: %w", err)
	}
	return run.Status(status), nil
}

// RequestCancel marks an active run as canceling and stamps the request
// time. Terminal runs are returned unchanged; repeating the request is a
// no-op. The executor notices the status on its next liveness check.
func (l *Log) RequestCancel(ctx context.Context, ownerID, runID string) (*run.Run, error) {
	now := l.now()
	_, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, cancel_requested_at = COALESCE(cancel_requested_at, ?)
		 WHERE id = ? AND owner_id = ? AND status IN (?, ?)`,
		string(run.StatusCanceling), now, runID, ownerID,
		string(run.StatusQueued), string(run.StatusRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("request cancel for run %s: %w", runID, err)
	}
	return l.GetRunOwned(ctx, ownerID, runID)
}

const selectRunSQL = `
	SELECT id, owner_id, project_id, workflow, target_type, target_id,
	       status, last_seq, input, output, error_code, error_message,
	       cancel_requested_at, queued_at, started_at, finished_at
	FROM runs`

func (l *Log) scanRun(row *sql.Row) (*run.Run, error) {
	var r run.Run
	var status string
	var input, output sql.NullString
	var cancelAt, startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.OwnerID, &r.ProjectID, &r.Workflow, &r.TargetType, &r.TargetID,
		&status, &r.LastSeq, &input, &output, &r.ErrorCode, &r.ErrorMessage,
		&cancelAt, &r.QueuedAt, &startedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, run.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	r.Status = run.Status(status)
	if input.Valid && input.String != "" {
		r.Input = []byte(input.String)
	}
	if output.Valid && output.String != "" {
		r.Output = []byte(output.String)
	}
	if cancelAt.Valid {
		r.CancelRequestedAt = &cancelAt.Time
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return &r, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
