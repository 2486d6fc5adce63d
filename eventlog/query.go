package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/c360studio/runstream/run"
)

// Event page limits. Pages are size-capped so a recovery client cannot pull
// an unbounded chunk of log in one request.
const (
	DefaultEventPageLimit = 100
	MaxEventPageLimit     = 500
)

// ListEventsAfterSeq returns an ordered page of the run's events with seq
// strictly greater than afterSeq, after verifying the run belongs to
// ownerID. Limit is clamped to [1, MaxEventPageLimit]; zero means the
// default page size.
func (l *Log) ListEventsAfterSeq(ctx context.Context, ownerID, runID string, afterSeq int64, limit int) ([]*run.Event, error) {
	var owner string
	err := l.db.QueryRowContext(ctx, `SELECT owner_id FROM runs WHERE id = ?`, runID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != ownerID) {
		// Same answer whether the run is missing or foreign.
		return nil, fmt.Errorf("run %s: %w", runID, run.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("verify run ownership: %w", err)
	}

	if limit <= 0 {
		limit = DefaultEventPageLimit
	}
	if limit > MaxEventPageLimit {
		limit = MaxEventPageLimit
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, seq, type, step_key, attempt, lane, payload, created_at
		 FROM events WHERE run_id = ? AND seq > ?
		 ORDER BY seq ASC LIMIT ?`,
		runID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []*run.Event
	for rows.Next() {
		var ev run.Event
		var typ, lane string
		var payload sql.NullString
		if err := rows.Scan(&ev.RunID, &ev.Seq, &typ, &ev.StepKey, &ev.Attempt, &lane, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = run.EventType(typ)
		ev.Lane = run.Lane(lane)
		ev.Source = run.SourceServer
		if payload.Valid && payload.String != "" {
			ev.Payload = []byte(payload.String)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// FindActiveRuns lists the owner's non-terminal runs (queued, running,
// canceling) matching the workflow/target filter, most recent first. This is
// the discovery path a reloaded client uses to find a run it no longer holds
// a live connection to.
func (l *Log) FindActiveRuns(ctx context.Context, ownerID, workflow, targetType, targetID string) ([]*run.Run, error) {
	rows, err := l.db.QueryContext(ctx, selectRunSQL+`
		 WHERE owner_id = ? AND workflow = ? AND target_type = ? AND target_id = ?
		   AND status IN (?, ?, ?)
		 ORDER BY queued_at DESC`,
		ownerID, workflow, targetType, targetID,
		string(run.StatusQueued), string(run.StatusRunning), string(run.StatusCanceling),
	)
	if err != nil {
		return nil, fmt.Errorf("find active runs: %w", err)
	}
	defer rows.Close()
	return l.scanRuns(rows)
}

func (l *Log) scanRuns(rows *sql.Rows) ([]*run.Run, error) {
	var runs []*run.Run
	for rows.Next() {
		var r run.Run
		var status string
		var input, output sql.NullString
		var cancelAt, startedAt, finishedAt sql.NullTime
		if err := rows.Scan(
			&r.ID, &r.OwnerID, &r.ProjectID, &r.Workflow, &r.TargetType, &r.TargetID,
			&status, &r.LastSeq, &input, &output, &r.ErrorCode, &r.ErrorMessage,
			&cancelAt, &r.QueuedAt, &startedAt, &finishedAt,
		); err != nil {
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
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// ListSteps returns the run's current step rows in pipeline order.
func (l *Log) ListSteps(ctx context.Context, runID string) ([]*run.Step, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, step_key, title, status, attempt, step_index, step_total,
		        error_code, error_message, started_at, finished_at, updated_at
		 FROM steps WHERE run_id = ? ORDER BY step_index ASC, step_key ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps for run %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []*run.Step
	for rows.Next() {
		var s run.Step
		var status string
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(
			&s.RunID, &s.Key, &s.Title, &status, &s.Attempt, &s.Index, &s.Total,
			&s.ErrorCode, &s.ErrorMessage, &startedAt, &finishedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		s.Status = run.StepStatus(status)
		if startedAt.Valid {
			s.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			s.FinishedAt = &finishedAt.Time
		}
		steps = append(steps, &s)
	}
	return steps, rows.Err()
}

// ListStepAttempts returns every attempt audit row for one step, in attempt
// order.
func (l *Log) ListStepAttempts(ctx context.Context, runID, stepKey string) ([]*run.StepAttempt, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, step_key, attempt, status, text, reasoning, usage,
		        error_code, error_message, started_at, finished_at
		 FROM step_attempts WHERE run_id = ? AND step_key = ? ORDER BY attempt ASC`,
		runID, stepKey,
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts for step %s: %w", stepKey, err)
	}
	defer rows.Close()

	var attempts []*run.StepAttempt
	for rows.Next() {
		var a run.StepAttempt
		var status string
		var usage sql.NullString
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(
			&a.RunID, &a.Key, &a.Attempt, &status, &a.Text, &a.Reasoning, &usage,
			&a.ErrorCode, &a.ErrorMessage, &startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step attempt: %w", err)
		}
		a.Status = run.StepStatus(status)
		if usage.Valid && usage.String != "" {
			a.Usage = []byte(usage.String)
		}
		if startedAt.Valid {
			a.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			a.FinishedAt = &finishedAt.Time
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
