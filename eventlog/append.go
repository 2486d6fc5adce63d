package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/c360studio/runstream/run"
)

// AppendInput describes an event to append. Payload is the typed payload for
// the event type (run.RunErrorPayload, run.StepChunkPayload, ...); it is
// validated and marshaled at this boundary.
type AppendInput struct {
	RunID   string
	Type    run.EventType
	StepKey string
	Attempt int
	Lane    run.Lane
	Payload any
}

// Append atomically assigns the event's sequence number, inserts it, and
// projects it into the run/step summary rows. The three happen in one
// transaction: a projection failure rolls back the append.
func (l *Log) Append(ctx context.Context, in AppendInput) (*run.Event, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("append: unknown event type %q", in.Type)
	}
	if in.Type.StepEvent() && in.StepKey == "" {
		return nil, fmt.Errorf("append: %s requires a step key", in.Type)
	}

	payload, err := run.EncodePayload(in.Type, in.Payload)
	if err != nil {
		return nil, fmt.Errorf("append: %w", err)
	}

	now := l.now()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append: begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The seq bump doubles as the run existence check and, because it is a
	// write, as the per-run serialization point.
	res, err := tx.ExecContext(ctx, `UPDATE runs SET last_seq = last_seq + 1 WHERE id = ?`, in.RunID)
	if err != nil {
		return nil, fmt.Errorf("append: assign seq: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("append: assign seq: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("append to run %s: %w", in.RunID, run.ErrNotFound)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT last_seq FROM runs WHERE id = ?`, in.RunID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("append: read assigned seq: %w", err)
	}

	ev := &run.Event{
		RunID:     in.RunID,
		Seq:       seq,
		Type:      in.Type,
		StepKey:   in.StepKey,
		Attempt:   in.Attempt,
		Lane:      in.Lane,
		Payload:   payload,
		Source:    run.SourceServer,
		CreatedAt: now,
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, type, step_key, attempt, lane, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Seq, string(ev.Type), ev.StepKey, ev.Attempt, string(ev.Lane),
		nullableBytes(ev.Payload), ev.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("append: insert event: %w", err)
	}

	if err := l.project(ctx, tx, ev, now); err != nil {
		return nil, fmt.Errorf("append: project event %s seq %d: %w", ev.Type, ev.Seq, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append: commit: %w", err)
	}

	eventsAppendedTotal.WithLabelValues(string(ev.Type)).Inc()
	return ev, nil
}

// project applies one event to the summary rows inside the append
// transaction. It is a pure function of the current rows and the event.
func (l *Log) project(ctx context.Context, tx *sql.Tx, ev *run.Event, now time.Time) error {
	decoded, err := run.DecodePayload(ev)
	if err != nil {
		return err
	}

	switch p := decoded.(type) {
	case *run.RunStartPayload:
		return l.projectRunStart(ctx, tx, ev, now)
	case *run.RunCompletePayload:
		return l.projectRunComplete(ctx, tx, ev, p, now)
	case *run.RunErrorPayload:
		return l.projectRunError(ctx, tx, ev, p, now)
	case *run.RunCanceledPayload:
		return l.projectRunCanceled(ctx, tx, ev, now)
	case *run.StepStartPayload:
		return l.projectStepStart(ctx, tx, ev, p, now)
	case *run.StepChunkPayload:
		return l.projectStepChunk(ctx, tx, ev, p, now)
	case *run.StepCompletePayload:
		return l.projectStepComplete(ctx, tx, ev, p, now)
	case *run.StepErrorPayload:
		return l.projectStepError(ctx, tx, ev, p, now)
	}
	return fmt.Errorf("no projection for event type %s", ev.Type)
}

func (l *Log) projectRunStart(ctx context.Context, tx *sql.Tx, ev *run.Event, now time.Time) error {
	// Idempotent: a repeated run.start neither resets started_at nor
	// regresses a canceling/terminal run.
	_, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = COALESCE(started_at, ?)
		 WHERE id = ? AND status IN (?, ?)`,
		string(run.StatusRunning), now, ev.RunID,
		string(run.StatusQueued), string(run.StatusRunning),
	)
	return err
}

func (l *Log) projectRunComplete(ctx context.Context, tx *sql.Tx, ev *run.Event, p *run.RunCompletePayload, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, output = ?, finished_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(run.StatusCompleted), nullableBytes(p.Output), now, ev.RunID,
		string(run.StatusCompleted), string(run.StatusFailed), string(run.StatusCanceled),
	); err != nil {
		return err
	}
	return l.forceSteps(ctx, tx, ev.RunID, run.StepStatusCompleted, "", "", now)
}

func (l *Log) projectRunError(ctx context.Context, tx *sql.Tx, ev *run.Event, p *run.RunErrorPayload, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, error_code = ?, error_message = ?, finished_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(run.StatusFailed), p.Code, p.Message, now, ev.RunID,
		string(run.StatusCompleted), string(run.StatusFailed), string(run.StatusCanceled),
	); err != nil {
		return err
	}
	return l.forceSteps(ctx, tx, ev.RunID, run.StepStatusFailed, "", "", now)
}

func (l *Log) projectRunCanceled(ctx context.Context, tx *sql.Tx, ev *run.Event, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(run.StatusCanceled), now, ev.RunID,
		string(run.StatusCompleted), string(run.StatusFailed), string(run.StatusCanceled),
	); err != nil {
		return err
	}
	return l.forceSteps(ctx, tx, ev.RunID, run.StepStatusCanceled, run.ErrorCodeCanceled, "run canceled", now)
}

// forceSteps drives every non-terminal step of the run to the given terminal
// status so no step can read "processing" after its run has ended.
func (l *Log) forceSteps(ctx context.Context, tx *sql.Tx, runID string, status run.StepStatus, errCode, errMsg string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE steps SET status = ?,
		        error_code = CASE WHEN ? != '' THEN ? ELSE error_code END,
		        error_message = CASE WHEN ? != '' THEN ? ELSE error_message END,
		        finished_at = ?, updated_at = ?
		 WHERE run_id = ? AND status IN (?, ?)`,
		string(status), errCode, errCode, errMsg, errMsg, now, now, runID,
		string(run.StepStatusPending), string(run.StepStatusRunning),
	)
	return err
}

// promoteRun moves a still-queued run to running. Step events imply the run
// is live even if run.start was lost; an already-running or terminal run is
// never regressed.
func (l *Log) promoteRun(ctx context.Context, tx *sql.Tx, runID string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = COALESCE(started_at, ?)
		 WHERE id = ? AND status = ?`,
		string(run.StatusRunning), now, runID, string(run.StatusQueued),
	)
	return err
}

func (l *Log) projectStepStart(ctx context.Context, tx *sql.Tx, ev *run.Event, p *run.StepStartPayload, now time.Time) error {
	if err := l.promoteRun(ctx, tx, ev.RunID, now); err != nil {
		return err
	}

	key, attempt := run.ResolveStepKey(ev)

	// A step.start for a newer attempt resets the row; a stale one (lower
	// attempt) must not regress it.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO steps (run_id, step_key, title, status, attempt, step_index, step_total, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_key) DO UPDATE SET
		     title = CASE WHEN excluded.title != '' THEN excluded.title ELSE steps.title END,
		     status = excluded.status,
		     attempt = excluded.attempt,
		     step_index = excluded.step_index,
		     step_total = excluded.step_total,
		     started_at = COALESCE(steps.started_at, excluded.started_at),
		     finished_at = NULL,
		     error_code = '',
		     error_message = '',
		     updated_at = excluded.updated_at
		 WHERE excluded.attempt >= steps.attempt`,
		ev.RunID, key, p.Title, string(run.StepStatusRunning), attempt, p.Index, p.Total, now, now,
	); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO step_attempts (run_id, step_key, attempt, status, started_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_key, attempt) DO UPDATE SET status = excluded.status`,
		ev.RunID, key, attempt, string(run.StepStatusRunning), now,
	)
	return err
}

func (l *Log) projectStepChunk(ctx context.Context, tx *sql.Tx, ev *run.Event, p *run.StepChunkPayload, now time.Time) error {
	if err := l.promoteRun(ctx, tx, ev.RunID, now); err != nil {
		return err
	}

	key, attempt := run.ResolveStepKey(ev)

	// Keep a live step running; a chunk never regresses a terminal row here
	// (the reducer handles the reopen-on-late-chunk UI case).
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO steps (run_id, step_key, status, attempt, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_key) DO UPDATE SET
		     status = CASE WHEN steps.status IN (?, ?) THEN ? ELSE steps.status END,
		     attempt = MAX(steps.attempt, excluded.attempt),
		     updated_at = excluded.updated_at`,
		ev.RunID, key, string(run.StepStatusRunning), attempt, now, now,
		string(run.StepStatusPending), string(run.StepStatusRunning), string(run.StepStatusRunning),
	); err != nil {
		return err
	}

	textDelta, reasoningDelta := "", ""
	if ev.Lane == run.LaneReasoning {
		reasoningDelta = p.Delta
	} else {
		textDelta = p.Delta
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO step_attempts (run_id, step_key, attempt, status, text, reasoning, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_key, attempt) DO UPDATE SET
		     text = step_attempts.text || excluded.text,
		     reasoning = step_attempts.reasoning || excluded.reasoning`,
		ev.RunID, key, attempt, string(run.StepStatusRunning), textDelta, reasoningDelta, now,
	)
	return err
}

func (l *Log) projectStepComplete(ctx context.Context, tx *sql.Tx, ev *run.Event, p *run.StepCompletePayload, now time.Time) error {
	if err := l.promoteRun(ctx, tx, ev.RunID, now); err != nil {
		return err
	}

	key, attempt := run.ResolveStepKey(ev)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO steps (run_id, step_key, status, attempt, finished_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_key) DO UPDATE SET
		     status = excluded.status,
		     attempt = MAX(steps.attempt, excluded.attempt),
		     finished_at = excluded.finished_at,
		     updated_at = excluded.updated_at
		 WHERE excluded.attempt >= steps.attempt`,
		ev.RunID, key, string(run.StepStatusCompleted), attempt, now, now,
	); err != nil {
		return err
	}

	// The completion payload is authoritative, but never let a short final
	// text clobber longer accumulated streamed content.
	_, err := tx.ExecContext(ctx,
		`INSERT INTO step_attempts (run_id, step_key, attempt, status, text, reasoning, usage, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_key, attempt) DO UPDATE SET
		     status = excluded.status,
		     text = CASE WHEN LENGTH(excluded.text) >= LENGTH(step_attempts.text) THEN excluded.text ELSE step_attempts.text END,
		     reasoning = CASE WHEN LENGTH(excluded.reasoning) >= LENGTH(step_attempts.reasoning) THEN excluded.reasoning ELSE step_attempts.reasoning END,
		     usage = COALESCE(excluded.usage, step_attempts.usage),
		     finished_at = excluded.finished_at`,
		ev.RunID, key, attempt, string(run.StepStatusCompleted),
		p.Text, p.Reasoning, nullableBytes(p.Usage), now,
	)
	return err
}

func (l *Log) projectStepError(ctx context.Context, tx *sql.Tx, ev *run.Event, p *run.StepErrorPayload, now time.Time) error {
	if err := l.promoteRun(ctx, tx, ev.RunID, now); err != nil {
		return err
	}

	key, attempt := run.ResolveStepKey(ev)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO steps (run_id, step_key, status, attempt, error_code, error_message, finished_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_key) DO UPDATE SET
		     status = excluded.status,
		     attempt = MAX(steps.attempt, excluded.attempt),
		     error_code = excluded.error_code,
		     error_message = excluded.error_message,
		     finished_at = excluded.finished_at,
		     updated_at = excluded.updated_at
		 WHERE excluded.attempt >= steps.attempt`,
		ev.RunID, key, string(run.StepStatusFailed), attempt, p.Code, p.Message, now, now,
	); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO step_attempts (run_id, step_key, attempt, status, error_code, error_message, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_key, attempt) DO UPDATE SET
		     status = excluded.status,
		     error_code = excluded.error_code,
		     error_message = excluded.error_message,
		     finished_at = excluded.finished_at`,
		ev.RunID, key, attempt, string(run.StepStatusFailed), p.Code, p.Message, now,
	)
	return err
}
