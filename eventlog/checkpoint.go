package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/c360studio/runstream/run"
)

// SaveCheckpoint persists a checkpoint row. Checkpoints are write-once: a
// duplicate (run, node, version) is an error, and state over the byte
// ceiling is rejected here as well as in the executor — it must never be
// silently truncated.
func (l *Log) SaveCheckpoint(ctx context.Context, cp *run.Checkpoint) error {
	if len(cp.State) > run.MaxCheckpointBytes {
		return fmt.Errorf("checkpoint for node %s is %d bytes, exceeds limit of %d",
			cp.NodeKey, len(cp.State), run.MaxCheckpointBytes)
	}
	if cp.SizeBytes == 0 {
		cp.SizeBytes = len(cp.State)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = l.now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, node_key, version, state, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cp.RunID, cp.NodeKey, cp.Version, string(cp.State), cp.SizeBytes, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%s v%d: %w", cp.RunID, cp.NodeKey, cp.Version, err)
	}
	checkpointsSavedTotal.Inc()
	return nil
}

// LatestCheckpoint returns the most recently written checkpoint for the run,
// or run.ErrNotFound when the run has none. It is the restart point for
// node-by-node resumption.
func (l *Log) LatestCheckpoint(ctx context.Context, runID string) (*run.Checkpoint, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT run_id, node_key, version, state, size_bytes, created_at
		 FROM checkpoints WHERE run_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		runID,
	)

	var cp run.Checkpoint
	var state string
	err := row.Scan(&cp.RunID, &cp.NodeKey, &cp.Version, &state, &cp.SizeBytes, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no checkpoint for run %s: %w", runID, run.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint for run %s: %w", runID, err)
	}
	cp.State = []byte(state)
	return &cp, nil
}
