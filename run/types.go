// Package run defines the durable data model for pipeline runs: the Run row
// itself, its Steps and per-attempt audit records, Checkpoints, and the
// append-only Event envelope with its typed payload union.
package run

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle status of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceling Status = "canceling"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status is final. Terminal statuses are
// immutable: no projection may move a run out of one.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle status of a single step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusCanceled  StepStatus = "canceled"
)

// Terminal reports whether the step status is final for its current attempt.
// A higher attempt number may still reset a terminal step (see Step).
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusCanceled:
		return true
	}
	return false
}

// ErrorCodeCanceled is the error code stamped on steps force-canceled when
// their run is canceled.
const ErrorCodeCanceled = "CANCELED"

// Run is the durable summary row for one pipeline execution. It is mutated
// exclusively by event projection; LastSeq is the per-run monotonic event
// counter and is only ever advanced inside the append transaction.
type Run struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	ProjectID  string `json:"project_id"`
	Workflow   string `json:"workflow"`
	TargetType string `json:"target_type,omitempty"`
	TargetID   string `json:"target_id,omitempty"`

	Status  Status `json:"status"`
	LastSeq int64  `json:"last_seq"`

	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
	QueuedAt          time.Time  `json:"queued_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// Step is the "current" projection row for one named stage of a run, keyed by
// (RunID, Key). Attempt numbers are monotonic; a higher attempt resets the
// row for a fresh retry.
type Step struct {
	RunID   string     `json:"run_id"`
	Key     string     `json:"key"`
	Title   string     `json:"title,omitempty"`
	Status  StepStatus `json:"status"`
	Attempt int        `json:"attempt"`

	Index int `json:"index"`
	Total int `json:"total"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// StepAttempt is the immutable-once-terminal audit record for one attempt of
// one step, keyed by (RunID, Key, Attempt). Unlike the Step row it is never
// reset: each retry gets its own row.
type StepAttempt struct {
	RunID   string     `json:"run_id"`
	Key     string     `json:"key"`
	Attempt int        `json:"attempt"`
	Status  StepStatus `json:"status"`

	Text      string          `json:"text,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	Usage     json.RawMessage `json:"usage,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// MaxCheckpointBytes is the hard ceiling on serialized checkpoint state.
// Oversized state fails the node attempt; it is never truncated.
const MaxCheckpointBytes = 64 * 1024

// Checkpoint is a durable snapshot of pipeline state recorded after a
// successful node attempt. Version is the attempt number that produced it.
// Checkpoints are written once and never mutated.
type Checkpoint struct {
	RunID     string          `json:"run_id"`
	NodeKey   string          `json:"node_key"`
	Version   int             `json:"version"`
	State     json.RawMessage `json:"state"`
	SizeBytes int             `json:"size_bytes"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewRunID generates a new unique run identifier.
func NewRunID() string {
	return "run_" + uuid.New().String()
}
