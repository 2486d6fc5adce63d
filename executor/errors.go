package executor

import (
	"errors"
	"fmt"
)

// Error types for classifying node failures. Nodes (or the external error
// classifier wrapping their collaborators) return RetryableError for
// transient failures and FatalError for permanent ones; unwrapped errors are
// treated as fatal.

// RetryableError marks a transient node failure that may succeed on retry.
type RetryableError struct {
	err error
}

func (e *RetryableError) Error() string {
	return e.err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.err
}

// NewRetryableError wraps an error as retryable.
func NewRetryableError(err error) error {
	return &RetryableError{err: err}
}

// FatalError marks a permanent node failure that must not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// CancellationError aborts graph execution when the run is canceling,
// canceled, or no longer exists. It does not consume a retry attempt.
type CancellationError struct {
	RunID  string
	Reason string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("run %s canceled: %s", e.RunID, e.Reason)
}

// IsCancellation returns true if the error is a graph cancellation.
func IsCancellation(err error) bool {
	var c *CancellationError
	return errors.As(err, &c)
}

// CheckpointTooLargeError is returned when serialized checkpoint state
// exceeds the hard byte ceiling. It is fatal and never retried: truncating
// state silently would corrupt restart-from-checkpoint.
type CheckpointTooLargeError struct {
	NodeKey string
	Size    int
	Limit   int
}

func (e *CheckpointTooLargeError) Error() string {
	return fmt.Sprintf("checkpoint for node %s is %d bytes, exceeds limit of %d", e.NodeKey, e.Size, e.Limit)
}
