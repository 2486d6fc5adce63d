// Package executor advances a run's pipeline nodes strictly sequentially
// against mutable shared state, with per-node retry, timeout, and durable
// checkpointing. It is a pure state-advancing loop: it never emits lifecycle
// events itself — wiring it to the event log is the caller's responsibility.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/c360studio/runstream/run"
)

// Backoff between retries: min(1s * 2^(attempt-1), 10s) plus up to 200ms of
// jitter, where attempt is the attempt that just failed.
const (
	backoffBase = time.Second
	backoffMax  = 10 * time.Second
	jitterMax   = 200 * time.Millisecond
)

// NodeContext is the execution context handed to a node for one attempt.
type NodeContext struct {
	RunID     string
	ProjectID string
	OwnerID   string
	NodeKey   string
	Attempt   int
	State     *State

	// EmitChunk, when set by the caller, lets the node stream incremental
	// output while it works. The executor itself never populates it.
	EmitChunk func(lane run.Lane, laneSeq int64, delta string)
}

// NodeResult is the partial state a successful node attempt returns; it is
// merged into the shared state before checkpointing.
type NodeResult struct {
	Output json.RawMessage
	Refs   map[string]string
	Meta   map[string]any
}

// NodeFunc executes one attempt of a node.
type NodeFunc func(ctx context.Context, nc NodeContext) (*NodeResult, error)

// Node is one stage of a pipeline graph.
type Node struct {
	Key   string
	Title string

	// MaxAttempts is the attempt budget for the node; values below 1 mean 1.
	MaxAttempts int

	// Timeout bounds a single attempt of the node's own execution; zero
	// means unbounded. Timeout failures go through the same retry logic as
	// any other failure.
	Timeout time.Duration

	Run NodeFunc
}

// StatusSource reports the current durable status of a run. Implementations
// return an error wrapping run.ErrNotFound when the run does not exist.
type StatusSource interface {
	RunStatus(ctx context.Context, runID string) (run.Status, error)
}

// CheckpointStore persists checkpoints after successful node attempts.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *run.Checkpoint) error
}

// Executor runs pipeline graphs. One instance advances one run's nodes at a
// time; distinct runs may use distinct instances in parallel.
type Executor struct {
	status      StatusSource
	checkpoints CheckpointStore
	logger      *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// New creates an executor backed by the given liveness source and checkpoint
// store.
func New(status StatusSource, checkpoints CheckpointStore, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		status:      status,
		checkpoints: checkpoints,
		logger:      logger,
		sleep:       sleepCtx,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(jitterMax)))
		},
	}
}

// ExecuteGraph runs the ordered node list against the initial state and
// returns the final state. It fails by propagating the first non-retryable
// error or a CancellationError. The input state is not mutated.
func (e *Executor) ExecuteGraph(ctx context.Context, r *run.Run, nodes []Node, initial *State) (*State, error) {
	state := initial.Clone()

	for _, node := range nodes {
		if node.Run == nil {
			return nil, NewFatalError(fmt.Errorf("node %s has no handler", node.Key))
		}
		maxAttempts := node.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = 1
		}

		for attempt := 1; ; attempt++ {
			// Liveness gate before every attempt. This is the only
			// cancellation mechanism: an attempt already in flight cannot be
			// preempted, only its result discarded.
			if err := e.checkLiveness(ctx, r.ID); err != nil {
				return nil, err
			}

			res, err := e.runAttempt(ctx, r, node, attempt, state)
			if err != nil {
				if IsRetryable(err) && attempt < maxAttempts {
					delay := backoffDelay(attempt) + e.jitter()
					e.logger.Warn("Node attempt failed, retrying",
						"run_id", r.ID,
						"node", node.Key,
						"attempt", attempt,
						"backoff", delay,
						"error", err,
					)
					if serr := e.sleep(ctx, delay); serr != nil {
						return nil, serr
					}
					continue
				}
				return nil, fmt.Errorf("node %s attempt %d: %w", node.Key, attempt, err)
			}

			state.Merge(res)

			data, err := state.MarshalLean(node.Key)
			if err != nil {
				return nil, err
			}
			cp := &run.Checkpoint{
				RunID:     r.ID,
				NodeKey:   node.Key,
				Version:   attempt,
				State:     data,
				SizeBytes: len(data),
				CreatedAt: time.Now().UTC(),
			}
			if err := e.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
				return nil, fmt.Errorf("persist checkpoint for node %s: %w", node.Key, err)
			}

			e.logger.Debug("Node completed",
				"run_id", r.ID,
				"node", node.Key,
				"attempt", attempt,
				"checkpoint_bytes", len(data),
			)
			break
		}
	}

	return state, nil
}

// checkLiveness fetches the run's current status and aborts with a
// CancellationError if the run is canceling, canceled, or gone.
func (e *Executor) checkLiveness(ctx context.Context, runID string) error {
	status, err := e.status.RunStatus(ctx, runID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			return &CancellationError{RunID: runID, Reason: "run no longer exists"}
		}
		return fmt.Errorf("check run liveness: %w", err)
	}
	if status == run.StatusCanceling || status == run.StatusCanceled {
		return &CancellationError{RunID: runID, Reason: fmt.Sprintf("run status is %s", status)}
	}
	return nil
}

// runAttempt executes one attempt of a node, bounding only the node's own
// execution with its timeout.
func (e *Executor) runAttempt(ctx context.Context, r *run.Run, node Node, attempt int, state *State) (*NodeResult, error) {
	nodeCtx := ctx
	var cancel context.CancelFunc
	if node.Timeout > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}

	res, err := node.Run(nodeCtx, NodeContext{
		RunID:     r.ID,
		ProjectID: r.ProjectID,
		OwnerID:   r.OwnerID,
		NodeKey:   node.Key,
		Attempt:   attempt,
		State:     state,
	})
	if err != nil {
		// A timeout of the node itself (parent still alive) is transient.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, NewRetryableError(fmt.Errorf("node %s timed out after %s", node.Key, node.Timeout))
		}
		return nil, err
	}
	return res, nil
}

// backoffDelay returns the base retry delay after the given failed attempt.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 4 {
		return backoffMax
	}
	d := backoffBase << shift
	if d > backoffMax {
		d = backoffMax
	}
	return d
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RemainingNodes returns the tail of nodes that still need to run given the
// node key of the last durable checkpoint. An empty or unknown key returns
// the full list, so a run with no checkpoints restarts from the top.
func RemainingNodes(nodes []Node, lastCheckpointed string) []Node {
	if lastCheckpointed == "" {
		return nodes
	}
	for i, n := range nodes {
		if n.Key == lastCheckpointed {
			return nodes[i+1:]
		}
	}
	return nodes
}
