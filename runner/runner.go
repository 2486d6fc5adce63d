// Package runner drives a run end to end: it feeds the executor's pipeline
// loop and translates its progress into the durable event log via the
// publisher. The executor stays a pure state machine; every lifecycle event a
// consumer sees originates here.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/runstream/eventlog"
	"github.com/c360studio/runstream/executor"
	"github.com/c360studio/runstream/publisher"
	"github.com/c360studio/runstream/run"
)

// Error codes stamped on run.error events by execution outcome.
const (
	ErrorCodeExecution          = "EXECUTION_FAILED"
	ErrorCodeCheckpointTooLarge = "CHECKPOINT_TOO_LARGE"
	ErrorCodeNodeTransient      = "TRANSIENT"
	ErrorCodeNodeFatal          = "FATAL"
)

var runsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "runstream_runs_finished_total",
	Help: "Total runs driven to a terminal event, by outcome.",
}, []string{"outcome"})

// Runner executes runs against the durable log.
type Runner struct {
	log    *eventlog.Log
	pub    *publisher.Publisher
	exec   *executor.Executor
	logger *slog.Logger
}

// New creates a runner. The log serves as both the executor's liveness source
// and its checkpoint store, so cancellation marks and checkpoints share the
// one authoritative database.
func New(log *eventlog.Log, pub *publisher.Publisher, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		log:    log,
		pub:    pub,
		exec:   executor.New(log, log, logger),
		logger: logger,
	}
}

// Execute drives the run through the node pipeline and always leaves a
// terminal event in the log: run.complete on success, run.canceled when the
// liveness gate tripped, run.error otherwise. A fresh run emits run.start
// first; a run with checkpoints resumes after its last checkpointed node
// without re-emitting run.start.
func (r *Runner) Execute(ctx context.Context, rn *run.Run, nodes []executor.Node) error {
	initial := executor.NewState()
	pending := nodes
	total := len(nodes)

	cp, err := r.log.LatestCheckpoint(ctx, rn.ID)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(cp.State, initial); jerr != nil {
			return fmt.Errorf("execute run %s: corrupt checkpoint state: %w", rn.ID, jerr)
		}
		pending = executor.RemainingNodes(nodes, cp.NodeKey)
		r.logger.Info("Resuming run from checkpoint",
			"run_id", rn.ID, "node", cp.NodeKey, "remaining", len(pending))
	case errors.Is(err, run.ErrNotFound):
		if _, perr := r.pub.Publish(ctx, rn.ProjectID, eventlog.AppendInput{
			RunID:   rn.ID,
			Type:    run.EventRunStart,
			Payload: &run.RunStartPayload{Input: rn.Input},
		}); perr != nil {
			return fmt.Errorf("execute run %s: emit start: %w", rn.ID, perr)
		}
	default:
		return fmt.Errorf("execute run %s: load checkpoint: %w", rn.ID, err)
	}

	wrapped := make([]executor.Node, len(pending))
	for i, node := range pending {
		wrapped[i] = r.instrument(rn, node, indexOf(nodes, node.Key), total)
	}

	final, execErr := r.exec.ExecuteGraph(ctx, rn, wrapped, initial)
	return r.settle(ctx, rn, final, execErr)
}

func indexOf(nodes []executor.Node, key string) int {
	for i, n := range nodes {
		if n.Key == key {
			return i
		}
	}
	return 0
}

// instrument wraps a node so each attempt emits step.start, streams chunks,
// and closes with step.complete or step.error. The wrapper accumulates the
// streamed lanes per attempt so the step.complete payload carries the
// authoritative full text.
func (r *Runner) instrument(rn *run.Run, node executor.Node, index, total int) executor.Node {
	inner := node.Run
	node.Run = func(ctx context.Context, nc executor.NodeContext) (*executor.NodeResult, error) {
		if _, err := r.pub.Publish(ctx, rn.ProjectID, eventlog.AppendInput{
			RunID:   rn.ID,
			Type:    run.EventStepStart,
			StepKey: nc.NodeKey,
			Attempt: nc.Attempt,
			Payload: &run.StepStartPayload{Title: node.Title, Index: index, Total: total},
		}); err != nil {
			return nil, fmt.Errorf("emit step start for %s: %w", nc.NodeKey, err)
		}

		var mu sync.Mutex
		lanes := map[run.Lane]*strings.Builder{}
		nc.EmitChunk = func(lane run.Lane, laneSeq int64, delta string) {
			if lane == "" {
				lane = run.LaneText
			}
			mu.Lock()
			b, ok := lanes[lane]
			if !ok {
				b = &strings.Builder{}
				lanes[lane] = b
			}
			b.WriteString(delta)
			mu.Unlock()

			if _, err := r.pub.Publish(ctx, rn.ProjectID, eventlog.AppendInput{
				RunID:   rn.ID,
				Type:    run.EventStepChunk,
				StepKey: nc.NodeKey,
				Attempt: nc.Attempt,
				Lane:    lane,
				Payload: &run.StepChunkPayload{Seq: laneSeq, Delta: delta},
			}); err != nil {
				// A lost chunk shrinks the live preview; step.complete still
				// carries the full text.
				r.logger.Warn("Failed to append step chunk",
					"run_id", rn.ID, "node", nc.NodeKey, "lane", lane, "error", err)
			}
		}

		res, err := inner(ctx, nc)
		if err != nil {
			code := ErrorCodeNodeFatal
			if executor.IsRetryable(err) {
				code = ErrorCodeNodeTransient
			}
			if _, perr := r.pub.Publish(ctx, rn.ProjectID, eventlog.AppendInput{
				RunID:   rn.ID,
				Type:    run.EventStepError,
				StepKey: nc.NodeKey,
				Attempt: nc.Attempt,
				Payload: &run.StepErrorPayload{Code: code, Message: err.Error()},
			}); perr != nil {
				r.logger.Warn("Failed to append step error",
					"run_id", rn.ID, "node", nc.NodeKey, "error", perr)
			}
			return nil, err
		}

		mu.Lock()
		complete := &run.StepCompletePayload{
			Text:      laneText(lanes, run.LaneText),
			Reasoning: laneText(lanes, run.LaneReasoning),
		}
		mu.Unlock()
		if _, perr := r.pub.Publish(ctx, rn.ProjectID, eventlog.AppendInput{
			RunID:   rn.ID,
			Type:    run.EventStepComplete,
			StepKey: nc.NodeKey,
			Attempt: nc.Attempt,
			Payload: complete,
		}); perr != nil {
			return nil, fmt.Errorf("emit step complete for %s: %w", nc.NodeKey, perr)
		}
		return res, nil
	}
	return node
}

func laneText(lanes map[run.Lane]*strings.Builder, lane run.Lane) string {
	if b, ok := lanes[lane]; ok {
		return b.String()
	}
	return ""
}

// settle translates the executor outcome into exactly one terminal event.
// The terminal append is deliberately detached from ctx: a canceled context
// must not prevent the run from settling in the log.
func (r *Runner) settle(ctx context.Context, rn *run.Run, final *executor.State, execErr error) error {
	appendCtx := context.WithoutCancel(ctx)

	if execErr == nil {
		output, err := json.Marshal(final)
		if err != nil {
			output = nil
		}
		if _, perr := r.pub.Publish(appendCtx, rn.ProjectID, eventlog.AppendInput{
			RunID:   rn.ID,
			Type:    run.EventRunComplete,
			Payload: &run.RunCompletePayload{Output: output},
		}); perr != nil {
			return fmt.Errorf("settle run %s: emit complete: %w", rn.ID, perr)
		}
		runsFinishedTotal.WithLabelValues("completed").Inc()
		return nil
	}

	var cancelErr *executor.CancellationError
	if errors.As(execErr, &cancelErr) {
		if _, perr := r.pub.Publish(appendCtx, rn.ProjectID, eventlog.AppendInput{
			RunID:   rn.ID,
			Type:    run.EventRunCanceled,
			Payload: &run.RunCanceledPayload{Reason: cancelErr.Reason},
		}); perr != nil {
			// A vanished run has no log to settle into.
			if errors.Is(perr, run.ErrNotFound) {
				runsFinishedTotal.WithLabelValues("canceled").Inc()
				return execErr
			}
			return fmt.Errorf("settle run %s: emit canceled: %w", rn.ID, perr)
		}
		runsFinishedTotal.WithLabelValues("canceled").Inc()
		return execErr
	}

	code := ErrorCodeExecution
	var tooLarge *executor.CheckpointTooLargeError
	if errors.As(execErr, &tooLarge) {
		code = ErrorCodeCheckpointTooLarge
	}
	if _, perr := r.pub.Publish(appendCtx, rn.ProjectID, eventlog.AppendInput{
		RunID:   rn.ID,
		Type:    run.EventRunError,
		Payload: &run.RunErrorPayload{Code: code, Message: execErr.Error()},
	}); perr != nil {
		return fmt.Errorf("settle run %s: emit error: %w", rn.ID, perr)
	}
	runsFinishedTotal.WithLabelValues("failed").Inc()
	return execErr
}
