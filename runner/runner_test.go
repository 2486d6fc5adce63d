package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/runstream/eventlog"
	"github.com/c360studio/runstream/executor"
	"github.com/c360studio/runstream/publisher"
	"github.com/c360studio/runstream/run"
)

func newTestRunner(t *testing.T) (*Runner, *eventlog.Log) {
	t.Helper()
	log, err := eventlog.Open(filepath.Join(t.TempDir(), "runner.db"), nil)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	// Nil NATS connection: append-only, which is all these tests need.
	return New(log, publisher.New(log, nil, nil), nil), log
}

func newQueuedRun(t *testing.T, log *eventlog.Log) *run.Run {
	t.Helper()
	r := &run.Run{
		OwnerID:    "user_1",
		ProjectID:  "proj_1",
		Workflow:   "video-gen",
		TargetType: "scene",
		TargetID:   "scene_9",
		Input:      json.RawMessage(`{"prompt":"a quiet shore"}`),
	}
	if err := log.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return r
}

func eventTypes(t *testing.T, log *eventlog.Log, r *run.Run) []run.EventType {
	t.Helper()
	events, err := log.ListEventsAfterSeq(context.Background(), r.OwnerID, r.ID, 0, 500)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := make([]run.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestExecuteEmitsFullLifecycle(t *testing.T) {
	rnr, log := newTestRunner(t)
	r := newQueuedRun(t, log)

	nodes := []executor.Node{
		{
			Key:   "script",
			Title: "Write script",
			Run: func(ctx context.Context, nc executor.NodeContext) (*executor.NodeResult, error) {
				nc.EmitChunk(run.LaneText, 1, "Once ")
				nc.EmitChunk(run.LaneText, 2, "upon")
				return &executor.NodeResult{Refs: map[string]string{"script": "asset_1"}}, nil
			},
		},
		{
			Key:   "render",
			Title: "Render video",
			Run: func(ctx context.Context, nc executor.NodeContext) (*executor.NodeResult, error) {
				if nc.State.Refs["script"] != "asset_1" {
					return nil, executor.NewFatalError(fmt.Errorf("script ref missing"))
				}
				return &executor.NodeResult{Refs: map[string]string{"video": "asset_2"}}, nil
			},
		},
	}

	if err := rnr.Execute(context.Background(), r, nodes); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []run.EventType{
		run.EventRunStart,
		run.EventStepStart, run.EventStepChunk, run.EventStepChunk, run.EventStepComplete,
		run.EventStepStart, run.EventStepComplete,
		run.EventRunComplete,
	}
	got := eventTypes(t, log, r)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	final, err := log.GetRun(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Status != run.StatusCompleted {
		t.Fatalf("run status = %s, want completed", final.Status)
	}
	if len(final.Output) == 0 {
		t.Fatal("run output missing")
	}

	// The streamed lanes were folded into the step's final text.
	attempts, err := log.ListStepAttempts(context.Background(), r.ID, "script")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Text != "Once upon" {
		t.Fatalf("script attempts = %+v", attempts)
	}

	// One checkpoint per successful node.
	cp, err := log.LatestCheckpoint(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if cp.NodeKey != "render" || cp.Version != 1 {
		t.Fatalf("latest checkpoint = %s v%d", cp.NodeKey, cp.Version)
	}
}

func TestExecuteRetryEmitsStepErrorThenFreshAttempt(t *testing.T) {
	rnr, log := newTestRunner(t)
	r := newQueuedRun(t, log)

	calls := 0
	nodes := []executor.Node{{
		Key:         "flaky",
		MaxAttempts: 2,
		Run: func(ctx context.Context, nc executor.NodeContext) (*executor.NodeResult, error) {
			calls++
			if calls == 1 {
				return nil, executor.NewRetryableError(fmt.Errorf("upstream hiccup"))
			}
			return &executor.NodeResult{}, nil
		},
	}}

	if err := rnr.Execute(context.Background(), r, nodes); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []run.EventType{
		run.EventRunStart,
		run.EventStepStart, run.EventStepError,
		run.EventStepStart, run.EventStepComplete,
		run.EventRunComplete,
	}
	got := eventTypes(t, log, r)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	// Both attempts left audit rows; the step row reflects the second.
	attempts, err := log.ListStepAttempts(context.Background(), r.ID, "flaky")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	steps, err := log.ListSteps(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 || steps[0].Attempt != 2 || steps[0].Status != run.StepStatusCompleted {
		t.Fatalf("step = %+v", steps[0])
	}
}

func TestExecuteFatalFailureEmitsRunError(t *testing.T) {
	rnr, log := newTestRunner(t)
	r := newQueuedRun(t, log)

	nodes := []executor.Node{{
		Key: "doomed",
		Run: func(ctx context.Context, nc executor.NodeContext) (*executor.NodeResult, error) {
			return nil, executor.NewFatalError(fmt.Errorf("model rejected prompt"))
		},
	}}

	err := rnr.Execute(context.Background(), r, nodes)
	if err == nil {
		t.Fatal("Execute should propagate the node failure")
	}

	final, gerr := log.GetRun(context.Background(), r.ID)
	if gerr != nil {
		t.Fatalf("get run: %v", gerr)
	}
	if final.Status != run.StatusFailed {
		t.Fatalf("run status = %s, want failed", final.Status)
	}
	if final.ErrorCode != ErrorCodeExecution {
		t.Fatalf("error code = %q, want %q", final.ErrorCode, ErrorCodeExecution)
	}

	types := eventTypes(t, log, r)
	if types[len(types)-1] != run.EventRunError {
		t.Fatalf("last event = %s, want run.error", types[len(types)-1])
	}
}

func TestExecuteCancelRequestSettlesAsCanceled(t *testing.T) {
	rnr, log := newTestRunner(t)
	r := newQueuedRun(t, log)

	if _, err := log.RequestCancel(context.Background(), r.OwnerID, r.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	invoked := false
	nodes := []executor.Node{{
		Key: "never",
		Run: func(ctx context.Context, nc executor.NodeContext) (*executor.NodeResult, error) {
			invoked = true
			return &executor.NodeResult{}, nil
		},
	}}

	err := rnr.Execute(context.Background(), r, nodes)
	var cancelErr *executor.CancellationError
	if !errors.As(err, &cancelErr) {
		t.Fatalf("err = %v, want CancellationError", err)
	}
	if invoked {
		t.Fatal("node body must not run after a cancel request")
	}

	final, gerr := log.GetRun(context.Background(), r.ID)
	if gerr != nil {
		t.Fatalf("get run: %v", gerr)
	}
	if final.Status != run.StatusCanceled {
		t.Fatalf("run status = %s, want canceled", final.Status)
	}
}

func TestExecuteResumesFromCheckpoint(t *testing.T) {
	rnr, log := newTestRunner(t)
	r := newQueuedRun(t, log)

	// A prior process completed "script" and checkpointed its state.
	state := executor.NewState()
	state.Refs["script"] = "asset_1"
	data, err := state.MarshalLean("script")
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	if err := log.SaveCheckpoint(context.Background(), &run.Checkpoint{
		RunID:     r.ID,
		NodeKey:   "script",
		Version:   1,
		State:     data,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	scriptRan := false
	var seenRef string
	nodes := []executor.Node{
		{
			Key: "script",
			Run: func(ctx context.Context, nc executor.NodeContext) (*executor.NodeResult, error) {
				scriptRan = true
				return &executor.NodeResult{}, nil
			},
		},
		{
			Key: "render",
			Run: func(ctx context.Context, nc executor.NodeContext) (*executor.NodeResult, error) {
				seenRef = nc.State.Refs["script"]
				return &executor.NodeResult{}, nil
			},
		},
	}

	if err := rnr.Execute(context.Background(), r, nodes); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if scriptRan {
		t.Fatal("checkpointed node must not re-run")
	}
	if seenRef != "asset_1" {
		t.Fatalf("render saw ref %q, want the checkpointed value", seenRef)
	}

	// A resumed run re-emits no run.start; its first event is the next step.
	types := eventTypes(t, log, r)
	for _, typ := range types {
		if typ == run.EventRunStart {
			t.Fatal("resume must not emit a second run.start")
		}
	}
	if types[len(types)-1] != run.EventRunComplete {
		t.Fatalf("last event = %s, want run.complete", types[len(types)-1])
	}
}

func TestExecuteContextCanceledStillSettles(t *testing.T) {
	rnr, log := newTestRunner(t)
	r := newQueuedRun(t, log)

	ctx, cancel := context.WithCancel(context.Background())
	nodes := []executor.Node{{
		Key: "slow",
		Run: func(nctx context.Context, nc executor.NodeContext) (*executor.NodeResult, error) {
			cancel()
			return nil, executor.NewFatalError(fmt.Errorf("interrupted"))
		},
	}}

	if err := rnr.Execute(ctx, r, nodes); err == nil {
		t.Fatal("Execute should propagate the failure")
	}

	// Terminal append runs detached from the canceled context.
	final, err := log.GetRun(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !final.Status.Terminal() {
		t.Fatalf("run status = %s, want terminal", final.Status)
	}
}
