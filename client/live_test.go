package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/runstream/reducer"
	"github.com/c360studio/runstream/run"
)

func sseFrameFor(t *testing.T, ev *run.Event) string {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return fmt.Sprintf("event: message\nid: %d\ndata: %s\n\n", ev.Seq, data)
}

func TestConsumeLiveFullStream(t *testing.T) {
	runID := "run_live1"
	var b strings.Builder
	b.WriteString(sseFrameFor(t, mkEvent(t, runID, 1, run.EventRunStart, "", 0, "", nil)))
	b.WriteString("event: heartbeat\ndata: {}\n\n")
	b.WriteString(sseFrameFor(t, mkEvent(t, runID, 2, run.EventStepStart, "scene", 1, "", &run.StepStartPayload{Title: "Scene", Index: 0, Total: 1})))
	b.WriteString(sseFrameFor(t, mkEvent(t, runID, 3, run.EventStepChunk, "scene", 1, run.LaneText, &run.StepChunkPayload{Seq: 1, Delta: "hi"})))
	b.WriteString(sseFrameFor(t, mkEvent(t, runID, 4, run.EventStepComplete, "scene", 1, "", &run.StepCompletePayload{Text: "hi"})))
	b.WriteString(sseFrameFor(t, mkEvent(t, runID, 5, run.EventRunComplete, "", 0, "", &run.RunCompletePayload{Output: json.RawMessage(`{"ok":true}`)})))

	updates := 0
	state, err := ConsumeLive(context.Background(), strings.NewReader(b.String()), nil,
		LiveOptions{Budget: time.Second}, nil, func(*reducer.RunState) { updates++ })
	if err != nil {
		t.Fatalf("ConsumeLive: %v", err)
	}
	if state.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed", state.Status)
	}
	if state.LastSeq != 5 {
		t.Fatalf("LastSeq = %d, want 5", state.LastSeq)
	}
	if got := state.Steps["scene"].Text; got != "hi" {
		t.Fatalf("step text = %q", got)
	}
	// Five run events applied; the heartbeat frame must not reach the reducer.
	if updates != 5 {
		t.Fatalf("onState calls = %d, want 5", updates)
	}
}

func TestConsumeLiveBudgetExhaustedSynthesizesTimeout(t *testing.T) {
	runID := "run_live2"
	start := sseFrameFor(t, mkEvent(t, runID, 1, run.EventRunStart, "", 0, "", nil))
	pr, pw := io.Pipe()
	go func() {
		io.WriteString(pw, start)
		// Then silence: the writer never closes, simulating a dead proxy.
	}()
	defer pw.Close()

	state, err := ConsumeLive(context.Background(), pr, nil,
		LiveOptions{Budget: 30 * time.Millisecond}, nil, nil)
	if err != nil {
		t.Fatalf("ConsumeLive: %v", err)
	}
	if state.Status != run.StatusFailed {
		t.Fatalf("status = %s, want failed", state.Status)
	}
	if state.ErrorCode != ErrorCodeStreamTimeout {
		t.Fatalf("error code = %q", state.ErrorCode)
	}
	if !strings.Contains(state.ErrorMessage, "timeout") {
		t.Fatalf("error message %q does not mention timeout", state.ErrorMessage)
	}
	if state.LastSeq != 1 {
		t.Fatalf("LastSeq = %d, want 1 (local settle must not advance)", state.LastSeq)
	}
}

func TestConsumeLiveHeartbeatResetsBudget(t *testing.T) {
	runID := "run_live3"
	start := sseFrameFor(t, mkEvent(t, runID, 1, run.EventRunStart, "", 0, "", nil))
	complete := sseFrameFor(t, mkEvent(t, runID, 2, run.EventRunComplete, "", 0, "", &run.RunCompletePayload{}))
	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		io.WriteString(pw, start)
		// Keep the stream alive with heartbeats past several budget windows,
		// then settle for real.
		for i := 0; i < 4; i++ {
			time.Sleep(20 * time.Millisecond)
			io.WriteString(pw, "event: heartbeat\ndata: {}\n\n")
		}
		io.WriteString(pw, complete)
	}()

	state, err := ConsumeLive(context.Background(), pr, nil,
		LiveOptions{Budget: 50 * time.Millisecond}, nil, nil)
	if err != nil {
		t.Fatalf("ConsumeLive: %v", err)
	}
	if state.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed (heartbeats should keep the stream alive)", state.Status)
	}
}

func TestConsumeLiveEOFBeforeTerminalSettlesLocally(t *testing.T) {
	runID := "run_live4"
	body := sseFrameFor(t, mkEvent(t, runID, 1, run.EventRunStart, "", 0, "", nil))

	state, err := ConsumeLive(context.Background(), strings.NewReader(body), nil,
		LiveOptions{Budget: time.Second}, nil, nil)
	if err != nil {
		t.Fatalf("ConsumeLive: %v", err)
	}
	if state.Status != run.StatusFailed {
		t.Fatalf("status = %s, want failed", state.Status)
	}
	if !strings.Contains(state.ErrorMessage, "timeout") {
		t.Fatalf("error message %q does not mention timeout", state.ErrorMessage)
	}
}

func TestConsumeLiveNoFramesNothingToSettle(t *testing.T) {
	// The stream dies before any frame identifies the run: there is no run id
	// to synthesize a terminal event for, so the nil state comes back as-is.
	state, err := ConsumeLive(context.Background(), strings.NewReader(""), nil,
		LiveOptions{Budget: time.Second}, nil, nil)
	if err != nil {
		t.Fatalf("ConsumeLive: %v", err)
	}
	if state != nil {
		t.Fatalf("state = %+v, want nil", state)
	}
}

func TestConsumeLiveAbortKeepsTerminalResult(t *testing.T) {
	runID := "run_live5"
	body := sseFrameFor(t, mkEvent(t, runID, 1, run.EventRunStart, "", 0, "", nil)) +
		sseFrameFor(t, mkEvent(t, runID, 2, run.EventRunComplete, "", 0, "", &run.RunCompletePayload{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	state, err := ConsumeLive(ctx, strings.NewReader(body), nil,
		LiveOptions{Budget: time.Second}, nil, nil)
	if err != nil {
		t.Fatalf("ConsumeLive: %v", err)
	}
	// The terminal event arrived before any abort: the result stands.
	if state.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed", state.Status)
	}
}

func TestConsumeLiveDropsGarbageFrames(t *testing.T) {
	runID := "run_live6"
	body := "event: message\ndata: {not json\n\n" +
		sseFrameFor(t, mkEvent(t, runID, 1, run.EventRunStart, "", 0, "", nil)) +
		sseFrameFor(t, mkEvent(t, runID, 2, run.EventRunComplete, "", 0, "", &run.RunCompletePayload{}))

	state, err := ConsumeLive(context.Background(), strings.NewReader(body), nil,
		LiveOptions{Budget: time.Second}, nil, nil)
	if err != nil {
		t.Fatalf("ConsumeLive: %v", err)
	}
	if state.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed", state.Status)
	}
	if state.Applied != 2 {
		t.Fatalf("Applied = %d, want 2 (garbage frame dropped)", state.Applied)
	}
}
