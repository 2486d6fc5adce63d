package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/runstream/reducer"
	"github.com/c360studio/runstream/run"
)

// HeartbeatEvent is the SSE event name for keep-alive frames; they reset the
// read budget and carry no run event.
const HeartbeatEvent = "heartbeat"

// LiveOptions tunes the inline stream consumer.
type LiveOptions struct {
	// Budget is the longest allowed silence between frames before the
	// stream is declared dead and a local timeout settles the state.
	Budget time.Duration
}

func (o LiveOptions) withDefaults() LiveOptions {
	if o.Budget <= 0 {
		o.Budget = 30 * time.Second
	}
	return o
}

type sseFrame struct {
	event string
	data  []byte
}

// ConsumeLive reads an inline SSE event stream, feeding each envelope through
// the reducer and invoking onState after each applied event. It returns when
// the run settles, the stream ends, the read budget lapses, or ctx is
// canceled. Once the run's identity is known — from the prior state or the
// first applied frame — every non-settled exit synthesizes a local terminal
// event first, so the caller ends on a terminal state. A stream that dies
// before any frame identifies the run has nothing to settle and returns the
// state unchanged.
func ConsumeLive(ctx context.Context, body io.Reader, state *reducer.RunState, opts LiveOptions, logger *slog.Logger, onState func(*reducer.RunState)) (*reducer.RunState, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if onState == nil {
		onState = func(*reducer.RunState) {}
	}
	opts = opts.withDefaults()

	frames := make(chan sseFrame)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go readFrames(body, frames, readErr, stop)

	budget := time.NewTimer(opts.Budget)
	defer budget.Stop()

	settle := func(code, message string) *reducer.RunState {
		runID := ""
		if state != nil {
			runID = state.RunID
		}
		if runID == "" {
			return state
		}
		if state.Terminal() {
			return state
		}
		state = reducer.Apply(state, SynthesizeRunError(runID, code, message))
		onState(state)
		return state
	}

	for {
		select {
		case <-ctx.Done():
			// An abort is not a failure: never overwrite a known terminal
			// result, and label the local settle as an abort.
			return settle(ErrorCodeAborted, "stream aborted"), ctx.Err()

		case <-budget.C:
			logger.Warn("Live stream read budget exhausted")
			return settle(ErrorCodeStreamTimeout, "stream timeout: no data received in time"), nil

		case err := <-readErr:
			if err != nil && err != io.EOF {
				logger.Warn("Live stream read failed", "error", err)
				return settle(ErrorCodeStreamTimeout, "stream read failed: "+err.Error()), nil
			}
			if state != nil && !state.Terminal() {
				return settle(ErrorCodeStreamTimeout, "stream ended before run settled (timeout)"), nil
			}
			return state, nil

		case frame := <-frames:
			if !budget.Stop() {
				select {
				case <-budget.C:
				default:
				}
			}
			budget.Reset(opts.Budget)

			if frame.event == HeartbeatEvent {
				continue
			}
			var ev run.Event
			if err := json.Unmarshal(frame.data, &ev); err != nil {
				logger.Warn("Dropping unparsable stream frame", "error", err)
				continue
			}
			state = reducer.Apply(state, &ev)
			onState(state)
			if state.Terminal() {
				return state, nil
			}
		}
	}
}

// readFrames parses SSE framing (event:/data: lines, blank-line dispatch)
// into frames until the reader ends or the consumer stops listening.
func readFrames(body io.Reader, frames chan<- sseFrame, done chan<- error, stop <-chan struct{}) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 || event != "" {
				select {
				case frames <- sseFrame{event: event, data: []byte(data.String())}:
				case <-stop:
					return
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		// id: and retry: fields are ignored; the envelope carries its own seq.
	}
	done <- scanner.Err()
}
