package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/runstream/reducer"
	"github.com/c360studio/runstream/run"
)

// EventSource pages a run's durable events after a seq cursor. The order and
// content must match the authoritative log; the HTTP client implements this
// against the events endpoint.
type EventSource interface {
	ListEventsAfterSeq(ctx context.Context, runID string, afterSeq int64, limit int) ([]*run.Event, error)
}

// RecoveryOptions tunes the cold-recovery poll loop.
type RecoveryOptions struct {
	// Interval between poll ticks.
	Interval time.Duration
	// Timeout bounds the whole recovery; past it a local run.error settles
	// the state so the UI never hangs on a stalled run.
	Timeout time.Duration
	// PageLimit is the event page size requested per fetch.
	PageLimit int
	// GapRetries bounds consecutive re-fetches when a page opens past the
	// cursor before the tick gives up until the next interval.
	GapRetries int
}

func (o RecoveryOptions) withDefaults() RecoveryOptions {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	if o.PageLimit <= 0 {
		o.PageLimit = 100
	}
	if o.GapRetries <= 0 {
		o.GapRetries = 5
	}
	return o
}

// Recovery replays a run's durable log through the reducer when no live
// connection exists, polling from the last-seen seq until the run settles.
type Recovery struct {
	src    EventSource
	opts   RecoveryOptions
	logger *slog.Logger
}

// NewRecovery creates a recovery poller over the given event source.
func NewRecovery(src EventSource, opts RecoveryOptions, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{src: src, opts: opts.withDefaults(), logger: logger}
}

// Resume polls the log from state.LastSeq, applying every event in order
// through the reducer and invoking onState after each page, until the run
// reaches a terminal status. Ticks are processed inline, so a slow page
// simply absorbs subsequent ticks — at most one fetch is in flight. On
// overall timeout a local run.error is synthesized and the state settles
// exactly once. The returned state is always terminal unless ctx is
// canceled first.
func (r *Recovery) Resume(ctx context.Context, state *reducer.RunState, onState func(*reducer.RunState)) (*reducer.RunState, error) {
	if state == nil || state.RunID == "" {
		return nil, fmt.Errorf("recovery: state with a run id is required")
	}
	if onState == nil {
		onState = func(*reducer.RunState) {}
	}
	if state.Terminal() {
		return state, nil
	}

	deadline := time.NewTimer(r.opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		next, err := r.poll(ctx, state, onState)
		if err != nil {
			if ctx.Err() != nil {
				return state, ctx.Err()
			}
			// Transient fetch failures just wait for the next tick; the
			// overall timeout still bounds total silence.
			r.logger.Warn("Recovery poll failed", "run_id", state.RunID, "error", err)
		} else {
			state = next
			if state.Terminal() {
				return state, nil
			}
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-deadline.C:
			r.logger.Warn("Recovery timed out, settling locally", "run_id", state.RunID)
			state = reducer.Apply(state, SynthesizeRunError(state.RunID, ErrorCodeStreamTimeout,
				"recovery timeout: run did not settle in time"))
			onState(state)
			return state, nil
		case <-ticker.C:
		}
	}
}

// poll drains every available page from the cursor. A page whose lead event
// sits more than one past the cursor is a windowing gap: it is discarded and
// re-fetched from the cursor until the gap closes, so no event is skipped.
func (r *Recovery) poll(ctx context.Context, state *reducer.RunState, onState func(*reducer.RunState)) (*reducer.RunState, error) {
	gapRetries := 0
	for {
		events, err := r.src.ListEventsAfterSeq(ctx, state.RunID, state.LastSeq, r.opts.PageLimit)
		if err != nil {
			return state, err
		}
		if len(events) == 0 {
			return state, nil
		}

		if events[0].Seq > state.LastSeq+1 {
			gapRetries++
			r.logger.Warn("Event page opened past cursor, re-fetching",
				"run_id", state.RunID, "cursor", state.LastSeq, "lead_seq", events[0].Seq)
			if gapRetries > r.opts.GapRetries {
				return state, fmt.Errorf("event gap after seq %d did not close", state.LastSeq)
			}
			continue
		}
		gapRetries = 0

		for _, ev := range events {
			if ev.Seq <= state.LastSeq {
				continue
			}
			state = reducer.Apply(state, ev)
		}
		onState(state)

		if state.Terminal() || len(events) < r.opts.PageLimit {
			return state, nil
		}
	}
}
