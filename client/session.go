package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/runstream/reducer"
)

// ErrSessionBusy is returned when a live or recovery loop is already
// attached; the two paths are mutually exclusive per scope.
var ErrSessionBusy = errors.New("session already attached to a stream")

// SessionOptions configures a Session's scope and timing.
type SessionOptions struct {
	// Feature, ProjectID and Scope namespace the snapshot for this session.
	Feature   string
	ProjectID string
	Scope     string

	Live     LiveOptions
	Recovery RecoveryOptions

	// PruneGrace is how long a terminal snapshot lingers before deletion.
	PruneGrace time.Duration

	// Discovery rate-limits active-run probes; nil disables the gate.
	Discovery *Cooldown
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.PruneGrace <= 0 {
		o.PruneGrace = 5 * time.Minute
	}
	return o
}

// Session ties the consumption pieces together for one run scope: snapshot
// hydration, exactly one attached delivery path (live stream or recovery
// polling), optimistic cancellation, and terminal snapshot pruning. Both
// paths funnel through the same reducer and the same persisted snapshot.
type Session struct {
	api     *HTTPClient
	snaps   *Snapshots
	opts    SessionOptions
	logger  *slog.Logger
	onState func(*reducer.RunState)

	mu     sync.Mutex
	state  *reducer.RunState
	abort  context.CancelFunc
	active bool
	prune  *time.Timer
}

// NewSession creates a session. onState (optional) observes every state
// transition after it has been persisted.
func NewSession(api *HTTPClient, snaps *Snapshots, opts SessionOptions, logger *slog.Logger, onState func(*reducer.RunState)) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if onState == nil {
		onState = func(*reducer.RunState) {}
	}
	return &Session{
		api:     api,
		snaps:   snaps,
		opts:    opts.withDefaults(),
		logger:  logger,
		onState: onState,
	}
}

// State returns a copy of the current reduced state, or nil before hydration.
func (s *Session) State() *reducer.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// apply persists the new state, manages the prune timer, and notifies.
func (s *Session) apply(state *reducer.RunState) {
	s.mu.Lock()
	s.state = state
	if s.prune != nil {
		s.prune.Stop()
		s.prune = nil
	}
	if state != nil && state.Terminal() {
		s.prune = s.snaps.PruneAfter(s.opts.Feature, s.opts.ProjectID, s.opts.Scope, s.opts.PruneGrace)
	}
	s.mu.Unlock()

	if state != nil {
		if err := s.snaps.Save(s.opts.Feature, s.opts.ProjectID, s.opts.Scope, state); err != nil {
			s.logger.Warn("Failed to persist snapshot", "run_id", state.RunID, "error", err)
		}
	}
	s.onState(state)
}

// begin claims the single delivery-path slot, returning a derived context the
// transport runs under.
func (s *Session) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil, ErrSessionBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	s.active = true
	s.abort = cancel
	return ctx, nil
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abort != nil {
		s.abort()
		s.abort = nil
	}
	s.active = false
}

// Hydrate loads the scope's snapshot into the session. If the snapshot holds
// a still-active run, a recovery loop is started in the background so the
// state converges with the durable log. Returns the immediately available
// state (nil when no snapshot exists).
func (s *Session) Hydrate(ctx context.Context) (*reducer.RunState, error) {
	state, err := s.snaps.Load(s.opts.Feature, s.opts.ProjectID, s.opts.Scope)
	if errors.Is(err, ErrNoSnapshot) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.onState(state)

	if !state.Terminal() {
		if err := s.resumeAsync(ctx, state); err != nil && !errors.Is(err, ErrSessionBusy) {
			return state, err
		}
	}
	return state, nil
}

// Discover probes for an active run of the workflow and target owned by the
// caller, gated by the discovery cooldown. On a hit the session adopts the
// run and starts recovery. Returns true when a run was adopted.
func (s *Session) Discover(ctx context.Context, workflow, targetType, targetID string) (bool, error) {
	scope := workflow + "/" + targetType + "/" + targetID
	if !s.opts.Discovery.Allow(scope) {
		return false, nil
	}
	runs, err := s.api.DiscoverActive(ctx, workflow, targetType, targetID)
	if err != nil {
		return false, err
	}
	if len(runs) == 0 {
		return false, nil
	}
	// Most recently queued first, per the listing order.
	state := &reducer.RunState{RunID: runs[0].ID, Status: runs[0].Status}
	s.apply(state)
	s.opts.Discovery.Reset(scope)
	if err := s.resumeAsync(ctx, state); err != nil {
		return true, err
	}
	return true, nil
}

// Start submits the run and consumes its inline live stream until it
// settles. The returned state is terminal: the stream consumer synthesizes a
// local timeout or abort when the transport dies first.
func (s *Session) Start(ctx context.Context, in SubmitRequest) (*reducer.RunState, error) {
	ctx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer s.end()

	body, err := s.api.SubmitStreaming(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	defer body.Close()

	state, err := ConsumeLive(ctx, body, nil, s.opts.Live, s.logger, s.apply)
	if err != nil && !errors.Is(err, context.Canceled) {
		return state, err
	}
	return state, nil
}

// Resume attaches recovery polling for a known run id, blocking until the
// run settles or ctx is canceled.
func (s *Session) Resume(ctx context.Context, runID string) (*reducer.RunState, error) {
	ctx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer s.end()

	s.mu.Lock()
	state := s.state.Clone()
	s.mu.Unlock()
	if state == nil || state.RunID != runID {
		state = &reducer.RunState{RunID: runID}
	}

	rec := NewRecovery(s.api, s.opts.Recovery, s.logger)
	return rec.Resume(ctx, state, s.apply)
}

// resumeAsync runs Resume in the background; transport errors are logged,
// the overall recovery timeout guarantees the state settles regardless.
func (s *Session) resumeAsync(ctx context.Context, state *reducer.RunState) error {
	ctx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	runID := state.RunID
	go func() {
		defer s.end()

		s.mu.Lock()
		cur := s.state.Clone()
		s.mu.Unlock()
		if cur == nil || cur.RunID != runID {
			cur = &reducer.RunState{RunID: runID}
		}

		rec := NewRecovery(s.api, s.opts.Recovery, s.logger)
		if _, err := rec.Resume(ctx, cur, s.apply); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("Background recovery failed", "run_id", runID, "error", err)
		}
	}()
	return nil
}

// Cancel requests cooperative cancellation: a best-effort server call, an
// optimistic local run.canceled so the view settles immediately, then the
// attached transport is torn down. The server cancel failing does not block
// the local settle.
func (s *Session) Cancel(ctx context.Context, reason string) *reducer.RunState {
	s.mu.Lock()
	state := s.state.Clone()
	s.mu.Unlock()
	if state == nil || state.RunID == "" || state.Terminal() {
		return state
	}

	if _, err := s.api.CancelRun(ctx, state.RunID); err != nil {
		s.logger.Warn("Server cancel request failed", "run_id", state.RunID, "error", err)
	}

	next := reducer.Apply(state, SynthesizeRunCanceled(state.RunID, reason))
	s.apply(next)
	s.end()
	return next
}

// Close tears down any attached transport and pending timers without
// touching the persisted snapshot.
func (s *Session) Close() {
	s.end()
	s.mu.Lock()
	if s.prune != nil {
		s.prune.Stop()
		s.prune = nil
	}
	s.mu.Unlock()
}
