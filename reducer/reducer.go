// Package reducer folds an ordered run event stream into a client view-model.
// Apply is deterministic, total, and side-effect-free: the same events in the
// same order always produce the same state, whether they arrive over a live
// stream or a recovery poll, so both paths converge on identical state.
package reducer

import (
	"encoding/json"
	"time"

	"github.com/c360studio/runstream/run"
)

// StepView is the reduced view of one step, keyed by its canonical key.
type StepView struct {
	Key     string         `json:"key"`
	Title   string         `json:"title,omitempty"`
	Status  run.StepStatus `json:"status"`
	Attempt int            `json:"attempt"`
	Index   int            `json:"index"`
	Total   int            `json:"total"`

	Text      string `json:"text,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`

	// LaneSeqs tracks the last-applied chunk sequence per output lane, making
	// chunk application idempotent and reorder-tolerant.
	LaneSeqs map[run.Lane]int64 `json:"lane_seqs,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Touched is the apply counter value of the last event that hit this
	// step; it breaks active-step ties toward the most recently updated.
	Touched int64 `json:"touched"`
}

// RunState is the reduced view of a whole run. It is derived state only —
// never a source of truth — and safe to persist and rehydrate as-is.
type RunState struct {
	RunID  string     `json:"run_id"`
	Status run.Status `json:"status"`

	Steps map[string]*StepView `json:"steps"`
	// Order holds canonical step keys in first-seen order.
	Order []string `json:"order,omitempty"`

	ActiveStep string `json:"active_step,omitempty"`

	Output       json.RawMessage `json:"output,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`

	// LastSeq is the highest server-assigned seq applied so far; it is the
	// recovery poll cursor. Locally synthesized events never advance it.
	LastSeq int64 `json:"last_seq"`

	// Applied counts every applied event, local ones included.
	Applied int64 `json:"applied"`
}

// Terminal reports whether the reduced run has settled.
func (s *RunState) Terminal() bool {
	return s != nil && s.Status.Terminal()
}

// Clone returns a deep copy of the state.
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	out := *s
	out.Steps = make(map[string]*StepView, len(s.Steps))
	for k, st := range s.Steps {
		cp := *st
		if st.LaneSeqs != nil {
			cp.LaneSeqs = make(map[run.Lane]int64, len(st.LaneSeqs))
			for lane, seq := range st.LaneSeqs {
				cp.LaneSeqs[lane] = seq
			}
		}
		out.Steps[k] = &cp
	}
	out.Order = append([]string(nil), s.Order...)
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	out.Output = append(json.RawMessage(nil), s.Output...)
	return &out
}

// Apply folds one event into the state and returns the next state. A nil
// prev creates a fresh state from the event; the input state is never
// mutated. Events for a different run, unknown types, and unparsable
// payloads leave the state unchanged.
func Apply(prev *RunState, ev *run.Event) *RunState {
	if ev == nil {
		return prev
	}
	decoded, err := run.DecodePayload(ev)
	if err != nil {
		return prev
	}
	if prev != nil && prev.RunID != "" && ev.RunID != prev.RunID {
		return prev
	}

	var next *RunState
	if prev == nil {
		next = &RunState{
			RunID:  ev.RunID,
			Status: run.StatusQueued,
			Steps:  make(map[string]*StepView),
		}
	} else {
		next = prev.Clone()
	}

	next.Applied++
	if !ev.Local() && ev.Seq > next.LastSeq {
		next.LastSeq = ev.Seq
	}

	switch p := decoded.(type) {
	case *run.RunStartPayload:
		if next.Status == run.StatusQueued {
			next.Status = run.StatusRunning
		}
	case *run.RunCompletePayload:
		if applyRunTerminal(next, ev, run.StatusCompleted, run.StepStatusCompleted, "", "") && len(p.Output) > 0 {
			next.Output = append(json.RawMessage(nil), p.Output...)
		}
	case *run.RunErrorPayload:
		if applyRunTerminal(next, ev, run.StatusFailed, run.StepStatusFailed, "", "") {
			next.ErrorCode = p.Code
			next.ErrorMessage = p.Message
		}
	case *run.RunCanceledPayload:
		applyRunTerminal(next, ev, run.StatusCanceled, run.StepStatusCanceled, run.ErrorCodeCanceled, "run canceled")
	case *run.StepStartPayload:
		applyStepStart(next, ev, p)
	case *run.StepChunkPayload:
		applyStepChunk(next, ev, p)
	case *run.StepCompletePayload:
		applyStepComplete(next, ev, p)
	case *run.StepErrorPayload:
		applyStepError(next, ev, p)
	}

	selectActiveStep(next)
	return next
}

// applyRunTerminal settles the run and forces every non-terminal step down
// with it, so nothing can show "processing" after the run has ended. A run
// that already holds a terminal status is never overwritten — a locally
// synthesized abort must not clobber a known server result. Reports whether
// the status was applied.
func applyRunTerminal(s *RunState, ev *run.Event, status run.Status, stepStatus run.StepStatus, errCode, errMsg string) bool {
	if s.Status.Terminal() {
		return false
	}
	s.Status = status
	t := ev.CreatedAt
	if t.IsZero() {
		t = time.Now().UTC()
	}
	s.FinishedAt = &t
	for _, st := range s.Steps {
		if st.Status.Terminal() {
			continue
		}
		st.Status = stepStatus
		if errCode != "" {
			st.ErrorCode = errCode
			st.ErrorMessage = errMsg
		}
		st.Touched = s.Applied
	}
	return true
}

// promoteRun moves a still-queued run to running on any step activity.
func promoteRun(s *RunState) {
	if s.Status == run.StatusQueued {
		s.Status = run.StatusRunning
	}
}

// stepFor resolves the event's step identity and returns the step view to
// apply it to, enforcing attempt monotonicity: a strictly higher attempt
// hard-resets the step for a fresh retry, a strictly lower one is stale and
// yields nil.
func stepFor(s *RunState, ev *run.Event) *StepView {
	key, attempt := run.ResolveStepKey(ev)
	if key == "" {
		return nil
	}
	st, ok := s.Steps[key]
	if !ok {
		st = &StepView{Key: key, Status: run.StepStatusPending, Attempt: attempt}
		s.Steps[key] = st
		s.Order = append(s.Order, key)
	}
	switch {
	case attempt > st.Attempt:
		// Fresh retry: reset output, lane counters, and status.
		st.Attempt = attempt
		st.Status = run.StepStatusPending
		st.Text = ""
		st.Reasoning = ""
		st.LaneSeqs = nil
		st.ErrorCode = ""
		st.ErrorMessage = ""
	case attempt < st.Attempt:
		return nil
	}
	st.Touched = s.Applied
	return st
}

func applyStepStart(s *RunState, ev *run.Event, p *run.StepStartPayload) {
	promoteRun(s)
	st := stepFor(s, ev)
	if st == nil {
		return
	}
	if p.Title != "" {
		st.Title = p.Title
	}
	st.Index = p.Index
	if p.Total > 0 {
		st.Total = p.Total
	}
	// Forward-lock: start never regresses a terminal step of the same attempt.
	if !st.Status.Terminal() {
		st.Status = run.StepStatusRunning
	}
}

func applyStepChunk(s *RunState, ev *run.Event, p *run.StepChunkPayload) {
	promoteRun(s)
	st := stepFor(s, ev)
	if st == nil {
		return
	}

	lane := ev.Lane
	if lane == "" {
		lane = run.LaneText
	}

	// Lane de-duplication: apply only if the chunk's lane seq is absent or
	// strictly greater than the last applied one.
	if p.Seq > 0 {
		if last, ok := st.LaneSeqs[lane]; ok && p.Seq <= last {
			return
		}
		if st.LaneSeqs == nil {
			st.LaneSeqs = make(map[run.Lane]int64)
		}
		st.LaneSeqs[lane] = p.Seq
	}

	switch lane {
	case run.LaneReasoning:
		st.Reasoning += p.Delta
	default:
		st.Text += p.Delta
	}

	// A trailing chunk after step.complete reopens the step; a completion
	// event raced ahead of the tail of the stream.
	if st.Status == run.StepStatusCompleted || !st.Status.Terminal() {
		st.Status = run.StepStatusRunning
	}
}

func applyStepComplete(s *RunState, ev *run.Event, p *run.StepCompletePayload) {
	promoteRun(s)
	st := stepFor(s, ev)
	if st == nil {
		return
	}

	// The final payload is authoritative only when it is at least as long as
	// what already streamed in; a short completion must not clobber content.
	if len(p.Text) >= len(st.Text) {
		st.Text = p.Text
	}
	if len(p.Reasoning) >= len(st.Reasoning) {
		st.Reasoning = p.Reasoning
	}
	if st.Status != run.StepStatusFailed && st.Status != run.StepStatusCanceled {
		st.Status = run.StepStatusCompleted
	}
}

func applyStepError(s *RunState, ev *run.Event, p *run.StepErrorPayload) {
	promoteRun(s)
	st := stepFor(s, ev)
	if st == nil {
		return
	}
	if st.Status.Terminal() {
		return
	}
	st.Status = run.StepStatusFailed
	st.ErrorCode = p.Code
	st.ErrorMessage = p.Message
}

// selectActiveStep picks the step the UI should focus: the running step with
// the highest index (ties broken by most-recent update, then key), falling
// back to the highest-index step overall when nothing is running. The
// previously active step is kept while it remains a valid candidate, so
// focus does not flicker between events.
func selectActiveStep(s *RunState) {
	if len(s.Steps) == 0 {
		s.ActiveStep = ""
		return
	}

	var candidates []*StepView
	for _, key := range s.Order {
		if st := s.Steps[key]; st != nil && st.Status == run.StepStatusRunning {
			candidates = append(candidates, st)
		}
	}
	if len(candidates) == 0 {
		for _, key := range s.Order {
			if st := s.Steps[key]; st != nil {
				candidates = append(candidates, st)
			}
		}
	}

	if prev, ok := s.Steps[s.ActiveStep]; ok {
		for _, st := range candidates {
			if st == prev {
				return
			}
		}
	}

	best := candidates[0]
	for _, st := range candidates[1:] {
		if st.Index != best.Index {
			if st.Index > best.Index {
				best = st
			}
			continue
		}
		if st.Touched != best.Touched {
			if st.Touched > best.Touched {
				best = st
			}
			continue
		}
		if st.Key < best.Key {
			best = st
		}
	}
	s.ActiveStep = best.Key
}
