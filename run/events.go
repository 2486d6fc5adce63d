package run

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies one kind of lifecycle event in a run's log.
type EventType string

const (
	EventRunStart     EventType = "run.start"
	EventRunComplete  EventType = "run.complete"
	EventRunError     EventType = "run.error"
	EventRunCanceled  EventType = "run.canceled"
	EventStepStart    EventType = "step.start"
	EventStepChunk    EventType = "step.chunk"
	EventStepComplete EventType = "step.complete"
	EventStepError    EventType = "step.error"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventRunStart, EventRunComplete, EventRunError, EventRunCanceled,
		EventStepStart, EventStepChunk, EventStepComplete, EventStepError:
		return true
	}
	return false
}

// Terminal reports whether the event type ends its run.
func (t EventType) Terminal() bool {
	switch t {
	case EventRunComplete, EventRunError, EventRunCanceled:
		return true
	}
	return false
}

// StepEvent reports whether the event type targets a step.
func (t EventType) StepEvent() bool {
	switch t {
	case EventStepStart, EventStepChunk, EventStepComplete, EventStepError:
		return true
	}
	return false
}

// Lane identifies an independent output channel a step may stream.
type Lane string

const (
	LaneText      Lane = "text"
	LaneReasoning Lane = "reasoning"
)

// Event source markers. Server-appended events carry SourceServer; events a
// client synthesizes locally (abort, stream timeout) carry SourceLocal so
// consumers and tests can tell them apart.
const (
	SourceServer = "server"
	SourceLocal  = "local"
)

// Event is one immutable, ordered fact in a run's log, keyed by (RunID, Seq).
// Seq is assigned by the log inside the append transaction and is unique and
// gapless at write time within a run.
type Event struct {
	RunID   string    `json:"run_id"`
	Seq     int64     `json:"seq"`
	Type    EventType `json:"type"`
	StepKey string    `json:"step_key,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Lane    Lane      `json:"lane,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`

	// Source is SourceServer for log-appended events and SourceLocal for
	// client-synthesized ones. Empty is treated as SourceServer.
	Source string `json:"source,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Local reports whether the event was synthesized client-side.
func (e *Event) Local() bool {
	return e.Source == SourceLocal
}

// ----------------------------------------------------------------------------
// Typed payloads
// ----------------------------------------------------------------------------

// RunStartPayload accompanies run.start.
type RunStartPayload struct {
	Input json.RawMessage `json:"input,omitempty"`
}

// Validate implements payload validation.
func (p *RunStartPayload) Validate() error { return nil }

// RunCompletePayload accompanies run.complete and carries the run output.
type RunCompletePayload struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// Validate implements payload validation.
func (p *RunCompletePayload) Validate() error { return nil }

// RunErrorPayload accompanies run.error.
type RunErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Validate implements payload validation.
func (p *RunErrorPayload) Validate() error {
	if p.Message == "" {
		return fmt.Errorf("run.error payload: message is required")
	}
	return nil
}

// RunCanceledPayload accompanies run.canceled.
type RunCanceledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Validate implements payload validation.
func (p *RunCanceledPayload) Validate() error { return nil }

// StepStartPayload accompanies step.start.
type StepStartPayload struct {
	Title string `json:"title,omitempty"`
	Index int    `json:"index"`
	Total int    `json:"total"`
}

// Validate implements payload validation.
func (p *StepStartPayload) Validate() error {
	if p.Index < 0 {
		return fmt.Errorf("step.start payload: index must be >= 0")
	}
	return nil
}

// StepChunkPayload accompanies step.chunk. Seq is the per-lane sequence
// number used for chunk de-duplication; 0 means the producer did not number
// the chunk.
type StepChunkPayload struct {
	Seq   int64  `json:"seq,omitempty"`
	Delta string `json:"delta"`
}

// Validate implements payload validation.
func (p *StepChunkPayload) Validate() error {
	if p.Seq < 0 {
		return fmt.Errorf("step.chunk payload: seq must be >= 0")
	}
	return nil
}

// StepCompletePayload accompanies step.complete and carries the authoritative
// final output for the attempt.
type StepCompletePayload struct {
	Text      string          `json:"text,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	Usage     json.RawMessage `json:"usage,omitempty"`
}

// Validate implements payload validation.
func (p *StepCompletePayload) Validate() error { return nil }

// StepErrorPayload accompanies step.error.
type StepErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Validate implements payload validation.
func (p *StepErrorPayload) Validate() error {
	if p.Message == "" {
		return fmt.Errorf("step.error payload: message is required")
	}
	return nil
}

// payloadValidator is satisfied by every typed payload.
type payloadValidator interface {
	Validate() error
}

func payloadFor(t EventType) payloadValidator {
	switch t {
	case EventRunStart:
		return &RunStartPayload{}
	case EventRunComplete:
		return &RunCompletePayload{}
	case EventRunError:
		return &RunErrorPayload{}
	case EventRunCanceled:
		return &RunCanceledPayload{}
	case EventStepStart:
		return &StepStartPayload{}
	case EventStepChunk:
		return &StepChunkPayload{}
	case EventStepComplete:
		return &StepCompletePayload{}
	case EventStepError:
		return &StepErrorPayload{}
	}
	return nil
}

// DecodePayload parses and validates an event's payload into its typed form.
// This is the single place loose JSON crosses into the typed union; internal
// logic operates only on the returned value.
func DecodePayload(e *Event) (any, error) {
	if !e.Type.Valid() {
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	p := payloadFor(e.Type)
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodePayload validates and marshals a typed payload for an event of the
// given type. A nil payload yields nil bytes.
func EncodePayload(t EventType, payload any) (json.RawMessage, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if payload == nil {
		return nil, nil
	}
	if v, ok := payload.(payloadValidator); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return data, nil
}

// Validate checks the event envelope: known type, positive seq for
// server-confirmed events, step fields present only on step events, and a
// payload that parses into the typed union.
func (e *Event) Validate() error {
	if e.RunID == "" {
		return fmt.Errorf("event: run_id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
	if e.Type.StepEvent() && e.StepKey == "" {
		return fmt.Errorf("event: %s requires step_key", e.Type)
	}
	if e.Attempt < 0 {
		return fmt.Errorf("event: attempt must be >= 0")
	}
	if _, err := DecodePayload(e); err != nil {
		return err
	}
	return nil
}
