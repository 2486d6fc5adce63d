package client

import (
	"encoding/json"
	"time"

	"github.com/c360studio/runstream/run"
)

// Error codes for locally synthesized terminal events.
const (
	ErrorCodeStreamTimeout = "STREAM_TIMEOUT"
	ErrorCodeAborted       = "ABORTED"
)

// SynthesizeRunError builds a local run.error event. It carries no seq and
// is marked SourceLocal: it settles the view-model without ever being
// mistaken for (or overwriting) a server-confirmed result.
func SynthesizeRunError(runID, code, message string) *run.Event {
	payload, _ := json.Marshal(&run.RunErrorPayload{Code: code, Message: message})
	return &run.Event{
		RunID:     runID,
		Type:      run.EventRunError,
		Payload:   payload,
		Source:    run.SourceLocal,
		CreatedAt: time.Now().UTC(),
	}
}

// SynthesizeRunCanceled builds a local run.canceled event for the optimistic
// cancel path.
func SynthesizeRunCanceled(runID, reason string) *run.Event {
	payload, _ := json.Marshal(&run.RunCanceledPayload{Reason: reason})
	return &run.Event{
		RunID:     runID,
		Type:      run.EventRunCanceled,
		Payload:   payload,
		Source:    run.SourceLocal,
		CreatedAt: time.Now().UTC(),
	}
}
