package executor

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/runstream/run"
)

// State is the mutable shared state a pipeline advances. Refs hold references
// to produced artifacts (asset IDs, storage keys); Meta holds loose metadata
// nodes pass forward.
type State struct {
	Refs map[string]string `json:"refs,omitempty"`
	Meta map[string]any    `json:"meta,omitempty"`
}

// NewState returns an empty, non-nil state.
func NewState() *State {
	return &State{
		Refs: make(map[string]string),
		Meta: make(map[string]any),
	}
}

// Clone returns a shallow-value copy of the state with fresh maps.
func (s *State) Clone() *State {
	out := NewState()
	if s == nil {
		return out
	}
	for k, v := range s.Refs {
		out.Refs[k] = v
	}
	for k, v := range s.Meta {
		out.Meta[k] = v
	}
	return out
}

// Merge folds a node result into the state. Ref fields are
// first-non-empty-wins: a new non-empty value overwrites the old one, an
// empty value never clears an existing ref. Meta fields are shallow-merged.
func (s *State) Merge(res *NodeResult) {
	if res == nil {
		return
	}
	if s.Refs == nil {
		s.Refs = make(map[string]string)
	}
	if s.Meta == nil {
		s.Meta = make(map[string]any)
	}
	for k, v := range res.Refs {
		if v != "" {
			s.Refs[k] = v
		}
	}
	for k, v := range res.Meta {
		s.Meta[k] = v
	}
}

// MarshalLean serializes the state for checkpointing and enforces the hard
// byte ceiling. Oversized state is an error, never a truncation.
func (s *State) MarshalLean(nodeKey string) (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint state: %w", err)
	}
	if len(data) > run.MaxCheckpointBytes {
		return nil, &CheckpointTooLargeError{
			NodeKey: nodeKey,
			Size:    len(data),
			Limit:   run.MaxCheckpointBytes,
		}
	}
	return data, nil
}
