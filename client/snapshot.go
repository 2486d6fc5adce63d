// Package client implements the consumption side of the run engine: local
// snapshot persistence, live stream consumption, cold recovery via seq-cursor
// polling, and cooperative cancellation. Both delivery paths feed the same
// reducer, so a client that reloads mid-run converges on the exact state a
// continuously connected one holds.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/runstream/reducer"
)

// ErrNoSnapshot is returned when no snapshot exists for a scope.
var ErrNoSnapshot = errors.New("no snapshot")

// Snapshots persists reduced run state to local files, namespaced by
// (feature, project, scope), so a reloaded client can hydrate before any
// network call.
type Snapshots struct {
	dir    string
	logger *slog.Logger
}

// NewSnapshots creates a snapshot store rooted at dir.
func NewSnapshots(dir string, logger *slog.Logger) *Snapshots {
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshots{dir: dir, logger: logger}
}

func (s *Snapshots) path(feature, projectID, scope string) string {
	if scope == "" {
		scope = "default"
	}
	return filepath.Join(s.dir, sanitize(feature), sanitize(projectID), sanitize(scope)+".json")
}

// sanitize keeps namespace components from escaping the snapshot dir.
func sanitize(part string) string {
	part = strings.ReplaceAll(part, string(filepath.Separator), "_")
	part = strings.ReplaceAll(part, "..", "_")
	if part == "" {
		part = "_"
	}
	return part
}

// Save writes the state for the scope, replacing any previous snapshot.
func (s *Snapshots) Save(feature, projectID, scope string, state *reducer.RunState) error {
	if state == nil {
		return fmt.Errorf("save snapshot: nil state")
	}
	path := s.path(feature, projectID, scope)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	// Write-then-rename so a crash mid-write never leaves a torn snapshot.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load reads the scope's snapshot, or ErrNoSnapshot.
func (s *Snapshots) Load(feature, projectID, scope string) (*reducer.RunState, error) {
	data, err := os.ReadFile(s.path(feature, projectID, scope))
	if os.IsNotExist(err) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var state reducer.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return &state, nil
}

// Delete removes the scope's snapshot; a missing snapshot is not an error.
func (s *Snapshots) Delete(feature, projectID, scope string) error {
	err := os.Remove(s.path(feature, projectID, scope))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// PruneAfter deletes the scope's snapshot after the grace period, via a
// local timer only — no network involved. The delay lets the UI show a brief
// terminal state before the scope resets. Stop the returned timer to cancel.
func (s *Snapshots) PruneAfter(feature, projectID, scope string, grace time.Duration) *time.Timer {
	return time.AfterFunc(grace, func() {
		if err := s.Delete(feature, projectID, scope); err != nil {
			s.logger.Warn("Failed to prune terminal snapshot",
				"feature", feature, "project", projectID, "scope", scope, "error", err)
		}
	})
}
