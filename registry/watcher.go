package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is how long the watcher waits for the file to settle
// before reloading; editors typically write definition files in bursts.
const defaultDebounce = 500 * time.Millisecond

// Watcher hot-reloads a registry when its workflows.yaml changes. The watch
// covers the file's directory so atomic save strategies (write to temp,
// rename over) are still observed.
type Watcher struct {
	registry *Registry
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   bool
}

// NewWatcher creates a watcher reloading registry from path on change.
func NewWatcher(registry *Registry, path string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		registry: registry,
		path:     filepath.Clean(path),
		debounce: defaultDebounce,
		watcher:  fsw,
		logger:   logger,
	}, nil
}

// Start performs the initial load and begins watching until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.registry.LoadFile(w.path); err != nil {
		return err
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Workflow definition watcher started", "path", w.path)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.pendingMu.Lock()
				w.pending = true
				w.pendingMu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Workflow watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// flushPending reloads once per debounce window. A definition file that
// fails to parse keeps the previous definitions serving.
func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	dirty := w.pending
	w.pending = false
	w.pendingMu.Unlock()
	if !dirty {
		return
	}

	if err := w.registry.LoadFile(w.path); err != nil {
		w.logger.Warn("Workflow definition reload failed, keeping previous",
			"path", w.path, "error", err)
		return
	}
	w.logger.Info("Workflow definitions reloaded", "path", w.path)
}
