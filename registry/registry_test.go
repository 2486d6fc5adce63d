package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/runstream/executor"
)

const sampleYAML = `
workflows:
  video-gen:
    nodes:
      - key: script
        title: Write script
        handler: llm.generate
        max_attempts: 3
        timeout_ms: 60000
      - key: render
        title: Render video
        handler: render.video
  summarize:
    nodes:
      - key: summary
        handler: llm.generate
`

func noopHandler(ctx context.Context, nc executor.NodeContext) (*executor.NodeResult, error) {
	return &executor.NodeResult{}, nil
}

func newLoadedRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(nil)
	r.RegisterHandler("llm.generate", noopHandler)
	r.RegisterHandler("render.video", noopHandler)
	if err := r.Load([]byte(sampleYAML)); err != nil {
		t.Fatalf("load: %v", err)
	}
	return r
}

func TestBuildResolvesPipeline(t *testing.T) {
	r := newLoadedRegistry(t)

	nodes, err := r.Build("video-gen")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(nodes))
	}
	if nodes[0].Key != "script" || nodes[0].Title != "Write script" {
		t.Fatalf("node[0] = %+v", nodes[0])
	}
	if nodes[0].MaxAttempts != 3 || nodes[0].Timeout != time.Minute {
		t.Fatalf("node[0] settings = attempts %d, timeout %s", nodes[0].MaxAttempts, nodes[0].Timeout)
	}
	if nodes[1].Timeout != 0 {
		t.Fatalf("node[1] timeout = %s, want unbounded", nodes[1].Timeout)
	}
	if nodes[0].Run == nil || nodes[1].Run == nil {
		t.Fatal("handlers not bound")
	}
}

func TestBuildUnknownWorkflow(t *testing.T) {
	r := newLoadedRegistry(t)
	if _, err := r.Build("nope"); err == nil {
		t.Fatal("expected error for unknown workflow")
	}
}

func TestBuildUnregisteredHandler(t *testing.T) {
	r := New(nil)
	if err := r.Load([]byte(sampleYAML)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := r.Build("video-gen"); err == nil {
		t.Fatal("expected error when handler is not registered")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty workflow", "workflows:\n  bad:\n    nodes: []\n"},
		{"missing key", "workflows:\n  bad:\n    nodes:\n      - handler: h\n"},
		{"missing handler", "workflows:\n  bad:\n    nodes:\n      - key: a\n"},
		{"duplicate key", "workflows:\n  bad:\n    nodes:\n      - key: a\n        handler: h\n      - key: a\n        handler: h\n"},
		{"garbage", "workflows: [not, a, map]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil)
			if err := r.Load([]byte(tt.yaml)); err == nil {
				t.Fatal("expected load error")
			}
		})
	}
}

func TestLoadFailureKeepsPrevious(t *testing.T) {
	r := newLoadedRegistry(t)
	if err := r.Load([]byte("workflows:\n  bad:\n    nodes: []\n")); err == nil {
		t.Fatal("expected load error")
	}
	if _, err := r.Build("video-gen"); err != nil {
		t.Fatalf("previous definitions lost: %v", err)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflows.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := New(nil)
	r.RegisterHandler("llm.generate", noopHandler)
	r.RegisterHandler("render.video", noopHandler)

	w, err := NewWatcher(r, path, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.debounce = 20 * time.Millisecond
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := r.Build("video-gen"); err != nil {
		t.Fatalf("initial load missing: %v", err)
	}

	updated := sampleYAML + `
  audio-gen:
    nodes:
      - key: voice
        handler: llm.generate
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := r.Build("audio-gen"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("new workflow never appeared after reload")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A broken rewrite must not clobber the serving definitions.
	if err := os.WriteFile(path, []byte("workflows: [broken"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := r.Build("video-gen"); err != nil {
		t.Fatalf("definitions lost after broken reload: %v", err)
	}
}
