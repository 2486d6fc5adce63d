// Package registry holds the declarative workflow definitions: named node
// pipelines loaded from YAML, resolved against registered handler functions,
// and hot-reloaded when the definition file changes on disk.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/runstream/executor"
)

// NodeSpec declares one pipeline stage in workflows.yaml.
type NodeSpec struct {
	// Key is the node's stable identifier within its workflow.
	Key string `yaml:"key"`

	// Title is the human-readable label carried into step.start events.
	Title string `yaml:"title"`

	// Handler names the registered handler function executing the node.
	Handler string `yaml:"handler"`

	// MaxAttempts is the node's attempt budget; values below 1 mean 1.
	MaxAttempts int `yaml:"max_attempts"`

	// TimeoutMs bounds a single attempt in milliseconds; 0 means unbounded.
	TimeoutMs int `yaml:"timeout_ms"`
}

// WorkflowSpec declares one named pipeline.
type WorkflowSpec struct {
	Nodes []NodeSpec `yaml:"nodes"`
}

// File is the top-level workflows.yaml shape.
type File struct {
	Workflows map[string]WorkflowSpec `yaml:"workflows"`
}

// Validate checks structural invariants: non-empty pipelines, unique node
// keys, named handlers.
func (f *File) Validate() error {
	for name, wf := range f.Workflows {
		if len(wf.Nodes) == 0 {
			return fmt.Errorf("workflow %q has no nodes", name)
		}
		seen := make(map[string]bool, len(wf.Nodes))
		for _, n := range wf.Nodes {
			if n.Key == "" {
				return fmt.Errorf("workflow %q has a node with no key", name)
			}
			if seen[n.Key] {
				return fmt.Errorf("workflow %q repeats node key %q", name, n.Key)
			}
			seen[n.Key] = true
			if n.Handler == "" {
				return fmt.Errorf("workflow %q node %q has no handler", name, n.Key)
			}
		}
	}
	return nil
}

// Registry maps workflow names to executable node pipelines. Handler
// registration is code-side; the pipeline shapes come from YAML and may be
// swapped at runtime.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	handlers  map[string]executor.NodeFunc
	workflows map[string]WorkflowSpec
	loadedAt  time.Time
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger,
		handlers:  make(map[string]executor.NodeFunc),
		workflows: make(map[string]WorkflowSpec),
	}
}

// RegisterHandler binds a handler name referenced from workflows.yaml to its
// implementation. Re-registering a name replaces the previous binding.
func (r *Registry) RegisterHandler(name string, fn executor.NodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// LoadFile parses and validates the workflow definitions at path and swaps
// them in atomically. A file that fails to parse or validate leaves the
// current definitions untouched.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read workflow definitions: %w", err)
	}
	return r.Load(data)
}

// Load parses and validates raw YAML definitions and swaps them in.
func (r *Registry) Load(data []byte) error {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse workflow definitions: %w", err)
	}
	if err := file.Validate(); err != nil {
		return fmt.Errorf("invalid workflow definitions: %w", err)
	}

	r.mu.Lock()
	r.workflows = file.Workflows
	r.loadedAt = time.Now().UTC()
	r.mu.Unlock()

	r.logger.Info("Workflow definitions loaded", "workflows", len(file.Workflows))
	return nil
}

// Workflows returns the currently loaded workflow names.
func (r *Registry) Workflows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	return names
}

// Build resolves a workflow into its executable node list. Handler
// resolution happens here, at submit time, so a definition referencing an
// unregistered handler fails the submit rather than the running pipeline.
func (r *Registry) Build(workflow string) ([]executor.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.workflows[workflow]
	if !ok {
		return nil, fmt.Errorf("workflow %q is not defined", workflow)
	}

	nodes := make([]executor.Node, 0, len(spec.Nodes))
	for _, ns := range spec.Nodes {
		fn, ok := r.handlers[ns.Handler]
		if !ok {
			return nil, fmt.Errorf("workflow %q node %q: handler %q is not registered",
				workflow, ns.Key, ns.Handler)
		}
		nodes = append(nodes, executor.Node{
			Key:         ns.Key,
			Title:       ns.Title,
			MaxAttempts: ns.MaxAttempts,
			Timeout:     time.Duration(ns.TimeoutMs) * time.Millisecond,
			Run:         fn,
		})
	}
	return nodes, nil
}
