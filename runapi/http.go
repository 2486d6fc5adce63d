// Package runapi exposes the run engine over HTTP: submission (with an
// optional inline live stream), active-run discovery, event paging for
// recovery, and cooperative cancellation. The durable log is the sole source
// of truth for the inline stream — the handler tails it, so a consumer sees
// the same gapless sequence a recovery poll would.
package runapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/runstream/eventlog"
	"github.com/c360studio/runstream/executor"
	"github.com/c360studio/runstream/run"
	"github.com/c360studio/runstream/runner"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// OwnerHeader carries the caller identity resolved by the auth layer in
// front of this API.
const OwnerHeader = "X-Runstream-User"

var apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "runstream_api_requests_total",
	Help: "Total API requests by route.",
}, []string{"route"})

// WorkflowSource resolves a workflow name into its executable node pipeline.
type WorkflowSource interface {
	Build(workflow string) ([]executor.Node, error)
}

// Component serves the run API.
type Component struct {
	log       *eventlog.Log
	runner    *runner.Runner
	workflows WorkflowSource
	logger    *slog.Logger

	// streamPollInterval is how often the inline stream tails the log;
	// heartbeats go out on streamHeartbeat of silence.
	streamPollInterval time.Duration
	streamHeartbeat    time.Duration
}

// New creates the API component.
func New(log *eventlog.Log, rnr *runner.Runner, workflows WorkflowSource, logger *slog.Logger) *Component {
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		log:                log,
		runner:             rnr,
		workflows:          workflows,
		logger:             logger,
		streamPollInterval: 250 * time.Millisecond,
		streamHeartbeat:    15 * time.Second,
	}
}

// RegisterHTTPHandlers registers all run API handlers under the given prefix.
// The prefix should be the path segment without a trailing slash (e.g.
// "api"). Handlers are registered as:
//
//	POST <prefix>/runs                       submit (stream=true for inline SSE)
//	GET  <prefix>/runs                       discovery
//	GET  <prefix>/runs/{id}/events           event page after a seq cursor
//	POST <prefix>/runs/{id}/cancel           cooperative cancel
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")

	mux.HandleFunc(prefix+"/runs", c.handleRuns)
	mux.HandleFunc(prefix+"/runs/", c.handleRunSubpath(prefix+"/runs/"))
}

// ownerID resolves the caller identity; empty means unauthenticated.
func ownerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(OwnerHeader))
}

// ----------------------------------------------------------------------------
// POST|GET /api/runs
// ----------------------------------------------------------------------------

func (c *Component) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		c.handleSubmit(w, r)
	case http.MethodGet:
		c.handleDiscover(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// SubmitRequest is the request body for POST /api/runs.
type SubmitRequest struct {
	ProjectID  string          `json:"project_id"`
	Workflow   string          `json:"workflow"`
	TargetType string          `json:"target_type,omitempty"`
	TargetID   string          `json:"target_id,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// SubmitResponse is the response body for a non-streaming submit.
type SubmitResponse struct {
	RunID string `json:"run_id"`
}

// handleSubmit creates a queued run and starts executing it. With
// ?stream=true the response is the run's inline SSE event stream; otherwise
// execution continues in the background and the reply is 202 with the run id.
func (c *Component) handleSubmit(w http.ResponseWriter, r *http.Request) {
	apiRequestsTotal.WithLabelValues("submit").Inc()
	owner := ownerID(r)
	if owner == "" {
		http.Error(w, "Missing caller identity", http.StatusUnauthorized)
		return
	}

	var req SubmitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" || req.Workflow == "" {
		http.Error(w, "project_id and workflow are required", http.StatusBadRequest)
		return
	}

	nodes, err := c.workflows.Build(req.Workflow)
	if err != nil {
		http.Error(w, fmt.Sprintf("Unknown workflow %q", req.Workflow), http.StatusBadRequest)
		return
	}

	rn := &run.Run{
		OwnerID:    owner,
		ProjectID:  req.ProjectID,
		Workflow:   req.Workflow,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		Input:      req.Input,
	}
	if err := c.log.CreateRun(r.Context(), rn); err != nil {
		c.logger.Error("Failed to create run", "workflow", req.Workflow, "error", err)
		http.Error(w, "Failed to create run", http.StatusInternalServerError)
		return
	}

	// Execution is detached from the request: closing the stream must not
	// kill the run. Cancellation goes through the cancel endpoint.
	go func() {
		if err := c.runner.Execute(context.Background(), rn, nodes); err != nil {
			c.logger.Warn("Run finished with error", "run_id", rn.ID, "error", err)
		}
	}()

	if r.URL.Query().Get("stream") == "true" {
		c.streamRun(w, r, owner, rn.ID)
		return
	}
	writeJSON(w, c.logger, http.StatusAccepted, SubmitResponse{RunID: rn.ID})
}

// DiscoverResponse is the response body for GET /api/runs.
type DiscoverResponse struct {
	Runs []*run.Run `json:"runs"`
}

// handleDiscover lists the caller's active runs for a workflow/target. This
// is how a reloaded client finds a run it lost its connection to.
func (c *Component) handleDiscover(w http.ResponseWriter, r *http.Request) {
	apiRequestsTotal.WithLabelValues("discover").Inc()
	owner := ownerID(r)
	if owner == "" {
		http.Error(w, "Missing caller identity", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	workflow := q.Get("workflow")
	if workflow == "" {
		http.Error(w, "workflow is required", http.StatusBadRequest)
		return
	}

	runs, err := c.log.FindActiveRuns(r.Context(), owner, workflow, q.Get("target_type"), q.Get("target_id"))
	if err != nil {
		c.logger.Error("Discovery query failed", "workflow", workflow, "error", err)
		http.Error(w, "Discovery failed", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*run.Run{}
	}
	writeJSON(w, c.logger, http.StatusOK, DiscoverResponse{Runs: runs})
}

// ----------------------------------------------------------------------------
// /api/runs/{id}/...
// ----------------------------------------------------------------------------

func (c *Component) handleRunSubpath(mountPrefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, mountPrefix)
		runID, action, _ := strings.Cut(rest, "/")
		if runID == "" {
			http.Error(w, "Run id required", http.StatusNotFound)
			return
		}
		switch {
		case action == "events" && r.Method == http.MethodGet:
			c.handleEvents(w, r, runID)
		case action == "cancel" && r.Method == http.MethodPost:
			c.handleCancel(w, r, runID)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	}
}

// EventsResponse is the response body for GET /api/runs/{id}/events.
type EventsResponse struct {
	RunID  string       `json:"run_id"`
	Events []*run.Event `json:"events"`
}

// handleEvents returns an ordered, capped page of the run's events with seq
// strictly greater than after_seq. The recovery protocol is built entirely
// on this endpoint.
func (c *Component) handleEvents(w http.ResponseWriter, r *http.Request, runID string) {
	apiRequestsTotal.WithLabelValues("events").Inc()
	owner := ownerID(r)
	if owner == "" {
		http.Error(w, "Missing caller identity", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	afterSeq, err := strconv.ParseInt(q.Get("after_seq"), 10, 64)
	if err != nil && q.Get("after_seq") != "" {
		http.Error(w, "Invalid after_seq", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	events, err := c.log.ListEventsAfterSeq(r.Context(), owner, runID, afterSeq, limit)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		c.logger.Error("Event page query failed", "run_id", runID, "error", err)
		http.Error(w, "Event query failed", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*run.Event{}
	}
	writeJSON(w, c.logger, http.StatusOK, EventsResponse{RunID: runID, Events: events})
}

// handleCancel marks the run canceling. The executor observes the mark at
// its next liveness gate; the response reflects the run's state after the
// mark, which may already be terminal.
func (c *Component) handleCancel(w http.ResponseWriter, r *http.Request, runID string) {
	apiRequestsTotal.WithLabelValues("cancel").Inc()
	owner := ownerID(r)
	if owner == "" {
		http.Error(w, "Missing caller identity", http.StatusUnauthorized)
		return
	}

	rn, err := c.log.RequestCancel(r.Context(), owner, runID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		c.logger.Error("Cancel request failed", "run_id", runID, "error", err)
		http.Error(w, "Cancel failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, c.logger, http.StatusOK, rn)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Failed to write JSON response", "error", err)
	}
}
