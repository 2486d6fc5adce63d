package runapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/runstream/eventlog"
	"github.com/c360studio/runstream/executor"
	"github.com/c360studio/runstream/publisher"
	"github.com/c360studio/runstream/run"
	"github.com/c360studio/runstream/runner"
)

// stubWorkflows serves one fixed pipeline.
type stubWorkflows struct {
	nodes map[string][]executor.Node
}

func (s *stubWorkflows) Build(workflow string) ([]executor.Node, error) {
	nodes, ok := s.nodes[workflow]
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", workflow)
	}
	return nodes, nil
}

func newTestAPI(t *testing.T, nodes map[string][]executor.Node) (*httptest.Server, *eventlog.Log) {
	t.Helper()
	log, err := eventlog.Open(filepath.Join(t.TempDir(), "api.db"), nil)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	rnr := runner.New(log, publisher.New(log, nil, nil), nil)
	comp := New(log, rnr, &stubWorkflows{nodes: nodes}, nil)
	comp.streamPollInterval = 10 * time.Millisecond

	mux := http.NewServeMux()
	comp.RegisterHTTPHandlers("api", mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, log
}

func quickPipeline() map[string][]executor.Node {
	return map[string][]executor.Node{
		"video-gen": {{
			Key:   "scene",
			Title: "Generate scene",
			Run: func(ctx context.Context, nc executor.NodeContext) (*executor.NodeResult, error) {
				nc.EmitChunk(run.LaneText, 1, "frame")
				return &executor.NodeResult{Refs: map[string]string{"scene": "asset_1"}}, nil
			},
		}},
	}
}

func doJSON(t *testing.T, method, url, owner string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestSubmitQueuesAndExecutes(t *testing.T) {
	srv, log := newTestAPI(t, quickPipeline())

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/runs", "user_1", SubmitRequest{
		ProjectID: "proj_1",
		Workflow:  "video-gen",
		TargetID:  "scene_9",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var out SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.RunID == "" {
		t.Fatal("run_id missing")
	}

	// Background execution drives the run terminal.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rn, err := log.GetRun(context.Background(), out.RunID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if rn.Status.Terminal() {
			if rn.Status != run.StatusCompleted {
				t.Fatalf("run status = %s, want completed", rn.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never settled")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := newTestAPI(t, quickPipeline())

	tests := []struct {
		name   string
		owner  string
		body   any
		status int
	}{
		{"missing identity", "", SubmitRequest{ProjectID: "p", Workflow: "video-gen"}, http.StatusUnauthorized},
		{"missing workflow", "user_1", SubmitRequest{ProjectID: "p"}, http.StatusBadRequest},
		{"missing project", "user_1", SubmitRequest{Workflow: "video-gen"}, http.StatusBadRequest},
		{"unknown workflow", "user_1", SubmitRequest{ProjectID: "p", Workflow: "nope"}, http.StatusBadRequest},
		{"garbage body", "user_1", "not json at all", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, srv.URL+"/api/runs", tt.owner, tt.body)
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestInlineStreamDeliversTerminalEvent(t *testing.T) {
	srv, _ := newTestAPI(t, quickPipeline())

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(SubmitRequest{ProjectID: "proj_1", Workflow: "video-gen"})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/runs?stream=true", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(OwnerHeader, "user_1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("submit stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var types []run.EventType
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev run.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil || !ev.Type.Valid() {
			continue
		}
		types = append(types, ev.Type)
		if ev.Type.Terminal() {
			break
		}
	}

	want := []run.EventType{
		run.EventRunStart, run.EventStepStart, run.EventStepChunk,
		run.EventStepComplete, run.EventRunComplete,
	}
	if len(types) != len(want) {
		t.Fatalf("stream types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("stream[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestEventsEndpointPagingAndOwnership(t *testing.T) {
	srv, log := newTestAPI(t, quickPipeline())

	r := &run.Run{OwnerID: "user_1", ProjectID: "proj_1", Workflow: "video-gen"}
	if err := log.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("create run: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := log.Append(context.Background(), eventlog.AppendInput{
			RunID:   r.ID,
			Type:    run.EventStepChunk,
			StepKey: "scene",
			Attempt: 1,
			Lane:    run.LaneText,
			Payload: &run.StepChunkPayload{Seq: int64(i + 1), Delta: "x"},
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/runs/"+r.ID+"/events?after_seq=1", "user_1", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out EventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Events) != 2 || out.Events[0].Seq != 2 || out.Events[1].Seq != 3 {
		t.Fatalf("events = %+v", out.Events)
	}

	// Foreign owner gets the same answer as a missing run.
	foreign := doJSON(t, http.MethodGet, srv.URL+"/api/runs/"+r.ID+"/events", "user_2", nil)
	foreign.Body.Close()
	if foreign.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign status = %d, want 404", foreign.StatusCode)
	}

	missing := doJSON(t, http.MethodGet, srv.URL+"/api/runs/run_nope/events", "user_1", nil)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", missing.StatusCode)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, log := newTestAPI(t, quickPipeline())

	r := &run.Run{OwnerID: "user_1", ProjectID: "proj_1", Workflow: "video-gen"}
	if err := log.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("create run: %v", err)
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/runs/"+r.ID+"/cancel", "user_1", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out run.Run
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != run.StatusCanceling {
		t.Fatalf("status = %s, want canceling", out.Status)
	}
	if out.CancelRequestedAt == nil {
		t.Fatal("cancel_requested_at missing")
	}

	gone := doJSON(t, http.MethodPost, srv.URL+"/api/runs/run_nope/cancel", "user_1", nil)
	gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", gone.StatusCode)
	}
}

func TestDiscoverFiltersActiveRuns(t *testing.T) {
	srv, log := newTestAPI(t, quickPipeline())

	active := &run.Run{OwnerID: "user_1", ProjectID: "proj_1", Workflow: "video-gen", TargetType: "scene", TargetID: "scene_9"}
	if err := log.CreateRun(context.Background(), active); err != nil {
		t.Fatalf("create run: %v", err)
	}
	other := &run.Run{OwnerID: "user_2", ProjectID: "proj_1", Workflow: "video-gen", TargetType: "scene", TargetID: "scene_9"}
	if err := log.CreateRun(context.Background(), other); err != nil {
		t.Fatalf("create run: %v", err)
	}

	resp := doJSON(t, http.MethodGet,
		srv.URL+"/api/runs?workflow=video-gen&target_type=scene&target_id=scene_9", "user_1", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out DiscoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Runs) != 1 || out.Runs[0].ID != active.ID {
		t.Fatalf("runs = %+v, want only the caller's run", out.Runs)
	}

	noWorkflow := doJSON(t, http.MethodGet, srv.URL+"/api/runs", "user_1", nil)
	noWorkflow.Body.Close()
	if noWorkflow.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", noWorkflow.StatusCode)
	}
}
