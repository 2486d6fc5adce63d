package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/runstream/run"
)

// OwnerHeader carries the caller identity; authentication itself is handled
// upstream of the API.
const OwnerHeader = "X-Runstream-User"

// SubmitRequest describes a run submission.
type SubmitRequest struct {
	ProjectID  string         `json:"project_id"`
	Workflow   string         `json:"workflow"`
	TargetType string         `json:"target_type,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
}

type eventsResponse struct {
	RunID  string       `json:"run_id"`
	Events []*run.Event `json:"events"`
}

type runsResponse struct {
	Runs []*run.Run `json:"runs"`
}

type submitResponse struct {
	RunID string `json:"run_id"`
}

// HTTPClient talks to the run API. It implements EventSource for the
// recovery poller.
type HTTPClient struct {
	baseURL string
	ownerID string
	httpc   *http.Client
}

// NewHTTPClient creates a client for the API at baseURL acting as ownerID.
func NewHTTPClient(baseURL, ownerID string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		ownerID: ownerID,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(OwnerHeader, c.ownerID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func apiError(resp *http.Response) error {
	if resp.StatusCode == http.StatusNotFound {
		return run.ErrNotFound
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("api: %s", msg)
}

// ListEventsAfterSeq pages durable events for the run past the seq cursor.
func (c *HTTPClient) ListEventsAfterSeq(ctx context.Context, runID string, afterSeq int64, limit int) ([]*run.Event, error) {
	q := url.Values{}
	q.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	req, err := c.newRequest(ctx, http.MethodGet,
		"/api/runs/"+url.PathEscape(runID)+"/events?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var out eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("list events: decode: %w", err)
	}
	return out.Events, nil
}

// CancelRun requests cooperative cancellation of the run.
func (c *HTTPClient) CancelRun(ctx context.Context, runID string) (*run.Run, error) {
	req, err := c.newRequest(ctx, http.MethodPost,
		"/api/runs/"+url.PathEscape(runID)+"/cancel", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cancel run: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var out run.Run
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("cancel run: decode: %w", err)
	}
	return &out, nil
}

// DiscoverActive lists the caller's non-terminal runs for a workflow and
// target.
func (c *HTTPClient) DiscoverActive(ctx context.Context, workflow, targetType, targetID string) ([]*run.Run, error) {
	q := url.Values{}
	q.Set("workflow", workflow)
	q.Set("target_type", targetType)
	q.Set("target_id", targetID)
	q.Set("status", "active")
	req, err := c.newRequest(ctx, http.MethodGet, "/api/runs?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discover runs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var out runsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("discover runs: decode: %w", err)
	}
	return out.Runs, nil
}

// Submit queues a run without a live stream and returns the run id.
func (c *HTTPClient) Submit(ctx context.Context, in SubmitRequest) (string, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("submit run: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/runs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit run: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", apiError(resp)
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("submit run: decode: %w", err)
	}
	return out.RunID, nil
}

// SubmitStreaming queues a run and returns the inline SSE body. The caller
// owns the body and should feed it to ConsumeLive; the stream delivery is
// best-effort, with the durable log as the recovery path.
func (c *HTTPClient) SubmitStreaming(ctx context.Context, in SubmitRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("submit run: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/runs?stream=true", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client-side timeout on a long-lived stream; the read budget in
	// ConsumeLive bounds silence instead.
	streamc := &http.Client{Transport: c.httpc.Transport}
	resp, err := streamc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit run: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp.Body, nil
}
