package runapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SSE event types on the inline run stream.
const (
	SSEEventRun       = "run_event"
	SSEEventHeartbeat = "heartbeat"
	SSEEventError     = "error"
)

// streamRun tails the run's durable log and relays each event as SSE until a
// terminal event has been sent or the client goes away. Tailing the log
// (rather than the at-most-once broadcast) keeps the inline stream gapless
// and ordered; heartbeats keep intermediaries from reaping quiet periods.
func (c *Component) streamRun(w http.ResponseWriter, r *http.Request, owner, runID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	flusher.Flush()

	ctx := r.Context()
	poll := time.NewTicker(c.streamPollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(c.streamHeartbeat)
	defer heartbeat.Stop()

	var cursor int64
	for {
		events, err := c.log.ListEventsAfterSeq(ctx, owner, runID, cursor, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Stream tail query failed", "run_id", runID, "error", err)
			c.sendSSEEvent(w, flusher, 0, SSEEventError, map[string]string{"message": "event query failed"})
			return
		}

		for _, ev := range events {
			cursor = ev.Seq
			if err := c.sendSSEEvent(w, flusher, ev.Seq, SSEEventRun, ev); err != nil {
				c.logger.Debug("Stream client disconnected", "run_id", runID, "error", err)
				return
			}
			heartbeat.Reset(c.streamHeartbeat)
			if ev.Type.Terminal() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := c.sendSSEEvent(w, flusher, 0, SSEEventHeartbeat, map[string]string{"status": "alive"}); err != nil {
				return
			}
		case <-poll.C:
		}
	}
}

// sendSSEEvent writes one SSE frame and flushes it. A non-zero id becomes
// the frame's SSE id.
func (c *Component) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, id int64, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", event, id, payload); err != nil {
			return err
		}
	} else {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return err
		}
	}
	flusher.Flush()
	return nil
}
