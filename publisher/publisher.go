// Package publisher fans appended run events out to live subscribers on a
// project-scoped NATS subject. The event log is authoritative; the broadcast
// is best-effort, at-most-once, and a publish failure never rolls back or
// fails the append — any subscriber can recover missed events by polling the
// log from its last-seen seq.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/c360studio/runstream/eventlog"
	"github.com/c360studio/runstream/run"
)

var publishFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "runstream_event_publish_failures_total",
	Help: "Total number of best-effort event broadcasts that failed.",
})

// SubjectForProject returns the NATS subject carrying live events for one
// project.
func SubjectForProject(projectID string) string {
	return fmt.Sprintf("runs.events.%s", projectID)
}

// Publisher appends events to the log and broadcasts them.
type Publisher struct {
	log    *eventlog.Log
	nc     *nats.Conn
	logger *slog.Logger
}

// New creates a publisher. A nil NATS connection degrades gracefully to
// append-only: recovery polling still sees every event.
func New(log *eventlog.Log, nc *nats.Conn, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{log: log, nc: nc, logger: logger}
}

// Publish appends the event (atomically, with projection) and then
// broadcasts the normalized envelope on the project's subject. The append
// error is the only error; broadcast failures are logged and counted.
func (p *Publisher) Publish(ctx context.Context, projectID string, in eventlog.AppendInput) (*run.Event, error) {
	ev, err := p.log.Append(ctx, in)
	if err != nil {
		return nil, err
	}

	if p.nc != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			p.logger.Warn("Failed to marshal event for broadcast",
				"run_id", ev.RunID, "seq", ev.Seq, "error", err)
			publishFailuresTotal.Inc()
			return ev, nil
		}
		if err := p.nc.Publish(SubjectForProject(projectID), data); err != nil {
			p.logger.Warn("Failed to broadcast event",
				"run_id", ev.RunID, "seq", ev.Seq, "error", err)
			publishFailuresTotal.Inc()
		}
	}

	return ev, nil
}

// Subscribe delivers every event broadcast for the project to handler until
// the subscription is unsubscribed. Delivery is at-most-once; unparsable
// envelopes are dropped with a warning.
func (p *Publisher) Subscribe(projectID string, handler func(*run.Event)) (*nats.Subscription, error) {
	if p.nc == nil {
		return nil, fmt.Errorf("subscribe: no NATS connection")
	}
	return p.nc.Subscribe(SubjectForProject(projectID), func(msg *nats.Msg) {
		var ev run.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			p.logger.Warn("Dropping unparsable event envelope",
				"subject", msg.Subject, "error", err)
			return
		}
		handler(&ev)
	})
}
