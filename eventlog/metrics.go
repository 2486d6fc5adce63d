package eventlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runstream_runs_created_total",
		Help: "Total number of runs created.",
	})

	eventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runstream_events_appended_total",
		Help: "Total number of events appended to the log, by event type.",
	}, []string{"type"})

	checkpointsSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runstream_checkpoints_saved_total",
		Help: "Total number of checkpoints persisted.",
	})
)
