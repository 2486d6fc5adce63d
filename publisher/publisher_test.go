package publisher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/runstream/eventlog"
	"github.com/c360studio/runstream/run"
)

func newTestLog(t *testing.T) *eventlog.Log {
	t.Helper()
	l, err := eventlog.Open(filepath.Join(t.TempDir(), "runstream.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func newTestRun(t *testing.T, l *eventlog.Log) *run.Run {
	t.Helper()
	r := &run.Run{OwnerID: "user_1", ProjectID: "proj_1", Workflow: "video-gen"}
	require.NoError(t, l.CreateRun(context.Background(), r))
	return r
}

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestPublish_AppendsWithoutNATS(t *testing.T) {
	l := newTestLog(t)
	r := newTestRun(t, l)
	p := New(l, nil, nil)

	ev, err := p.Publish(context.Background(), r.ProjectID, eventlog.AppendInput{
		RunID: r.ID, Type: run.EventRunStart,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Seq, "append must succeed with no live transport at all")
}

func TestPublish_BroadcastsToSubscriber(t *testing.T) {
	l := newTestLog(t)
	r := newTestRun(t, l)
	nc := startNATS(t)
	p := New(l, nc, nil)

	received := make(chan *run.Event, 1)
	sub, err := p.Subscribe(r.ProjectID, func(ev *run.Event) {
		received <- ev
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = p.Publish(context.Background(), r.ProjectID, eventlog.AppendInput{
		RunID: r.ID, Type: run.EventStepChunk, StepKey: "generate", Lane: run.LaneText,
		Payload: &run.StepChunkPayload{Seq: 1, Delta: "hel"},
	})
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, r.ID, ev.RunID)
		assert.Equal(t, int64(1), ev.Seq)
		assert.Equal(t, run.EventStepChunk, ev.Type)
		assert.Equal(t, run.SourceServer, ev.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive the broadcast")
	}
}

func TestPublish_OtherProjectDoesNotReceive(t *testing.T) {
	l := newTestLog(t)
	r := newTestRun(t, l)
	nc := startNATS(t)
	p := New(l, nc, nil)

	received := make(chan *run.Event, 1)
	sub, err := p.Subscribe("proj_other", func(ev *run.Event) {
		received <- ev
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = p.Publish(context.Background(), r.ProjectID, eventlog.AppendInput{
		RunID: r.ID, Type: run.EventRunStart,
	})
	require.NoError(t, err)

	select {
	case <-received:
		t.Fatal("subject scoping leaked an event across projects")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPublish_AppendFailureIsReturned(t *testing.T) {
	l := newTestLog(t)
	p := New(l, nil, nil)

	_, err := p.Publish(context.Background(), "proj_1", eventlog.AppendInput{
		RunID: "run_missing", Type: run.EventRunStart,
	})
	assert.ErrorIs(t, err, run.ErrNotFound)
}
