package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emprops/relay/event"
)

func TestRouteToMonitorByTopic(t *testing.T) {
	s, _ := newTestServer(t)

	all := newMonitorConn("all", nil)
	jobsOnly := newMonitorConn("jobs", nil)
	jobsOnly.setTopics([]string{"jobs"})
	workersOnly := newMonitorConn("workers", nil)
	workersOnly.setTopics([]string{"workers"})
	s.registry.addMonitor(all)
	s.registry.addMonitor(jobsOnly)
	s.registry.addMonitor(workersOnly)

	s.route(event.NewJobProgress("j1", "w1", 50, ""))

	assert.Len(t, drainFrames(&all.conn), 1)
	assert.Len(t, drainFrames(&jobsOnly.conn), 1)
	assert.Empty(t, drainFrames(&workersOnly.conn))
}

func TestRouteToSSEByJobID(t *testing.T) {
	s, _ := newTestServer(t)

	mine := newSSEClient("mine", "j1")
	other := newSSEClient("other", "j2")
	s.registry.addSSE(mine)
	s.registry.addSSE(other)

	s.route(event.NewJobProgress("j1", "w1", 50, ""))

	frames := drainFrames(&mine.conn)
	require.Len(t, frames, 1)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(frames[0], &decoded))
	assert.Equal(t, event.TypeJobProgress, decoded["type"])
	assert.Equal(t, "j1", decoded["job_id"])

	assert.Empty(t, drainFrames(&other.conn))

	// Non-terminal: the stream stays attached
	sse, _, _ := s.registry.counts()
	assert.Equal(t, 2, sse)
}

func TestRouteTerminalClosesSSE(t *testing.T) {
	s, _ := newTestServer(t)

	c := newSSEClient("c1", "j1")
	s.registry.addSSE(c)

	s.route(event.NewJobCompleted("j1", "w1", nil))

	// Final frame queued, then the stream is detached and closed
	assert.Len(t, drainFrames(&c.conn), 1)
	sse, _, _ := s.registry.counts()
	assert.Equal(t, 0, sse)
	select {
	case <-c.done:
	default:
		t.Fatal("terminal event should close the SSE stream")
	}
}

func TestRouteToDuplexSubscription(t *testing.T) {
	s, _ := newTestServer(t)

	c := newWSClient("conn-1", "", nil)
	c.subscribe("j1")
	s.registry.addDuplex(c)

	s.route(event.NewJobProgress("j1", "w1", 10, ""))
	s.route(event.NewJobProgress("j2", "w1", 10, ""))

	assert.Len(t, drainFrames(&c.conn), 1, "only the subscribed job routes")
}

func TestRouteToSubmitter(t *testing.T) {
	s, _ := newTestServer(t)

	c := newWSClient("conn-1", "ext-1", nil)
	s.registry.addDuplex(c)
	s.registry.recordSubmitter("j1", "ext-1")

	s.route(event.NewJobProgress("j1", "w1", 10, ""))
	assert.Len(t, drainFrames(&c.conn), 1)

	// Terminal event delivers and clears the mapping
	s.route(event.NewJobFailed("j1", "w1", "boom"))
	assert.Len(t, drainFrames(&c.conn), 1)
	assert.Nil(t, s.registry.submitterFor("j1"))

	s.route(event.NewJobProgress("j1", "w1", 99, ""))
	assert.Empty(t, drainFrames(&c.conn), "cleared mapping stops routing")
}

func TestRouteSubmitterNotDoubleDelivered(t *testing.T) {
	s, _ := newTestServer(t)

	// Submitter that also explicitly subscribed must get one copy
	c := newWSClient("conn-1", "ext-1", nil)
	c.subscribe("j1")
	s.registry.addDuplex(c)
	s.registry.recordSubmitter("j1", "ext-1")

	s.route(event.NewJobProgress("j1", "w1", 10, ""))
	assert.Len(t, drainFrames(&c.conn), 1)
}

func TestRouteEvictsFullMonitor(t *testing.T) {
	s, _ := newTestServer(t)

	m := newMonitorConn("m1", nil)
	s.registry.addMonitor(m)
	for i := 0; i < sendBufferSize; i++ {
		require.True(t, m.trySend([]byte("fill")))
	}

	s.route(event.NewJobProgress("j1", "w1", 10, ""))

	_, _, monitors := s.registry.counts()
	assert.Equal(t, 0, monitors, "backed-up monitor is evicted")
	assert.Equal(t, int64(1), s.eventDrops.Load())
}

func TestRouteWorkerEventSkipsJobConnections(t *testing.T) {
	s, _ := newTestServer(t)

	sseC := newSSEClient("c1", "j1")
	s.registry.addSSE(sseC)
	m := newMonitorConn("m1", nil)
	s.registry.addMonitor(m)

	s.route(event.NewWorkerStatusChanged("w1", "idle", "busy", ""))

	assert.Empty(t, drainFrames(&sseC.conn), "worker events are not job-scoped")
	assert.Len(t, drainFrames(&m.conn), 1)
}
