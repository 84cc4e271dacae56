package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emprops/relay/event"
	"github.com/emprops/relay/job"
	"github.com/emprops/relay/store"
)

func TestWriteSSEFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, writeSSE(rec, []byte(`{"type":"x"}`)))
	require.NoError(t, writeSSEComment(rec, "heartbeat"))

	assert.Equal(t, "data: {\"type\":\"x\"}\n\n: heartbeat\n\n", rec.Body.String())
}

func TestJobProgressSSEUnknownJob(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/jobs/ghost/progress", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobProgressSSEStreamsUntilTerminal(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.store.SetHashFields(ctx, store.JobKey("j1"), map[string]interface{}{
		"id":         "j1",
		"status":     string(job.StatusInProgress),
		"created_at": time.Now().UTC().Format(job.TimestampFormat),
	}))

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/j1/progress", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.handleJobProgressSSE(rec, req, "j1")
		close(done)
	}()

	// Wait for the stream to register, then drive it through fan-out
	require.Eventually(t, func() bool {
		sse, _, _ := s.registry.counts()
		return sse == 1
	}, 2*time.Second, 5*time.Millisecond)

	s.route(event.NewJobProgress("j1", "w1", 50, "halfway"))
	s.route(event.NewJobCompleted("j1", "w1", nil))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close after the terminal event")
	}

	body := rec.Body.String()
	assert.Contains(t, body, `"type":"connected"`)
	assert.Contains(t, body, `"type":"update_job_progress"`)
	assert.Contains(t, body, `"type":"complete_job"`)

	sse, _, _ := s.registry.counts()
	assert.Equal(t, 0, sse)
}

func TestSSEStreamClosesOnShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.store.SetHashFields(ctx, store.JobKey("j1"), map[string]interface{}{
		"id":         "j1",
		"status":     string(job.StatusInProgress),
		"created_at": time.Now().UTC().Format(job.TimestampFormat),
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/j1/progress", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.handleJobProgressSSE(rec, req, "j1")
		close(done)
	}()

	require.Eventually(t, func() bool {
		sse, _, _ := s.registry.counts()
		return sse == 1
	}, 2*time.Second, 5*time.Millisecond)

	s.route(event.NewJobProgress("j1", "w1", 25, "early"))
	s.cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close on shutdown")
	}

	body := rec.Body.String()
	assert.Contains(t, body, `"type":"update_job_progress"`, "queued frame drains before close")
	assert.Contains(t, body, ": stream closed\n\n")
}
