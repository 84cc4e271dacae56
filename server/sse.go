package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// sseHeartbeatInterval is how often comment frames keep intermediaries from
// timing out an idle stream.
const sseHeartbeatInterval = 15 * time.Second

// writeSSE writes one data frame in text/event-stream format
func writeSSE(w http.ResponseWriter, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// writeSSEComment writes a comment frame (keepalive, ignored by clients)
func writeSSEComment(w http.ResponseWriter, comment string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", comment)
	return err
}

// prepareSSE sets stream headers and clears the write deadline so a
// long-lived response is not killed by server write timeouts.
func prepareSSE(w http.ResponseWriter) (http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		// Not fatal: the stream still works until the server's write timeout
		return flusher, nil
	}
	return flusher, nil
}

// handleJobProgressSSE streams lifecycle events for one job until the job
// reaches a terminal state or the client goes away.
func (s *Server) handleJobProgressSSE(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, err := s.queue.Get(r.Context(), jobID); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Job %s not found", jobID))
		return
	}

	flusher, err := prepareSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	client := newSSEClient(uuid.NewString(), jobID)
	connected := newConnectedFrame()
	connected.ClientID = client.id
	connected.JobID = jobID
	if err := writeSSE(w, mustMarshal(connected)); err != nil {
		return
	}
	flusher.Flush()

	s.registry.addSSE(client)
	defer s.registry.removeSSE(client.id)

	s.logger.Infow("SSE progress stream attached",
		"client_id", client.id,
		"job_id", jobID,
	)
	s.streamSSE(w, r, flusher, &client.conn)

	s.logger.Infow("SSE progress stream detached",
		"client_id", client.id,
		"job_id", jobID,
	)
}

// handleMonitorSSE streams all monitor-facing events, preceded by a full
// state snapshot. Topic filtering for SSE monitors comes from the ?topics=
// query parameter; empty means everything.
func (s *Server) handleMonitorSSE(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r.URL.Query().Get("token")) {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	flusher, err := prepareSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	monitor := newMonitorConn(uuid.NewString(), nil)
	if topics := r.URL.Query()["topics"]; len(topics) > 0 {
		monitor.setTopics(topics)
	}

	connected := newConnectedFrame()
	connected.MonitorID = monitor.id
	if err := writeSSE(w, mustMarshal(connected)); err != nil {
		return
	}
	flusher.Flush()

	snapshot, err := s.buildSnapshot(r.Context())
	if err != nil {
		s.logger.Warnw("Snapshot build failed for SSE monitor",
			"monitor_id", monitor.id,
			"error", err,
		)
	} else {
		snapshot.MonitorID = monitor.id
		if err := writeSSE(w, mustMarshal(snapshot)); err != nil {
			return
		}
		flusher.Flush()
	}

	s.registry.addMonitor(monitor)
	defer s.registry.removeMonitor(monitor.id)

	s.logger.Infow("SSE monitor attached", "monitor_id", monitor.id)
	s.streamSSE(w, r, flusher, &monitor.conn)
	s.logger.Infow("SSE monitor detached", "monitor_id", monitor.id)
}

// streamSSE pumps queued frames to the response until the connection closes.
// When fan-out closes the connection (terminal event), queued frames are
// drained before the stream ends so the final frame is never lost.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, flusher http.Flusher, c *conn) {
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			// Shutdown: flush anything queued, then mark the end of stream
			s.drainSSE(w, flusher, c)
			if writeSSEComment(w, "stream closed") == nil {
				flusher.Flush()
			}
			return
		case frame := <-c.send:
			if err := writeSSE(w, frame); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if err := writeSSEComment(w, "heartbeat"); err != nil {
				return
			}
			flusher.Flush()
		case <-c.done:
			s.drainSSE(w, flusher, c)
			return
		}
	}
}

// drainSSE flushes frames still queued on a closing connection so the final
// frame is never lost.
func (s *Server) drainSSE(w http.ResponseWriter, flusher http.Flusher, c *conn) {
	for {
		select {
		case frame := <-c.send:
			if err := writeSSE(w, frame); err != nil {
				return
			}
			flusher.Flush()
		default:
			return
		}
	}
}
