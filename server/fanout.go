package server

import (
	"github.com/emprops/relay/event"
)

// runFanout is the single goroutine that drains the event channel. All
// delivery decisions happen here; connection sends never block it.
func (s *Server) runFanout() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Fan-out loop stopping due to context cancellation")
			return
		case e := <-s.events:
			s.route(e)
		}
	}
}

// route marshals the event once and delivers it to every interested
// connection: monitors by topic, SSE streams and duplex subscriptions by job
// id, and the submitting named client. Terminal events close job-scoped SSE
// streams and clear the submitter mapping.
func (s *Server) route(e event.Event) {
	frame := mustMarshal(e)
	topic := e.Topic()
	jobID := event.ScopedJobID(e)
	terminal := event.IsTerminal(e)
	delivered := 0

	for _, m := range s.registry.monitorSnapshot() {
		if !m.wants(topic) {
			continue
		}
		if m.trySend(frame) {
			delivered++
		} else {
			s.evictMonitor(m)
		}
	}

	if jobID != "" {
		for _, c := range s.registry.sseSnapshot() {
			if c.jobID != jobID {
				continue
			}
			if c.trySend(frame) {
				delivered++
				if terminal {
					// Final frame is queued; the stream drains it and ends
					s.registry.removeSSE(c.id)
				}
			} else {
				s.registry.removeSSE(c.id)
			}
		}

		for _, c := range s.registry.duplexSnapshot() {
			if !c.subscribed(jobID) {
				continue
			}
			if c.trySend(frame) {
				delivered++
			} else {
				s.evictDuplex(c)
			}
		}

		if submitter := s.registry.submitterFor(jobID); submitter != nil && !submitter.subscribed(jobID) {
			if submitter.trySend(frame) {
				delivered++
			} else {
				s.evictDuplex(submitter)
			}
		}
		if terminal {
			s.registry.clearSubmitter(jobID)
		}
	}

	s.eventsRouted.Add(1)
	s.logger.Debugw("Event routed",
		"type", e.EventType(),
		"topic", topic,
		"job_id", jobID,
		"delivered", delivered,
	)
}

// evictMonitor removes a monitor whose send queue backed up
func (s *Server) evictMonitor(m *monitorConn) {
	s.registry.removeMonitor(m.id)
	s.eventDrops.Add(1)
	s.logger.Warnw("Monitor send queue full, evicting", "monitor_id", m.id)
}

// evictDuplex removes a duplex client whose send queue backed up
func (s *Server) evictDuplex(c *wsClient) {
	s.registry.removeDuplex(c)
	s.eventDrops.Add(1)
	s.logger.Warnw("Client send queue full, evicting",
		"client_id", c.id,
		"external_id", c.externalID,
	)
}
