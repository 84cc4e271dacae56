package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// serveMonitorWS upgrades an operator monitor connection. The snapshot is
// sent when the monitor asks for it (monitor_connect with
// request_full_state), matching the UI handshake.
func (s *Server) serveMonitorWS(w http.ResponseWriter, r *http.Request, monitorID string) {
	sock, err := s.upgrade(w, r)
	if err != nil {
		return
	}
	if !s.authorized(r.URL.Query().Get("token")) {
		s.closeWithCode(sock, closePolicyViolation, "invalid token")
		return
	}

	if monitorID == "" {
		monitorID = uuid.NewString()
	}
	monitor := newMonitorConn(monitorID, sock)
	s.registry.addMonitor(monitor)

	connected := newConnectedFrame()
	connected.MonitorID = monitor.id
	monitor.trySend(mustMarshal(connected))

	s.logger.Infow("Monitor connected", "monitor_id", monitor.id)

	s.wg.Add(2)
	go s.monitorWritePump(monitor)
	go s.monitorReadPump(monitor)
}

func (s *Server) monitorReadPump(m *monitorConn) {
	defer func() {
		s.wg.Done()
		s.registry.removeMonitor(m.id)
		m.sock.Close()
		s.logger.Infow("Monitor disconnected", "monitor_id", m.id)
	}()

	m.sock.SetReadLimit(maxMessageSize)
	m.sock.SetReadDeadline(time.Now().Add(pongWait))
	m.sock.SetPongHandler(func(string) error {
		m.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := m.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warnw("Monitor read error", "monitor_id", m.id, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			m.trySend(mustMarshal(newErrorFrame("", "invalid JSON")))
			continue
		}
		s.routeMonitorMessage(m, &msg)
	}
}

func (s *Server) monitorWritePump(m *monitorConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		s.wg.Done()
		ticker.Stop()
		m.sock.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.closeWithCode(m.sock, websocket.CloseNormalClosure, "server shutting down")
			return
		case <-m.done:
			s.closeWithCode(m.sock, websocket.CloseNormalClosure, "")
			return
		case frame := <-m.send:
			m.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debugw("Monitor write failed", "monitor_id", m.id, "error", err)
				return
			}
		case <-ticker.C:
			m.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) routeMonitorMessage(m *monitorConn, msg *clientMessage) {
	switch msg.Type {
	case "monitor_connect":
		if msg.RequestFullState {
			s.sendSnapshot(m)
		}
	case "subscribe":
		m.setTopics(msg.Topics)
		s.logger.Debugw("Monitor topics updated", "monitor_id", m.id, "topics", msg.Topics)
		// Topic changes refresh the baseline too
		s.sendSnapshot(m)
	case "heartbeat":
		m.trySend(mustMarshal(pongFrame{Type: framePong, Timestamp: time.Now().UnixMilli()}))
	default:
		m.trySend(mustMarshal(newErrorFrame(msg.ID, "unknown message type: "+msg.Type)))
	}
}

func (s *Server) sendSnapshot(m *monitorConn) {
	snapshot, err := s.buildSnapshot(s.ctx)
	if err != nil {
		s.logger.Warnw("Snapshot build failed", "monitor_id", m.id, "error", err)
		m.trySend(mustMarshal(newErrorFrame("", "snapshot unavailable")))
		return
	}
	snapshot.MonitorID = m.id
	m.trySend(mustMarshal(snapshot))
}

// runStatsBroadcaster pushes a stats frame to monitors periodically, skipping
// the work entirely while no monitor is attached.
func (s *Server) runStatsBroadcaster() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			monitors := s.registry.monitorSnapshot()
			if len(monitors) == 0 {
				continue
			}
			stats := s.systemStats()
			frame := mustMarshal(statsFrame{
				Type:          frameStats,
				SSEClients:    stats.SSEClients,
				DuplexClients: stats.DuplexClients,
				Monitors:      stats.Monitors,
				EventsRouted:  s.eventsRouted.Load(),
				MemoryUsedMB:  stats.MemoryUsedMB,
				Goroutines:    stats.Goroutines,
				UptimeSeconds: stats.UptimeSeconds,
				Timestamp:     time.Now().UnixMilli(),
			})
			for _, m := range monitors {
				if !m.trySend(frame) {
					s.evictMonitor(m)
				}
			}
		}
	}
}
