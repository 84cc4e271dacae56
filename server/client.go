package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/emprops/relay/errors"
	"github.com/emprops/relay/job"
)

// WebSocket timeout constants following Gorilla best practices
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer (control sockets, not payloads)
	maxMessageSize = 512 * 1024
)

// closePolicyViolation is sent when a supplied token does not match
const closePolicyViolation = websocket.ClosePolicyViolation // 1008

// serveClientWS upgrades a duplex client connection. externalID is the id
// from /ws/client/{id}; legacy duplex connections pass "".
func (s *Server) serveClientWS(w http.ResponseWriter, r *http.Request, externalID string) {
	sock, err := s.upgrade(w, r)
	if err != nil {
		return
	}
	if !s.authorized(r.URL.Query().Get("token")) {
		s.closeWithCode(sock, closePolicyViolation, "invalid token")
		return
	}

	client := newWSClient(uuid.NewString(), externalID, sock)
	s.registry.addDuplex(client)

	connected := newConnectedFrame()
	connected.ClientID = client.id
	client.trySend(mustMarshal(connected))

	s.logger.Infow("Duplex client connected",
		"client_id", client.id,
		"external_id", externalID,
	)

	s.wg.Add(2)
	go s.clientWritePump(client)
	go s.clientReadPump(client)
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err, "path", r.URL.Path)
		return nil, err
	}
	return sock, nil
}

func (s *Server) closeWithCode(sock *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	sock.Close()
}

// clientReadPump reads duplex requests until the socket dies
func (s *Server) clientReadPump(c *wsClient) {
	defer func() {
		s.wg.Done()
		s.registry.removeDuplex(c)
		c.sock.Close()
		s.logger.Infow("Duplex client disconnected",
			"client_id", c.id,
			"external_id", c.externalID,
		)
	}()

	c.sock.SetReadLimit(maxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warnw("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.trySend(mustMarshal(newErrorFrame("", "invalid JSON")))
			continue
		}
		s.routeClientMessage(c, &msg)
	}
}

// clientWritePump owns all socket writes: queued frames plus keepalive pings
func (s *Server) clientWritePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		s.wg.Done()
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.closeWithCode(c.sock, websocket.CloseNormalClosure, "server shutting down")
			return
		case <-c.done:
			// Drain anything fan-out queued before the close
			for {
				select {
				case frame := <-c.send:
					c.sock.SetWriteDeadline(time.Now().Add(writeWait))
					if c.sock.WriteMessage(websocket.TextMessage, frame) != nil {
						return
					}
				default:
					s.closeWithCode(c.sock, websocket.CloseNormalClosure, "")
					return
				}
			}
		case frame := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debugw("WebSocket write failed", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// routeClientMessage dispatches one duplex request
func (s *Server) routeClientMessage(c *wsClient, msg *clientMessage) {
	switch msg.Type {
	case "submit_job":
		s.handleDuplexSubmit(c, msg)
	case "subscribe_progress":
		if msg.JobID == "" {
			c.trySend(mustMarshal(newErrorFrame(msg.ID, "subscribe_progress requires job_id")))
			return
		}
		c.subscribe(msg.JobID)
		c.trySend(mustMarshal(newAckFrame(frameSubscribed, msg.ID, msg.JobID)))
	case "unsubscribe_progress":
		if msg.JobID == "" {
			c.trySend(mustMarshal(newErrorFrame(msg.ID, "unsubscribe_progress requires job_id")))
			return
		}
		c.unsubscribe(msg.JobID)
		c.trySend(mustMarshal(newAckFrame(frameUnsubscribed, msg.ID, msg.JobID)))
	case "get_job_status":
		s.handleDuplexStatus(c, msg)
	case "cancel_job":
		s.handleDuplexCancel(c, msg)
	default:
		c.trySend(mustMarshal(newErrorFrame(msg.ID, "unknown message type: "+msg.Type)))
	}
}

func (s *Server) handleDuplexSubmit(c *wsClient, msg *clientMessage) {
	var sub job.Submission
	if len(msg.Job) > 0 {
		if err := json.Unmarshal(msg.Job, &sub); err != nil {
			c.trySend(mustMarshal(newErrorFrame(msg.ID, "invalid job payload")))
			return
		}
	}

	j, err := s.queue.Submit(s.ctx, &sub)
	if err != nil {
		c.trySend(mustMarshal(newErrorFrame(msg.ID, err.Error())))
		return
	}

	// Route future events for this job back to the submitter
	if c.externalID != "" {
		s.registry.recordSubmitter(j.ID, c.externalID)
	} else {
		c.subscribe(j.ID)
	}

	ack := newAckFrame(frameJobSubmitted, msg.ID, j.ID)
	c.trySend(mustMarshal(ack))
}

func (s *Server) handleDuplexStatus(c *wsClient, msg *clientMessage) {
	if msg.JobID == "" {
		c.trySend(mustMarshal(newErrorFrame(msg.ID, "get_job_status requires job_id")))
		return
	}
	j, err := s.queue.Get(s.ctx, msg.JobID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			c.trySend(mustMarshal(newErrorFrame(msg.ID, "job not found: "+msg.JobID)))
		} else {
			c.trySend(mustMarshal(newErrorFrame(msg.ID, err.Error())))
		}
		return
	}
	ack := newAckFrame(frameJobStatus, msg.ID, j.ID)
	ack.Data = j
	c.trySend(mustMarshal(ack))
}

func (s *Server) handleDuplexCancel(c *wsClient, msg *clientMessage) {
	if msg.JobID == "" {
		c.trySend(mustMarshal(newErrorFrame(msg.ID, "cancel_job requires job_id")))
		return
	}
	if err := s.queue.Cancel(s.ctx, msg.JobID); err != nil {
		c.trySend(mustMarshal(newErrorFrame(msg.ID, err.Error())))
		return
	}
	c.trySend(mustMarshal(newAckFrame(frameJobCancelled, msg.ID, msg.JobID)))
}
