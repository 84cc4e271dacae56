package server

import (
	"sync"

	"github.com/gorilla/websocket"
)

// sendBufferSize bounds every connection's outbound queue. A full queue is
// treated as a dead connection and evicted.
const sendBufferSize = 64

// conn is the send half shared by every connection variant. Frames are
// pre-marshaled bytes; trySend never blocks.
type conn struct {
	id        string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string) conn {
	return conn{
		id:   id,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// trySend queues a frame, reporting false when the connection is closed or
// its queue is full.
func (c *conn) trySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close is idempotent. Closing done wakes the writer, which drains and exits.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// sseClient is a job-scoped progress stream. It lives until the job reaches
// a terminal state or the HTTP request context ends.
type sseClient struct {
	conn
	jobID string
}

func newSSEClient(id, jobID string) *sseClient {
	return &sseClient{conn: newConn(id), jobID: jobID}
}

// wsClient is a duplex WebSocket connection. Named clients carry the
// external id from the URL; legacy duplex connections have none.
type wsClient struct {
	conn
	sock       *websocket.Conn
	externalID string

	// subs is the set of job ids this client follows, guarded because the
	// read pump mutates it while fan-out reads it.
	subsMu sync.RWMutex
	subs   map[string]bool
}

func newWSClient(id, externalID string, sock *websocket.Conn) *wsClient {
	return &wsClient{
		conn:       newConn(id),
		sock:       sock,
		externalID: externalID,
		subs:       make(map[string]bool),
	}
}

func (c *wsClient) subscribe(jobID string) {
	c.subsMu.Lock()
	c.subs[jobID] = true
	c.subsMu.Unlock()
}

func (c *wsClient) unsubscribe(jobID string) {
	c.subsMu.Lock()
	delete(c.subs, jobID)
	c.subsMu.Unlock()
}

func (c *wsClient) subscribed(jobID string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subs[jobID]
}

// monitorConn is an operator monitor, attached over WebSocket or SSE.
// sock is nil for SSE monitors. An empty topic set means all topics.
type monitorConn struct {
	conn
	sock *websocket.Conn

	topicsMu sync.RWMutex
	topics   map[string]bool
}

func newMonitorConn(id string, sock *websocket.Conn) *monitorConn {
	return &monitorConn{
		conn:   newConn(id),
		sock:   sock,
		topics: make(map[string]bool),
	}
}

func (m *monitorConn) setTopics(topics []string) {
	m.topicsMu.Lock()
	m.topics = make(map[string]bool, len(topics))
	for _, t := range topics {
		m.topics[t] = true
	}
	m.topicsMu.Unlock()
}

// wants reports whether this monitor should receive an event on the given
// topic: an empty set matches everything, otherwise a topic matches exactly
// or as a prefix ("job" matches "jobs").
func (m *monitorConn) wants(topic string) bool {
	m.topicsMu.RLock()
	defer m.topicsMu.RUnlock()
	if len(m.topics) == 0 {
		return true
	}
	if m.topics[topic] {
		return true
	}
	for t := range m.topics {
		if len(t) < len(topic) && topic[:len(t)] == t {
			return true
		}
	}
	return false
}
