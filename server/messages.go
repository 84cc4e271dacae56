package server

import (
	"encoding/json"
	"time"
)

// Server-originated frame types. These are control frames, not lifecycle
// events; they never pass through fan-out.
const (
	frameConnected    = "connected"
	frameSnapshot     = "full_state_snapshot"
	frameStats        = "stats"
	frameError        = "error"
	framePong         = "pong"
	frameJobSubmitted = "job_submitted"
	frameJobStatus    = "job_status"
	frameSubscribed   = "subscribed"
	frameUnsubscribed = "unsubscribed"
	frameJobCancelled = "job_cancelled"
)

// clientMessage is the duplex request envelope. Clients may attach an id,
// echoed back as message_id on the response.
type clientMessage struct {
	Type             string          `json:"type"`
	ID               string          `json:"id,omitempty"`
	JobID            string          `json:"job_id,omitempty"`
	Job              json.RawMessage `json:"job,omitempty"`
	Topics           []string        `json:"topics,omitempty"`
	RequestFullState bool            `json:"request_full_state,omitempty"`
}

// connectedFrame greets a new connection with its assigned id
type connectedFrame struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id,omitempty"`
	MonitorID string `json:"monitor_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func newConnectedFrame() connectedFrame {
	return connectedFrame{Type: frameConnected, Timestamp: time.Now().UnixMilli()}
}

// errorFrame reports a duplex request failure
type errorFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

func newErrorFrame(messageID, errText string) errorFrame {
	return errorFrame{
		Type:      frameError,
		MessageID: messageID,
		Error:     errText,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ackFrame is the generic success envelope for duplex requests
type ackFrame struct {
	Type      string      `json:"type"`
	MessageID string      `json:"message_id,omitempty"`
	JobID     string      `json:"job_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func newAckFrame(frameType, messageID, jobID string) ackFrame {
	return ackFrame{
		Type:      frameType,
		MessageID: messageID,
		JobID:     jobID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// pongFrame answers monitor heartbeats
type pongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// statsFrame is broadcast to monitors periodically
type statsFrame struct {
	Type          string  `json:"type"`
	SSEClients    int     `json:"sse_clients"`
	DuplexClients int     `json:"duplex_clients"`
	Monitors      int     `json:"monitors"`
	EventsRouted  int64   `json:"events_routed"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Timestamp     int64   `json:"timestamp"`
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Frames are built from plain structs; a marshal failure is a bug
		panic(err)
	}
	return data
}
