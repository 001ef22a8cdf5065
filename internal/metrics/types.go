// Package metrics provides observational data types for the connection
// subsystem:
//   - Samples emitted by the Connection Manager (latency, errors, sends)
//   - Connection history events (connects/disconnects) for trend detection
//   - A fixed-capacity ring buffer backing both
//
// Everything here is passive. Nothing in this package drives control
// decisions.
package metrics

import "time"

// Sample is a single observed metric value.
type Sample struct {
	Name         string            `json:"name"`
	Value        float64           `json:"value"`
	Timestamp    time.Time         `json:"timestamp"`
	ConnectionID string            `json:"connection_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Dimensions   map[string]string `json:"dimensions,omitempty"`
}

// EventType classifies a connection history event.
type EventType string

const (
	EventConnect    EventType = "connect"
	EventDisconnect EventType = "disconnect"
)

// HistoryEvent records a connect or disconnect for pattern detection.
type HistoryEvent struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Well-known sample names emitted by the Connection Manager.
const (
	SampleHeartbeatRTT    = "heartbeat_rtt_ms"
	SampleConnectDuration = "connect_duration_ms"
	SampleMessageSent     = "message_sent"
	SampleMessageQueued   = "message_queued"
	SampleMessageDropped  = "message_dropped"
	SampleSendError       = "send_error"
	SampleProtocolError   = "protocol_error"
	SampleReconnect       = "reconnect_attempt"
)
