package link

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved message types. Everything else is a domain message dispatched
// to registered handlers by type.
const (
	TypeHeartbeat         = "heartbeat"
	TypeHeartbeatResponse = "heartbeat_response"
)

// WildcardType registers a handler for every inbound message type.
const WildcardType = "*"

// Close codes on the wire.
const (
	CloseNormal           = 1000 // clean shutdown, no reconnect
	CloseGoingAway        = 1001 // peer going away, no reconnect
	CloseHeartbeatTimeout = 4000 // manager-initiated closure of a silently dead socket
	CloseAuthMin          = 4001 // start of the authentication failure range
	CloseAuthMax          = 4004 // end of the authentication failure range
)

// isCleanClose reports whether a close code requires no reconnection.
func isCleanClose(code int) bool {
	return code == CloseNormal || code == CloseGoingAway
}

// isAuthClose reports whether a close code signals an authentication
// failure, which routes to the token-refresh flow instead of backoff.
func isAuthClose(code int) bool {
	return code >= CloseAuthMin && code <= CloseAuthMax
}

// SendStatus is the outcome of a Send call. A message is never silently
// lost from the caller's perspective.
type SendStatus int

const (
	SendDelivered SendStatus = iota
	SendQueued
	SendDropped
)

// String returns the status name.
func (s SendStatus) String() string {
	switch s {
	case SendDelivered:
		return "delivered"
	case SendQueued:
		return "queued"
	case SendDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Queue priorities derived from message type. Higher drains first.
const (
	PriorityCritical = 3
	PriorityState    = 2
	PriorityDefault  = 1
)

var messagePriorities = map[string]int{
	"translation":   PriorityCritical,
	"transcript":    PriorityCritical,
	"audio_chunk":   PriorityCritical,
	"session_state": PriorityState,
	"session_end":   PriorityState,
	"user_action":   PriorityState,
	"presence":      PriorityState,
}

// PriorityFor maps a message type to its offline-queue priority.
func PriorityFor(msgType string) int {
	if p, ok := messagePriorities[msgType]; ok {
		return p
	}
	return PriorityDefault
}

// Envelope is the JSON message envelope spoken over the transport. Known
// fields are lifted into struct fields; everything else rides in Payload
// and is flattened back into the top-level object on marshal.
type Envelope struct {
	Type              string
	ID                string
	Timestamp         int64 // unix milliseconds
	ConnectionID      string
	SessionID         string
	OriginalTimestamp int64 // echoed by heartbeat_response
	Payload           map[string]any
}

// NowMillis returns the current time as envelope milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// MarshalJSON flattens Payload and the known fields into one object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+6)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	if e.ID != "" {
		out["id"] = e.ID
	}
	if e.Timestamp != 0 {
		out["timestamp"] = e.Timestamp
	}
	if e.ConnectionID != "" {
		out["connection_id"] = e.ConnectionID
	}
	if e.SessionID != "" {
		out["session_id"] = e.SessionID
	}
	if e.OriginalTimestamp != 0 {
		out["original_timestamp"] = e.OriginalTimestamp
	}
	return json.Marshal(out)
}

// UnmarshalJSON lifts known fields and collects the rest into Payload.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	if err := takeString(raw, "type", &e.Type); err != nil {
		return err
	}
	if err := takeString(raw, "id", &e.ID); err != nil {
		return err
	}
	if err := takeString(raw, "connection_id", &e.ConnectionID); err != nil {
		return err
	}
	if err := takeString(raw, "session_id", &e.SessionID); err != nil {
		return err
	}
	if err := takeMillis(raw, "timestamp", &e.Timestamp); err != nil {
		return err
	}
	if err := takeMillis(raw, "original_timestamp", &e.OriginalTimestamp); err != nil {
		return err
	}

	if len(raw) > 0 {
		e.Payload = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return fmt.Errorf("decode envelope field %q: %w", k, err)
			}
			e.Payload[k] = val
		}
	}
	return nil
}

func takeString(raw map[string]json.RawMessage, key string, dst *string) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	delete(raw, key)
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("decode envelope field %q: %w", key, err)
	}
	return nil
}

// takeMillis accepts integer or float timestamps; JSON peers are not
// consistent about which they emit.
func takeMillis(raw map[string]json.RawMessage, key string, dst *int64) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	delete(raw, key)
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return fmt.Errorf("decode envelope field %q: %w", key, err)
	}
	*dst = int64(f)
	return nil
}
