// Package link implements the Connection Manager: the state machine that
// owns the transport, drives connect/reconnect/heartbeat/backoff logic,
// adapts its timing to the measured network tier, and drains the offline
// queue on reconnect.
package link

// State is the connection lifecycle state. Exactly one is active per
// Manager instance at any time.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateRecoveryScheduled
	StateRecoveryAttempt
	StateWaitingForNetwork
	StateTokenExpired
	StateTokenRefresh
	StateDestroyed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateRecoveryScheduled:
		return "recovery_scheduled"
	case StateRecoveryAttempt:
		return "recovery_attempt"
	case StateWaitingForNetwork:
		return "waiting_for_network"
	case StateTokenExpired:
		return "token_expired"
	case StateTokenRefresh:
		return "token_refresh"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler for JSON/YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
