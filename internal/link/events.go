package link

import "time"

// StateChange is delivered to state listeners on every transition.
// Generation identifies the connection epoch the transition belongs to,
// so observers can correlate events across reconnect cycles.
type StateChange struct {
	Previous   State     `json:"previous"`
	New        State     `json:"new"`
	Reason     string    `json:"reason"`
	Generation uint64    `json:"generation"`
	Timestamp  time.Time `json:"timestamp"`
}

// MessageHandler receives inbound domain messages. Handlers run on the
// read loop goroutine and must not block.
type MessageHandler func(Envelope)

// StateChangeHandler receives state transitions.
type StateChangeHandler func(StateChange)
