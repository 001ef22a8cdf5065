// Package transport provides the full-duplex message socket consumed by the
// Connection Manager. The manager never touches a WebSocket directly; it
// dials through a Dialer and speaks to the Transport interface, so tests
// and alternative carriers can substitute their own implementation.
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotOpen       = errors.New("transport not open")
	ErrAlreadyClosed = errors.New("transport already closed")
)

// Message wraps raw inbound data with a receive timestamp.
type Message struct {
	Data       []byte    // Raw message bytes from the socket
	ReceivedAt time.Time // Local timestamp when the read returned
}

// CloseEvent describes why the transport stopped.
type CloseEvent struct {
	Code   int    // Close code from the peer, or 0 when unknown
	Reason string // Close reason text, if any
	Err    error  // Underlying read error for abnormal closures
}

// Transport is a single open full-duplex message socket.
type Transport interface {
	// Send writes raw bytes to the socket.
	Send(data []byte) error

	// Close closes the socket with the given close code and reason.
	// Safe to call more than once.
	Close(code int, reason string) error

	// Messages returns the channel of inbound messages. It is closed
	// after the transport stops reading.
	Messages() <-chan Message

	// Closed returns a channel that delivers exactly one CloseEvent
	// when the socket dies or is closed by the peer.
	Closed() <-chan CloseEvent

	// IsOpen reports whether the socket is currently usable.
	IsOpen() bool
}

// Dialer opens transports. The Connection Manager holds one Dialer for the
// lifetime of the instance and dials a fresh Transport per attempt.
type Dialer interface {
	Dial(ctx context.Context, address string, header http.Header) (Transport, error)
}
