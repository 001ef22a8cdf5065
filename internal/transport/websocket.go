package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialerConfig configures the WebSocket dialer.
type WSDialerConfig struct {
	HandshakeTimeout time.Duration // Dial handshake deadline
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Inbound message channel buffer size
}

// DefaultWSDialerConfig returns sensible defaults.
func DefaultWSDialerConfig() WSDialerConfig {
	return WSDialerConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// WSDialer opens gorilla/websocket-backed transports.
type WSDialer struct {
	cfg    WSDialerConfig
	logger *slog.Logger
}

// NewWSDialer creates a WebSocket dialer.
func NewWSDialer(cfg WSDialerConfig, logger *slog.Logger) *WSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1000
	}
	return &WSDialer{cfg: cfg, logger: logger}
}

// Dial opens a WebSocket connection and starts its read loop.
func (d *WSDialer) Dial(ctx context.Context, address string, header http.Header) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, address, header)
	if err != nil {
		return nil, err
	}

	t := &wsTransport{
		cfg:      d.cfg,
		logger:   d.logger,
		conn:     conn,
		messages: make(chan Message, d.cfg.BufferSize),
		closed:   make(chan CloseEvent, 1),
		done:     make(chan struct{}),
		open:     true,
	}

	// Answer transport-level pings so intermediaries keep the socket alive.
	// Liveness detection itself is the manager's application heartbeat.
	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	go t.readLoop()

	d.logger.Debug("websocket opened", "address", address)
	return t, nil
}

// wsTransport implements Transport over a gorilla/websocket connection.
type wsTransport struct {
	cfg    WSDialerConfig
	logger *slog.Logger
	conn   *websocket.Conn

	messages chan Message
	closed   chan CloseEvent
	done     chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu        sync.RWMutex
	open      bool
	closeOnce sync.Once
}

// Send writes raw bytes to the socket.
func (t *wsTransport) Send(data []byte) error {
	t.mu.RLock()
	if !t.open {
		t.mu.RUnlock()
		return ErrNotOpen
	}
	t.mu.RUnlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the socket with the given code and reason.
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.open = false
		t.mu.Unlock()

		close(t.done)

		t.writeMu.Lock()
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()

		err = t.conn.Close()

		// Local closure still produces a close event so a reader blocked
		// on Closed() always wakes up.
		t.deliverClose(CloseEvent{Code: code, Reason: reason})
	})
	return err
}

// Messages returns the inbound message channel.
func (t *wsTransport) Messages() <-chan Message {
	return t.messages
}

// Closed returns the close event channel.
func (t *wsTransport) Closed() <-chan CloseEvent {
	return t.closed
}

// IsOpen reports whether the socket is usable.
func (t *wsTransport) IsOpen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.open
}

// readLoop reads messages until the socket dies, then delivers the close
// event and closes the message channel.
func (t *wsTransport) readLoop() {
	defer close(t.messages)

	for {
		select {
		case <-t.done:
			return
		default:
		}

		_, data, err := t.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			t.mu.Lock()
			t.open = false
			t.mu.Unlock()

			select {
			case <-t.done:
				// Close() already delivered the local close event.
			default:
				t.deliverClose(closeEventFromError(err))
			}
			return
		}

		msg := Message{Data: data, ReceivedAt: receivedAt}
		select {
		case t.messages <- msg:
		case <-t.done:
			return
		default:
			t.logger.Warn("inbound buffer full, dropping message")
		}
	}
}

// deliverClose sends a close event exactly once; the channel has capacity 1.
func (t *wsTransport) deliverClose(ev CloseEvent) {
	select {
	case t.closed <- ev:
	default:
	}
}

// closeEventFromError maps a read error to a CloseEvent, extracting the
// peer close code when the error carries one.
func closeEventFromError(err error) CloseEvent {
	if ce, ok := err.(*websocket.CloseError); ok {
		return CloseEvent{Code: ce.Code, Reason: ce.Text, Err: err}
	}
	return CloseEvent{Err: err}
}
