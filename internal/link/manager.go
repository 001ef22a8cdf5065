package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medbridge/edgelink/internal/metrics"
	"github.com/medbridge/edgelink/internal/netquality"
	"github.com/medbridge/edgelink/internal/netstatus"
	"github.com/medbridge/edgelink/internal/queue"
	"github.com/medbridge/edgelink/internal/transport"
)

// Errors
var (
	ErrDestroyed    = errors.New("connection manager destroyed")
	ErrNotConnected = errors.New("not connected")
)

// Defaults
const (
	DefaultConnectTimeout      = 15 * time.Second
	DefaultStabilityWindow     = 30 * time.Second
	DefaultNetworkPollInterval = 5 * time.Second
)

// TokenRefreshFunc obtains a fresh auth token after the peer rejects the
// current one. Returning an empty token or an error ends the session.
type TokenRefreshFunc func(ctx context.Context) (string, error)

// ConnectParams carries the per-session parameters of a Connect call.
type ConnectParams struct {
	SessionID    string
	Token        string
	TokenRefresh TokenRefreshFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithOfflineQueue sets the durable offline queue drained on reconnect.
func WithOfflineQueue(q *queue.Queue) Option {
	return func(m *Manager) { m.offline = q }
}

// WithEstimator sets the network quality estimator consulted for
// reconnection strategy.
func WithEstimator(e *netquality.Estimator) Option {
	return func(m *Manager) { m.estimator = e }
}

// WithNetworkSource sets the host online/offline source.
func WithNetworkSource(src netstatus.Source) Option {
	return func(m *Manager) { m.network = src }
}

// WithConnectTimeout sets the per-dial deadline.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

// WithStabilityWindow sets how long a connection must stay open before
// the attempt budget resets.
func WithStabilityWindow(d time.Duration) Option {
	return func(m *Manager) { m.stabilityWindow = d }
}

// WithNetworkPollInterval sets how often readiness is polled while the
// host is offline.
func WithNetworkPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.networkPollInterval = d }
}

// WithStrategies overrides the per-tier reconnection strategy table.
func WithStrategies(s map[netquality.Tier]netquality.Strategy) Option {
	return func(m *Manager) { m.strategies = s }
}

// WithMemoryQueueCapacity bounds the best-effort in-memory fallback queue.
func WithMemoryQueueCapacity(n int) Option {
	return func(m *Manager) { m.memCapacity = n }
}

// Manager owns one logical connection. All state transitions are
// serialized through mu; timer callbacks capture the generation current
// when they were armed and become no-ops once it moves on.
type Manager struct {
	dialer    transport.Dialer
	offline   *queue.Queue
	estimator *netquality.Estimator
	network   netstatus.Source
	logger    *slog.Logger

	connectTimeout      time.Duration
	stabilityWindow     time.Duration
	networkPollInterval time.Duration
	strategies          map[netquality.Tier]netquality.Strategy
	memCapacity         int

	mu           sync.Mutex
	state        State
	generation   uint64
	attempts     int
	strategy     netquality.Strategy
	address      string
	sessionID    string
	token        string
	refreshToken TokenRefreshFunc
	connectionID string
	tr           transport.Transport
	forceClosed  bool
	destroyed    bool
	memQueue     []queue.Message

	heartbeatSentAt       time.Time
	heartbeatTimer        *time.Timer
	heartbeatTimeoutTimer *time.Timer
	reconnectTimer        *time.Timer
	recoveryTimer         *time.Timer
	stabilityTimer        *time.Timer
	networkPollTimer      *time.Timer

	listenerMu     sync.Mutex
	handlers       map[string][]MessageHandler
	stateHandlers  []StateChangeHandler
	metricHandlers []func(metrics.Sample)

	events  chan StateChange
	samples chan metrics.Sample
	done    chan struct{}
}

// NewManager creates a manager over the given dialer. The manager starts
// in StateDisconnected and opens nothing until Connect is called.
func NewManager(dialer transport.Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:              dialer,
		logger:              slog.Default(),
		connectTimeout:      DefaultConnectTimeout,
		stabilityWindow:     DefaultStabilityWindow,
		networkPollInterval: DefaultNetworkPollInterval,
		memCapacity:         queue.MaxQueueSize,
		state:               StateDisconnected,
		handlers:            make(map[string][]MessageHandler),
		events:              make(chan StateChange, 128),
		samples:             make(chan metrics.Sample, 256),
		done:                make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.strategy = m.strategyFor(netquality.TierGood)

	go m.dispatch()
	return m
}

// dispatch fans events and samples out to listeners on a dedicated
// goroutine, keeping listener code off the state machine's lock.
func (m *Manager) dispatch() {
	for {
		select {
		case ev := <-m.events:
			m.notifyState(ev)
		case s := <-m.samples:
			m.notifyMetric(s)
		case <-m.done:
			// Drain what was emitted before shutdown.
			for {
				select {
				case ev := <-m.events:
					m.notifyState(ev)
				case s := <-m.samples:
					m.notifyMetric(s)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) notifyState(ev StateChange) {
	m.listenerMu.Lock()
	handlers := make([]StateChangeHandler, len(m.stateHandlers))
	copy(handlers, m.stateHandlers)
	m.listenerMu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (m *Manager) notifyMetric(s metrics.Sample) {
	m.listenerMu.Lock()
	handlers := make([]func(metrics.Sample), len(m.metricHandlers))
	copy(handlers, m.metricHandlers)
	m.listenerMu.Unlock()

	for _, h := range handlers {
		h(s)
	}
}

// OnMessage registers a handler for a message type. WildcardType receives
// every domain message.
func (m *Manager) OnMessage(msgType string, h MessageHandler) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.handlers[msgType] = append(m.handlers[msgType], h)
}

// OnStateChange registers a state transition listener.
func (m *Manager) OnStateChange(h StateChangeHandler) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.stateHandlers = append(m.stateHandlers, h)
}

// OnMetric registers a metric sample listener.
func (m *Manager) OnMetric(h func(metrics.Sample)) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.metricHandlers = append(m.metricHandlers, h)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the current reconnect attempt count.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// ConnectionID returns the ID of the current connection, empty when not
// connected.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionID
}

// SessionID returns the session this manager serves.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Strategy returns the reconnection strategy currently in effect.
func (m *Manager) Strategy() netquality.Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strategy
}

// strategyFor resolves a tier to a strategy, honoring overrides.
func (m *Manager) strategyFor(tier netquality.Tier) netquality.Strategy {
	if m.strategies != nil {
		if s, ok := m.strategies[tier]; ok {
			return s
		}
	}
	return netquality.StrategyFor(tier)
}

// currentTier reads the estimator's last tier, defaulting when absent.
func (m *Manager) currentTier() netquality.Tier {
	if m.estimator == nil {
		return netquality.TierGood
	}
	return m.estimator.Last().Tier
}

// Connect opens the connection. On dial failure it returns the error and
// also begins background reconnection, so a caller that ignores the error
// still converges to connected once the network allows.
func (m *Manager) Connect(ctx context.Context, address string, params ConnectParams) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	m.generation++
	gen := m.generation
	m.stopTimersLocked()
	if old := m.tr; old != nil {
		m.tr = nil
		go old.Close(CloseNormal, "superseded by new connect")
	}
	m.forceClosed = false
	m.address = address
	m.sessionID = params.SessionID
	m.token = params.Token
	m.refreshToken = params.TokenRefresh
	m.attempts = 0
	m.strategy = m.strategyFor(m.currentTier())
	m.setStateLocked(StateConnecting, "connect requested")
	m.mu.Unlock()

	start := time.Now()
	tr, err := m.dial(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.destroyed {
		if tr != nil {
			tr.Close(CloseNormal, "superseded")
		}
		return ErrDestroyed
	}
	if err != nil {
		m.logger.Warn("connect failed", "address", address, "error", err)
		m.beginReconnectLocked("initial connect failed")
		return fmt.Errorf("connect %s: %w", address, err)
	}

	m.adoptTransportLocked(tr, gen, start)
	return nil
}

// dial opens a transport to the stored address with the stored token.
func (m *Manager) dial(ctx context.Context) (transport.Transport, error) {
	m.mu.Lock()
	address, token := m.address, m.token
	timeout := m.connectTimeout
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return m.dialer.Dial(dialCtx, address, header)
}

// adoptTransportLocked installs a freshly dialed transport: transitions to
// connected, starts the heartbeat and stability timers, and kicks off the
// read loop and queue drain.
func (m *Manager) adoptTransportLocked(tr transport.Transport, gen uint64, dialStart time.Time) {
	m.tr = tr
	m.connectionID = uuid.NewString()
	m.setStateLocked(StateConnected, "transport open")
	m.emitMetricLocked(metrics.SampleConnectDuration, float64(time.Since(dialStart).Milliseconds()), nil)

	m.armHeartbeatLocked(gen)

	m.stabilityTimer = time.AfterFunc(m.stabilityWindow, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.generation || m.state != StateConnected {
			return
		}
		if m.attempts != 0 {
			m.logger.Debug("connection stable, attempt budget reset", "window", m.stabilityWindow)
			m.attempts = 0
		}
	})

	go m.readLoop(tr, gen)
	go m.drainQueues(tr, gen)
}

// readLoop pumps inbound messages and the terminal close event for one
// transport. It exits when the transport dies.
func (m *Manager) readLoop(tr transport.Transport, gen uint64) {
	msgs := tr.Messages()
	closed := tr.Closed()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			m.handleMessage(gen, tr, msg)
		case ev := <-closed:
			m.handleClose(gen, ev)
			return
		}
	}
}

// handleMessage decodes and dispatches one inbound message. Malformed
// payloads are logged and dropped without touching connection state.
func (m *Manager) handleMessage(gen uint64, tr transport.Transport, msg transport.Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.Type == "" {
		m.logger.Warn("malformed message dropped", "bytes", len(msg.Data), "error", err)
		m.emitMetric(metrics.SampleProtocolError, 1, nil)
		return
	}

	switch env.Type {
	case TypeHeartbeatResponse:
		m.onHeartbeatResponse(gen, env)
	case TypeHeartbeat:
		// Peer-initiated liveness probe: echo it back.
		resp := Envelope{
			Type:              TypeHeartbeatResponse,
			ID:                uuid.NewString(),
			Timestamp:         NowMillis(),
			OriginalTimestamp: env.Timestamp,
		}
		if data, err := json.Marshal(resp); err == nil {
			_ = tr.Send(data)
		}
	default:
		m.dispatchMessage(env)
	}
}

func (m *Manager) dispatchMessage(env Envelope) {
	m.listenerMu.Lock()
	handlers := make([]MessageHandler, 0, len(m.handlers[env.Type])+len(m.handlers[WildcardType]))
	handlers = append(handlers, m.handlers[env.Type]...)
	handlers = append(handlers, m.handlers[WildcardType]...)
	m.listenerMu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

// armHeartbeatLocked schedules the next heartbeat send.
func (m *Manager) armHeartbeatLocked(gen uint64) {
	m.heartbeatTimer = time.AfterFunc(m.strategy.HeartbeatInterval, func() {
		m.sendHeartbeat(gen)
	})
}

// sendHeartbeat emits one heartbeat envelope and arms the timeout that
// declares the connection silently dead if no response arrives. Close
// events are not always delivered by lossy networks; the heartbeat is the
// primary liveness signal.
func (m *Manager) sendHeartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateConnected || m.tr == nil {
		m.mu.Unlock()
		return
	}
	env := Envelope{
		Type:         TypeHeartbeat,
		ID:           uuid.NewString(),
		Timestamp:    NowMillis(),
		ConnectionID: m.connectionID,
		SessionID:    m.sessionID,
	}
	tr := m.tr
	m.heartbeatSentAt = time.Now()
	m.heartbeatTimeoutTimer = time.AfterFunc(m.strategy.HeartbeatTimeout, func() {
		m.onHeartbeatTimeout(gen)
	})
	m.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := tr.Send(data); err != nil {
		// The close event from the dying transport drives reconnection.
		m.logger.Debug("heartbeat send failed", "error", err)
	}
}

// onHeartbeatResponse clears the pending timeout, records round-trip
// latency, and schedules the next heartbeat.
func (m *Manager) onHeartbeatResponse(gen uint64, env Envelope) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	if m.heartbeatTimeoutTimer != nil {
		m.heartbeatTimeoutTimer.Stop()
		m.heartbeatTimeoutTimer = nil
	}

	var rtt float64
	if env.OriginalTimestamp > 0 {
		rtt = float64(NowMillis() - env.OriginalTimestamp)
	} else if !m.heartbeatSentAt.IsZero() {
		rtt = float64(time.Since(m.heartbeatSentAt).Milliseconds())
	}
	m.armHeartbeatLocked(gen)
	m.emitMetricLocked(metrics.SampleHeartbeatRTT, rtt, nil)
	m.mu.Unlock()
}

// onHeartbeatTimeout sends one last best-effort ping and force-closes the
// transport; the resulting close event begins reconnection.
func (m *Manager) onHeartbeatTimeout(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.destroyed || m.tr == nil {
		m.mu.Unlock()
		return
	}
	tr := m.tr
	m.logger.Warn("heartbeat timeout, closing connection",
		"connection_id", m.connectionID,
		"timeout", m.strategy.HeartbeatTimeout,
	)
	m.mu.Unlock()

	ping := Envelope{Type: TypeHeartbeat, ID: uuid.NewString(), Timestamp: NowMillis()}
	if data, err := json.Marshal(ping); err == nil {
		_ = tr.Send(data)
	}
	_ = tr.Close(CloseHeartbeatTimeout, "heartbeat timeout")
}

// handleClose routes a transport close event: clean codes stop, auth codes
// go to token refresh, everything else reconnects.
func (m *Manager) handleClose(gen uint64, ev transport.CloseEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.destroyed {
		return
	}

	// New epoch: timers armed for the dead connection are now stale.
	m.generation++
	m.stopTimersLocked()
	m.tr = nil
	m.connectionID = ""

	m.logger.Info("connection closed", "code", ev.Code, "reason", ev.Reason, "error", ev.Err)

	if m.forceClosed {
		m.setStateLocked(StateDisconnected, "closed by request")
		return
	}

	switch {
	case isCleanClose(ev.Code):
		m.setStateLocked(StateDisconnected, fmt.Sprintf("clean close %d", ev.Code))
	case isAuthClose(ev.Code):
		m.handleAuthCloseLocked(ev.Code)
	default:
		m.beginReconnectLocked(fmt.Sprintf("close %d", ev.Code))
	}
}

// beginReconnectLocked enters the reconnecting phase, deferring to a
// network-readiness poll when the host is offline so attempts are not
// burned against a network that cannot carry them.
func (m *Manager) beginReconnectLocked(reason string) {
	m.setStateLocked(StateReconnecting, reason)

	if m.network != nil && !m.network.Online() {
		m.setStateLocked(StateWaitingForNetwork, "host offline")
		m.armNetworkPollLocked(m.generation)
		return
	}
	m.scheduleReconnectLocked(reason)
}

func (m *Manager) armNetworkPollLocked(gen uint64) {
	m.networkPollTimer = time.AfterFunc(m.networkPollInterval, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.generation || m.destroyed || m.forceClosed {
			return
		}
		if m.network.Online() {
			m.scheduleReconnectLocked("network restored")
			return
		}
		m.armNetworkPollLocked(gen)
	})
}

// scheduleReconnectLocked consumes one attempt and arms the backoff timer,
// or escalates to recovery when the budget is exhausted.
func (m *Manager) scheduleReconnectLocked(reason string) {
	if m.attempts >= m.strategy.MaxAttempts {
		m.enterRecoveryLocked()
		return
	}
	m.attempts++
	delay := jitteredDelay(m.strategy, m.attempts)
	gen := m.generation

	m.logger.Info("reconnect scheduled",
		"attempt", m.attempts,
		"max_attempts", m.strategy.MaxAttempts,
		"delay", delay,
		"reason", reason,
	)
	m.emitMetricLocked(metrics.SampleReconnect, float64(m.attempts), nil)

	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.attemptReconnect(gen)
	})
}

// enterRecoveryLocked parks the manager for a cooling period of twice the
// max delay, then resets the budget and tries again. Sustained outages
// never leave the manager permanently silent.
func (m *Manager) enterRecoveryLocked() {
	m.setStateLocked(StateFailed, "max reconnect attempts reached")

	cooling := 2 * m.strategy.MaxDelay
	gen := m.generation
	m.setStateLocked(StateRecoveryScheduled, fmt.Sprintf("cooling for %s", cooling))

	m.recoveryTimer = time.AfterFunc(cooling, func() {
		m.mu.Lock()
		if gen != m.generation || m.destroyed || m.forceClosed {
			m.mu.Unlock()
			return
		}
		m.attempts = 0
		m.setStateLocked(StateRecoveryAttempt, "cooling period elapsed")
		m.mu.Unlock()

		m.attemptReconnect(gen)
	})
}

// attemptReconnect refreshes the strategy from the latest measured tier,
// dials, and either adopts the new transport or schedules the next try.
func (m *Manager) attemptReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.destroyed || m.forceClosed {
		m.mu.Unlock()
		return
	}
	if m.estimator != nil {
		tier := m.estimator.Last().Tier
		if s := m.strategyFor(tier); s != m.strategy {
			m.logger.Info("strategy refreshed", "tier", tier.String())
			m.strategy = s
		}
		// Fresh measurement for the next attempt; never blocks this one.
		go m.estimator.Measure(context.Background())
	}
	m.setStateLocked(StateConnecting, "reconnect attempt")
	m.mu.Unlock()

	start := time.Now()
	tr, err := m.dial(context.Background())

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.destroyed || m.forceClosed {
		if tr != nil {
			tr.Close(CloseNormal, "superseded")
		}
		return
	}
	if err != nil {
		m.logger.Warn("reconnect attempt failed", "attempt", m.attempts, "error", err)
		m.scheduleReconnectLocked("dial failed")
		return
	}
	m.adoptTransportLocked(tr, gen, start)
}

// handleAuthCloseLocked starts the token-refresh flow. Without a refresh
// callback the session fails; retrying a known-bad token cannot succeed.
func (m *Manager) handleAuthCloseLocked(code int) {
	m.setStateLocked(StateTokenExpired, fmt.Sprintf("auth close %d", code))

	if m.refreshToken == nil {
		m.setStateLocked(StateFailed, "token expired, no refresh callback")
		return
	}
	gen := m.generation
	go m.refreshAndReconnect(gen)
}

func (m *Manager) refreshAndReconnect(gen uint64) {
	m.mu.Lock()
	refresh := m.refreshToken
	timeout := m.connectTimeout
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	token, err := refresh(ctx)

	m.mu.Lock()
	if gen != m.generation || m.destroyed || m.forceClosed {
		m.mu.Unlock()
		return
	}
	if err != nil || token == "" {
		m.logger.Error("token refresh failed", "error", err)
		m.setStateLocked(StateFailed, "token refresh failed")
		m.mu.Unlock()
		return
	}
	m.token = token
	m.attempts = 0
	m.setStateLocked(StateTokenRefresh, "token refreshed")
	m.mu.Unlock()

	m.attemptReconnect(gen)
}

// Send delivers a message, queues it, or reports it dropped. The returned
// status is the caller's guarantee that nothing is silently lost.
func (m *Manager) Send(ctx context.Context, env Envelope, queueIfDisconnected bool) (SendStatus, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return SendDropped, ErrDestroyed
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp == 0 {
		env.Timestamp = NowMillis()
	}
	if env.SessionID == "" {
		env.SessionID = m.sessionID
	}
	env.ConnectionID = m.connectionID
	tr := m.tr
	m.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		return SendDropped, fmt.Errorf("marshal message: %w", err)
	}

	dims := map[string]string{"message_type": env.Type}

	if tr != nil && tr.IsOpen() {
		if sendErr := tr.Send(data); sendErr == nil {
			m.emitMetric(metrics.SampleMessageSent, 1, dims)
			return SendDelivered, nil
		} else if !queueIfDisconnected {
			m.emitMetric(metrics.SampleSendError, 1, dims)
			m.emitMetric(metrics.SampleMessageDropped, 1, dims)
			return SendDropped, fmt.Errorf("send: %w", sendErr)
		} else {
			m.emitMetric(metrics.SampleSendError, 1, dims)
		}
	} else if !queueIfDisconnected {
		m.emitMetric(metrics.SampleMessageDropped, 1, dims)
		return SendDropped, ErrNotConnected
	}

	return m.queueMessage(ctx, env.SessionID, env.Type, data)
}

// queueMessage persists a message for later delivery: durable queue first,
// best-effort in-memory fallback when the durable backend is unavailable.
func (m *Manager) queueMessage(ctx context.Context, sessionID, msgType string, data []byte) (SendStatus, error) {
	priority := PriorityFor(msgType)
	dims := map[string]string{"message_type": msgType}

	if m.offline != nil && m.offline.Ready() {
		if _, err := m.offline.Enqueue(ctx, sessionID, data, priority); err == nil {
			m.emitMetric(metrics.SampleMessageQueued, 1, dims)
			return SendQueued, nil
		} else {
			m.logger.Warn("durable enqueue failed, falling back to memory", "error", err)
		}
	}

	m.mu.Lock()
	m.memQueue = append(m.memQueue, queue.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Payload:    data,
		EnqueuedAt: time.Now(),
		Priority:   priority,
	})
	m.evictMemQueueLocked()
	m.mu.Unlock()

	dims["storage"] = "memory"
	m.emitMetric(metrics.SampleMessageQueued, 1, dims)
	return SendQueued, nil
}

// evictMemQueueLocked applies the same policy as the durable stores:
// lowest priority first, oldest first among ties, until at capacity.
func (m *Manager) evictMemQueueLocked() {
	if len(m.memQueue) <= m.memCapacity {
		return
	}
	sort.SliceStable(m.memQueue, func(i, j int) bool {
		if m.memQueue[i].Priority != m.memQueue[j].Priority {
			return m.memQueue[i].Priority > m.memQueue[j].Priority
		}
		return m.memQueue[i].EnqueuedAt.After(m.memQueue[j].EnqueuedAt)
	})
	m.memQueue = m.memQueue[:m.memCapacity]
}

// drainQueues flushes the in-memory queue and then the durable queue over
// a freshly opened transport. Best effort: a send failure leaves the
// message queued with its attempt count bumped.
func (m *Manager) drainQueues(tr transport.Transport, gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	mem := m.memQueue
	m.memQueue = nil
	sessionID := m.sessionID
	m.mu.Unlock()

	sort.SliceStable(mem, func(i, j int) bool {
		if mem[i].Priority != mem[j].Priority {
			return mem[i].Priority > mem[j].Priority
		}
		return mem[i].EnqueuedAt.Before(mem[j].EnqueuedAt)
	})

	sent := 0
	for i, msg := range mem {
		if !tr.IsOpen() {
			m.requeueMemory(mem[i:])
			return
		}
		if err := tr.Send(msg.Payload); err != nil {
			mem[i].AttemptCount++
			m.requeueMemory(mem[i:])
			return
		}
		sent++
	}

	if m.offline == nil || !m.offline.Ready() {
		if sent > 0 {
			m.logger.Info("memory queue drained", "sent", sent)
		}
		return
	}

	ctx := context.Background()
	msgs, err := m.offline.Drain(ctx, sessionID)
	if err != nil {
		m.logger.Warn("offline queue drain failed", "error", err)
		return
	}
	for _, msg := range msgs {
		if !tr.IsOpen() {
			break
		}
		if err := tr.Send(msg.Payload); err != nil {
			if incErr := m.offline.IncrementAttempt(ctx, msg.ID); incErr != nil {
				m.logger.Warn("attempt count update failed", "id", msg.ID, "error", incErr)
			}
			break
		}
		if err := m.offline.Remove(ctx, msg.ID); err != nil {
			m.logger.Warn("queue remove failed", "id", msg.ID, "error", err)
		}
		sent++
	}
	if sent > 0 {
		m.logger.Info("queued messages drained", "sent", sent, "session", sessionID)
	}
}

func (m *Manager) requeueMemory(msgs []queue.Message) {
	m.mu.Lock()
	m.memQueue = append(msgs, m.memQueue...)
	m.evictMemQueueLocked()
	m.mu.Unlock()
}

// Disconnect closes the connection without triggering reconnection, and
// optionally purges the session's queued messages.
func (m *Manager) Disconnect(ctx context.Context, code int, reason string, clearQueue bool) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	m.forceClosed = true
	m.generation++
	m.stopTimersLocked()
	tr := m.tr
	m.tr = nil
	m.connectionID = ""
	sessionID := m.sessionID
	if clearQueue {
		m.memQueue = nil
	}
	m.setStateLocked(StateDisconnected, reason)
	m.mu.Unlock()

	if tr != nil {
		_ = tr.Close(code, reason)
	}
	if clearQueue && m.offline != nil && m.offline.Ready() {
		if err := m.offline.ClearSession(ctx, sessionID); err != nil {
			return fmt.Errorf("clear session queue: %w", err)
		}
	}
	return nil
}

// Destroy tears the manager down: all timers cancelled, transport closed
// without reconnection, instance inert. Safe to call more than once.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.forceClosed = true
	m.generation++
	m.stopTimersLocked()
	tr := m.tr
	m.tr = nil
	m.setStateLocked(StateDestroyed, "destroyed")
	m.mu.Unlock()

	if tr != nil {
		_ = tr.Close(CloseNormal, "destroyed")
	}
	close(m.done)
}

// stopTimersLocked cancels every outstanding timer. The generation bump
// performed by callers makes any already-fired callback a no-op.
func (m *Manager) stopTimersLocked() {
	for _, t := range []*time.Timer{
		m.heartbeatTimer,
		m.heartbeatTimeoutTimer,
		m.reconnectTimer,
		m.recoveryTimer,
		m.stabilityTimer,
		m.networkPollTimer,
	} {
		if t != nil {
			t.Stop()
		}
	}
	m.heartbeatTimer = nil
	m.heartbeatTimeoutTimer = nil
	m.reconnectTimer = nil
	m.recoveryTimer = nil
	m.stabilityTimer = nil
	m.networkPollTimer = nil
}

// setStateLocked applies a transition and emits the change event.
func (m *Manager) setStateLocked(newState State, reason string) {
	if m.state == newState {
		return
	}
	prev := m.state
	m.state = newState
	m.logger.Debug("state change", "from", prev.String(), "to", newState.String(), "reason", reason)

	ev := StateChange{
		Previous:   prev,
		New:        newState,
		Reason:     reason,
		Generation: m.generation,
		Timestamp:  time.Now(),
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("state event dropped, listener backlog full")
	}
}

func (m *Manager) emitMetric(name string, value float64, dims map[string]string) {
	m.mu.Lock()
	m.emitMetricLocked(name, value, dims)
	m.mu.Unlock()
}

func (m *Manager) emitMetricLocked(name string, value float64, dims map[string]string) {
	s := metrics.Sample{
		Name:         name,
		Value:        value,
		Timestamp:    time.Now(),
		ConnectionID: m.connectionID,
		SessionID:    m.sessionID,
		Dimensions:   dims,
	}
	select {
	case m.samples <- s:
	default:
	}
}
