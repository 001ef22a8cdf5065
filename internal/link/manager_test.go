package link

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/medbridge/edgelink/internal/metrics"
	"github.com/medbridge/edgelink/internal/netquality"
	"github.com/medbridge/edgelink/internal/netstatus"
	"github.com/medbridge/edgelink/internal/queue"
	"github.com/medbridge/edgelink/internal/transport"
)

// fakeTransport is a scriptable in-process Transport.
type fakeTransport struct {
	mu          sync.Mutex
	open        bool
	sent        [][]byte
	sendErr     error
	closeCode   int
	closeReason string

	msgs   chan transport.Message
	closed chan transport.CloseEvent
	sentCh chan []byte
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		open:   true,
		msgs:   make(chan transport.Message, 16),
		closed: make(chan transport.CloseEvent, 1),
		sentCh: make(chan []byte, 64),
	}
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return transport.ErrNotOpen
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
	f.mu.Unlock()

	select {
	case f.sentCh <- cp:
	default:
	}
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.terminate(transport.CloseEvent{Code: code, Reason: reason})
	return nil
}

// peerClose simulates the remote end closing the socket.
func (f *fakeTransport) peerClose(code int, reason string) {
	f.terminate(transport.CloseEvent{Code: code, Reason: reason})
}

func (f *fakeTransport) terminate(ev transport.CloseEvent) {
	f.once.Do(func() {
		f.mu.Lock()
		f.open = false
		f.closeCode = ev.Code
		f.closeReason = ev.Reason
		f.mu.Unlock()
		f.closed <- ev
		close(f.msgs)
	})
}

func (f *fakeTransport) deliver(t *testing.T, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal test envelope: %v", err)
	}
	f.deliverRaw(data)
}

func (f *fakeTransport) deliverRaw(data []byte) {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.msgs <- transport.Message{Data: data, ReceivedAt: time.Now()}
}

func (f *fakeTransport) Messages() <-chan transport.Message  { return f.msgs }
func (f *fakeTransport) Closed() <-chan transport.CloseEvent { return f.closed }

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) lastCloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeTransport) sentEnvelopes(t *testing.T) []Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Envelope, 0, len(f.sent))
	for _, data := range f.sent {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("sent frame is not an envelope: %v", err)
		}
		out = append(out, env)
	}
	return out
}

type dialResult struct {
	tr  *fakeTransport
	err error
}

// fakeDialer returns scripted results, then fresh transports once the
// script is exhausted.
type fakeDialer struct {
	mu      sync.Mutex
	script  []dialResult
	dialed  []*fakeTransport
	headers []http.Header
	count   int
}

func (d *fakeDialer) Dial(ctx context.Context, address string, header http.Header) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	d.headers = append(d.headers, header)

	res := dialResult{}
	if len(d.script) > 0 {
		res = d.script[0]
		d.script = d.script[1:]
	}
	if res.err != nil {
		return nil, res.err
	}
	if res.tr == nil {
		res.tr = newFakeTransport()
	}
	d.dialed = append(d.dialed, res.tr)
	return res.tr, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dialed) == 0 {
		return nil
	}
	return d.dialed[len(d.dialed)-1]
}

func (d *fakeDialer) header(i int) http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.headers) {
		return nil
	}
	return d.headers[i]
}

type stateRecorder struct {
	mu  sync.Mutex
	seq []State
}

func (r *stateRecorder) record(ev StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = append(r.seq, ev.New)
}

func (r *stateRecorder) contains(want State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.seq {
		if s == want {
			return true
		}
	}
	return false
}

func (r *stateRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.seq...)
}

// subsequence reports whether the wanted states appear in order, possibly
// with other states between them.
func (r *stateRecorder) subsequence(want ...State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := 0
	for _, s := range r.seq {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}

type metricRecorder struct {
	mu      sync.Mutex
	samples []metrics.Sample
}

func (r *metricRecorder) record(s metrics.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

func (r *metricRecorder) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.samples {
		if s.Name == name {
			return true
		}
	}
	return false
}

// fastStrategies makes every tier use short delays so reconnect tests
// finish quickly. Heartbeats are effectively disabled unless a test
// provides its own intervals.
func fastStrategies(maxAttempts int) map[netquality.Tier]netquality.Strategy {
	s := netquality.Strategy{
		MaxAttempts:       maxAttempts,
		InitialDelay:      20 * time.Millisecond,
		MaxDelay:          60 * time.Millisecond,
		BackoffFactor:     1.5,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
	}
	out := make(map[netquality.Tier]netquality.Strategy)
	for _, tier := range []netquality.Tier{
		netquality.TierExcellent, netquality.TierGood, netquality.TierFair,
		netquality.TierPoor, netquality.TierBad,
	} {
		out[tier] = s
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, d *fakeDialer, opts ...Option) (*Manager, *stateRecorder) {
	t.Helper()
	base := []Option{
		WithLogger(discardLogger()),
		WithStrategies(fastStrategies(3)),
		WithConnectTimeout(time.Second),
		WithStabilityWindow(50 * time.Millisecond),
		WithNetworkPollInterval(10 * time.Millisecond),
	}
	m := NewManager(d, append(base, opts...)...)
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)
	t.Cleanup(m.Destroy)
	return m, rec
}

func mustConnect(t *testing.T, m *Manager, params ConnectParams) {
	t.Helper()
	if params.SessionID == "" {
		params.SessionID = "sess-1"
	}
	if err := m.Connect(context.Background(), "wss://edge.example/ws", params); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return m.State() == StateConnected }, "connected state")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_ConnectSuccess(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	mustConnect(t, m, ConnectParams{Token: "tok-1"})

	if m.ConnectionID() == "" {
		t.Error("ConnectionID empty after connect")
	}
	if m.SessionID() != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", m.SessionID())
	}
	if d.dials() != 1 {
		t.Errorf("dials = %d, want 1", d.dials())
	}
	if got := d.header(0).Get("Authorization"); got != "Bearer tok-1" {
		t.Errorf("Authorization header = %q, want Bearer tok-1", got)
	}
}

func TestManager_CleanCloseNoReconnect(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, d)
	mustConnect(t, m, ConnectParams{})

	d.last().peerClose(CloseNormal, "server shutdown")

	waitFor(t, 2*time.Second, func() bool { return m.State() == StateDisconnected }, "disconnected state")
	time.Sleep(250 * time.Millisecond) // long enough for any wrongly scheduled retry to fire

	if d.dials() != 1 {
		t.Errorf("dials = %d after clean close, want 1 (no reconnect)", d.dials())
	}
	if rec.contains(StateReconnecting) {
		t.Error("manager entered reconnecting after a clean close")
	}
}

func TestManager_UnexpectedCloseReconnects(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, d)
	mustConnect(t, m, ConnectParams{})

	first := d.last()
	first.peerClose(1006, "abnormal")

	waitFor(t, 3*time.Second, func() bool {
		return m.State() == StateConnected && d.dials() == 2
	}, "reconnection")

	if !rec.subsequence(StateConnected, StateReconnecting, StateConnecting, StateConnected) {
		t.Errorf("state sequence missing reconnect path: %v", rec.states())
	}
}

func TestManager_InitialDialFailureSchedulesRetry(t *testing.T) {
	d := &fakeDialer{script: []dialResult{{err: errors.New("refused")}}}
	m, _ := newTestManager(t, d)

	err := m.Connect(context.Background(), "wss://edge.example/ws", ConnectParams{SessionID: "sess-1"})
	if err == nil {
		t.Fatal("Connect returned nil for a failed dial")
	}

	waitFor(t, 3*time.Second, func() bool { return m.State() == StateConnected }, "background reconnection")
	if d.dials() < 2 {
		t.Errorf("dials = %d, want at least 2", d.dials())
	}
}

func TestManager_HeartbeatResponseKeepsConnection(t *testing.T) {
	strategies := fastStrategies(3)
	for tier, s := range strategies {
		s.HeartbeatInterval = 30 * time.Millisecond
		s.HeartbeatTimeout = 150 * time.Millisecond
		strategies[tier] = s
	}

	d := &fakeDialer{}
	m, rec := newTestManager(t, d, WithStrategies(strategies))
	mrec := &metricRecorder{}
	m.OnMetric(mrec.record)
	mustConnect(t, m, ConnectParams{})

	ft := d.last()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case data := <-ft.sentCh:
				var env Envelope
				if json.Unmarshal(data, &env) == nil && env.Type == TypeHeartbeat {
					ft.deliverRaw(mustMarshal(Envelope{
						Type:              TypeHeartbeatResponse,
						Timestamp:         NowMillis(),
						OriginalTimestamp: env.Timestamp,
					}))
				}
			case <-done:
				return
			}
		}
	}()

	// Several heartbeat cycles with prompt responses.
	time.Sleep(300 * time.Millisecond)

	if m.State() != StateConnected {
		t.Errorf("state = %v after responsive heartbeats, want connected", m.State())
	}
	if d.dials() != 1 {
		t.Errorf("dials = %d, want 1 (no reconnect while heartbeats answered)", d.dials())
	}
	if rec.contains(StateReconnecting) {
		t.Error("manager reconnected despite heartbeat responses")
	}
	waitFor(t, time.Second, func() bool { return mrec.has(metrics.SampleHeartbeatRTT) }, "heartbeat RTT sample")
}

func TestManager_HeartbeatTimeoutReconnects(t *testing.T) {
	strategies := fastStrategies(3)
	for tier, s := range strategies {
		s.HeartbeatInterval = 20 * time.Millisecond
		s.HeartbeatTimeout = 40 * time.Millisecond
		strategies[tier] = s
	}

	d := &fakeDialer{}
	m, _ := newTestManager(t, d, WithStrategies(strategies))
	mustConnect(t, m, ConnectParams{})
	first := d.last()

	// No heartbeat responses: the manager must declare the socket dead.
	waitFor(t, 3*time.Second, func() bool {
		return d.dials() >= 2
	}, "reconnect after heartbeat timeout")

	if code := first.lastCloseCode(); code != CloseHeartbeatTimeout {
		t.Errorf("dead transport closed with code %d, want %d", code, CloseHeartbeatTimeout)
	}
}

func TestManager_AuthCloseRefreshesToken(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, d)

	refresh := func(ctx context.Context) (string, error) { return "tok-2", nil }
	mustConnect(t, m, ConnectParams{Token: "tok-1", TokenRefresh: refresh})

	d.last().peerClose(4002, "token expired")

	waitFor(t, 3*time.Second, func() bool {
		return m.State() == StateConnected && d.dials() == 2
	}, "reconnect with refreshed token")

	if !rec.subsequence(StateTokenExpired, StateTokenRefresh, StateConnecting, StateConnected) {
		t.Errorf("state sequence missing token refresh path: %v", rec.states())
	}
	if got := m.Attempts(); got != 0 {
		t.Errorf("attempts = %d after token refresh, want 0", got)
	}
	if got := d.header(1).Get("Authorization"); got != "Bearer tok-2" {
		t.Errorf("redial Authorization = %q, want Bearer tok-2", got)
	}
}

func TestManager_AuthCloseWithoutRefreshFails(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	mustConnect(t, m, ConnectParams{Token: "tok-1"})

	d.last().peerClose(4001, "unauthorized")

	waitFor(t, 2*time.Second, func() bool { return m.State() == StateFailed }, "failed state")
	time.Sleep(200 * time.Millisecond)
	if d.dials() != 1 {
		t.Errorf("dials = %d, want 1 (no retry with a known-bad token)", d.dials())
	}
}

func TestManager_AuthRefreshFailureFails(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	refresh := func(ctx context.Context) (string, error) { return "", errors.New("auth service down") }
	mustConnect(t, m, ConnectParams{Token: "tok-1", TokenRefresh: refresh})

	d.last().peerClose(4003, "token expired")

	waitFor(t, 2*time.Second, func() bool { return m.State() == StateFailed }, "failed state")
	if d.dials() != 1 {
		t.Errorf("dials = %d, want 1", d.dials())
	}
}

func TestManager_MaxAttemptsEntersRecovery(t *testing.T) {
	d := &fakeDialer{script: []dialResult{
		{}, // initial connect succeeds
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		// script exhausted: recovery attempt succeeds
	}}
	m, rec := newTestManager(t, d, WithStrategies(fastStrategies(2)))
	mustConnect(t, m, ConnectParams{})

	d.last().peerClose(1006, "abnormal")

	waitFor(t, 5*time.Second, func() bool {
		return m.State() == StateConnected && d.dials() == 4
	}, "recovery reconnection")

	if !rec.subsequence(StateReconnecting, StateFailed, StateRecoveryScheduled, StateRecoveryAttempt, StateConnected) {
		t.Errorf("state sequence missing recovery path: %v", rec.states())
	}
	if got := m.Attempts(); got != 0 {
		t.Errorf("attempts = %d after recovery, want 0", got)
	}
}

func TestManager_StabilityWindowResetsAttempts(t *testing.T) {
	d := &fakeDialer{script: []dialResult{
		{},
		{err: errors.New("refused")},
	}}
	m, _ := newTestManager(t, d, WithStabilityWindow(40*time.Millisecond))
	mustConnect(t, m, ConnectParams{})

	d.last().peerClose(1006, "abnormal")

	waitFor(t, 3*time.Second, func() bool { return m.State() == StateConnected && d.dials() == 3 }, "reconnection")
	waitFor(t, 2*time.Second, func() bool { return m.Attempts() == 0 }, "attempt budget reset after stability window")
}

func TestManager_SendDelivered(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	mustConnect(t, m, ConnectParams{})

	status, err := m.Send(context.Background(), Envelope{
		Type:    "translation",
		Payload: map[string]any{"text": "hola"},
	}, true)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if status != SendDelivered {
		t.Errorf("status = %v, want delivered", status)
	}

	envs := d.last().sentEnvelopes(t)
	if len(envs) != 1 {
		t.Fatalf("transport saw %d frames, want 1", len(envs))
	}
	if envs[0].Type != "translation" || envs[0].ID == "" || envs[0].ConnectionID == "" {
		t.Errorf("sent envelope missing fields: %+v", envs[0])
	}
}

func TestManager_SendDroppedWhenNotQueuing(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	status, err := m.Send(context.Background(), Envelope{Type: "chat"}, false)
	if status != SendDropped {
		t.Errorf("status = %v, want dropped", status)
	}
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestManager_SendQueuedAndDrainedOnReconnect(t *testing.T) {
	q := queue.New(queue.NewMemoryStore(), 100, discardLogger())
	if err := q.Init(context.Background()); err != nil {
		t.Fatalf("queue init: %v", err)
	}

	d := &fakeDialer{script: []dialResult{
		{},
		{err: errors.New("refused")},
		{err: errors.New("refused")},
	}}
	m, _ := newTestManager(t, d, WithOfflineQueue(q))
	mustConnect(t, m, ConnectParams{})

	d.last().peerClose(1006, "abnormal")

	status, err := m.Send(context.Background(), Envelope{
		Type:    "translation",
		Payload: map[string]any{"text": "hola"},
	}, true)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if status != SendQueued {
		t.Fatalf("status = %v, want queued", status)
	}

	queued, err := q.Drain(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(queued) != 1 || queued[0].Priority != PriorityCritical {
		t.Fatalf("queued = %+v, want one priority-%d message", queued, PriorityCritical)
	}

	waitFor(t, 5*time.Second, func() bool { return m.State() == StateConnected && d.dials() == 4 }, "reconnection")
	waitFor(t, 2*time.Second, func() bool {
		left, err := q.Drain(context.Background(), "sess-1")
		return err == nil && len(left) == 0
	}, "queue drained after reconnect")

	envs := d.last().sentEnvelopes(t)
	found := false
	for _, env := range envs {
		if env.Type == "translation" {
			found = true
		}
	}
	if !found {
		t.Error("queued translation message not delivered on the new transport")
	}
}

func TestManager_MemoryFallbackDrainedOnReconnect(t *testing.T) {
	d := &fakeDialer{script: []dialResult{
		{},
		{err: errors.New("refused")},
	}}
	m, _ := newTestManager(t, d) // no durable queue configured
	mustConnect(t, m, ConnectParams{})

	d.last().peerClose(1006, "abnormal")

	status, err := m.Send(context.Background(), Envelope{Type: "chat", Payload: map[string]any{"text": "hi"}}, true)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if status != SendQueued {
		t.Fatalf("status = %v, want queued", status)
	}

	waitFor(t, 3*time.Second, func() bool { return m.State() == StateConnected && d.dials() == 3 }, "reconnection")
	waitFor(t, 2*time.Second, func() bool {
		for _, env := range d.last().sentEnvelopes(t) {
			if env.Type == "chat" {
				return true
			}
		}
		return false
	}, "memory-queued message delivered")
}

func TestManager_WaitingForNetwork(t *testing.T) {
	src := netstatus.NewStatic(true)
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, WithNetworkSource(src))
	mustConnect(t, m, ConnectParams{})

	src.Set(false)
	d.last().peerClose(1006, "abnormal")

	waitFor(t, 2*time.Second, func() bool { return m.State() == StateWaitingForNetwork }, "waiting_for_network state")
	time.Sleep(150 * time.Millisecond)
	if d.dials() != 1 {
		t.Errorf("dials = %d while offline, want 1 (attempts not burned)", d.dials())
	}

	src.Set(true)
	waitFor(t, 3*time.Second, func() bool { return m.State() == StateConnected && d.dials() == 2 }, "reconnect after network restored")

	if !rec.contains(StateWaitingForNetwork) {
		t.Error("waiting_for_network never recorded")
	}
}

func TestManager_DestroyIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	mustConnect(t, m, ConnectParams{})

	m.Destroy()
	m.Destroy() // second call must be a no-op

	if m.State() != StateDestroyed {
		t.Errorf("state = %v, want destroyed", m.State())
	}
	if _, err := m.Send(context.Background(), Envelope{Type: "chat"}, true); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Send after destroy = %v, want ErrDestroyed", err)
	}
	if err := m.Connect(context.Background(), "wss://edge.example/ws", ConnectParams{}); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Connect after destroy = %v, want ErrDestroyed", err)
	}

	time.Sleep(200 * time.Millisecond)
	if d.dials() != 1 {
		t.Errorf("dials = %d after destroy, want 1 (no timer callbacks survive)", d.dials())
	}
}

func TestManager_DisconnectClearsQueue(t *testing.T) {
	q := queue.New(queue.NewMemoryStore(), 100, discardLogger())
	if err := q.Init(context.Background()); err != nil {
		t.Fatalf("queue init: %v", err)
	}

	d := &fakeDialer{}
	m, _ := newTestManager(t, d, WithOfflineQueue(q))
	mustConnect(t, m, ConnectParams{})

	if _, err := q.Enqueue(context.Background(), "sess-1", []byte("pending"), 1); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := m.Disconnect(context.Background(), CloseNormal, "user logout", true); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", m.State())
	}

	left, err := q.Drain(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("queue holds %d messages after clearing disconnect, want 0", len(left))
	}

	time.Sleep(200 * time.Millisecond)
	if d.dials() != 1 {
		t.Errorf("dials = %d after explicit disconnect, want 1", d.dials())
	}
}

type stubProber struct {
	latency time.Duration
	kbps    float64
}

func (p stubProber) Probe(ctx context.Context) (time.Duration, error) { return p.latency, nil }
func (p stubProber) Throughput(ctx context.Context) (float64, error)  { return p.kbps, nil }

func TestManager_StrategyFollowsMeasuredTier(t *testing.T) {
	est := netquality.NewEstimator(
		netquality.DefaultEstimatorConfig(),
		stubProber{latency: 40 * time.Millisecond, kbps: 2000},
		discardLogger(),
	)
	got := est.Measure(context.Background())
	if got.Tier != netquality.TierExcellent {
		t.Fatalf("measured tier = %v, want excellent", got.Tier)
	}

	d := &fakeDialer{}
	m := NewManager(d,
		WithLogger(discardLogger()),
		WithEstimator(est),
		WithConnectTimeout(time.Second),
	)
	t.Cleanup(m.Destroy)
	mustConnect(t, m, ConnectParams{})

	want := netquality.StrategyFor(netquality.TierExcellent).HeartbeatInterval
	if m.Strategy().HeartbeatInterval != want {
		t.Errorf("heartbeat interval = %v, want excellent tier's %v", m.Strategy().HeartbeatInterval, want)
	}
}

func TestManager_MessageDispatch(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	var mu sync.Mutex
	var typed, wildcard []string
	m.OnMessage("translation", func(env Envelope) {
		mu.Lock()
		typed = append(typed, env.ID)
		mu.Unlock()
	})
	m.OnMessage(WildcardType, func(env Envelope) {
		mu.Lock()
		wildcard = append(wildcard, env.Type)
		mu.Unlock()
	})

	mustConnect(t, m, ConnectParams{})
	ft := d.last()

	ft.deliver(t, Envelope{Type: "translation", ID: "t-1"})
	ft.deliver(t, Envelope{Type: "presence", ID: "p-1"})

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(typed) == 1 && len(wildcard) == 2
	}, "handlers invoked")

	mu.Lock()
	defer mu.Unlock()
	if typed[0] != "t-1" {
		t.Errorf("typed handler got %v", typed)
	}
}

func TestManager_MalformedMessageIgnored(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	mrec := &metricRecorder{}
	m.OnMetric(mrec.record)
	mustConnect(t, m, ConnectParams{})

	d.last().deliverRaw([]byte("{not json"))
	d.last().deliverRaw([]byte(`{"no_type":true}`))

	waitFor(t, 2*time.Second, func() bool { return mrec.has(metrics.SampleProtocolError) }, "protocol error sample")
	if m.State() != StateConnected {
		t.Errorf("state = %v after malformed message, want connected", m.State())
	}
}

func mustMarshal(env Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	return data
}
