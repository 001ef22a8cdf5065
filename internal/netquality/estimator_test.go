package netquality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeProber returns scripted latencies and throughput.
type fakeProber struct {
	mu         sync.Mutex
	latency    time.Duration
	probeErr   error
	throughput float64
	thruErr    error
	probes     int

	// blockCh, when set, blocks Probe until closed.
	blockCh chan struct{}
}

func (f *fakeProber) Probe(ctx context.Context) (time.Duration, error) {
	f.mu.Lock()
	f.probes++
	block := f.blockCh
	lat, err := f.latency, f.probeErr
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err != nil {
		return 0, err
	}
	return lat, nil
}

func (f *fakeProber) Throughput(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.throughput, f.thruErr
}

func (f *fakeProber) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func testConfig() EstimatorConfig {
	return EstimatorConfig{
		ProbeCount:   5,
		ProbeTimeout: 200 * time.Millisecond,
		Interval:     time.Hour, // periodic loop irrelevant in tests
		MinProbeGap:  0,         // no rate limiting unless a test wants it
		HistorySize:  10,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		latency    float64
		jitter     float64
		loss       float64
		throughput float64
		want       Tier
	}{
		{"excellent", 40, 10, 0, 2000, TierExcellent},
		{"good latency blocks excellent", 100, 10, 0, 2000, TierGood},
		{"jitter blocks excellent", 40, 25, 0, 2000, TierGood},
		{"loss blocks good", 100, 25, 0.05, 2000, TierFair},
		{"low throughput falls through", 40, 10, 0, 250, TierPoor},
		{"nothing matches", 900, 300, 0.5, 10, TierBad},
		{"poor boundary", 500, 120, 0.15, 100, TierPoor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.latency, tt.jitter, tt.loss, tt.throughput)
			if got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseTier(t *testing.T) {
	for _, tier := range []Tier{TierExcellent, TierGood, TierFair, TierPoor, TierBad} {
		got, err := ParseTier(tier.String())
		if err != nil {
			t.Fatalf("ParseTier(%q) failed: %v", tier.String(), err)
		}
		if got != tier {
			t.Errorf("ParseTier(%q) = %v, want %v", tier.String(), got, tier)
		}
	}
	if _, err := ParseTier("awful"); err == nil {
		t.Error("expected error for unknown tier name")
	}
}

func TestStrategyFor_WorseTiersArePatient(t *testing.T) {
	prev := StrategyFor(TierExcellent)
	for _, tier := range []Tier{TierGood, TierFair, TierPoor, TierBad} {
		s := StrategyFor(tier)
		if s.MaxAttempts < prev.MaxAttempts {
			t.Errorf("%v MaxAttempts %d < %d", tier, s.MaxAttempts, prev.MaxAttempts)
		}
		if s.MaxDelay < prev.MaxDelay {
			t.Errorf("%v MaxDelay %v < %v", tier, s.MaxDelay, prev.MaxDelay)
		}
		if s.HeartbeatTimeout < prev.HeartbeatTimeout {
			t.Errorf("%v HeartbeatTimeout %v < %v", tier, s.HeartbeatTimeout, prev.HeartbeatTimeout)
		}
		prev = s
	}
}

func TestEstimator_MeasureExcellent(t *testing.T) {
	prober := &fakeProber{latency: 40 * time.Millisecond, throughput: 2000}
	e := NewEstimator(testConfig(), prober, nil)

	m := e.Measure(context.Background())

	if m.Tier != TierExcellent {
		t.Errorf("tier = %v, want excellent", m.Tier)
	}
	if m.PacketLoss != 0 {
		t.Errorf("packet loss = %v, want 0", m.PacketLoss)
	}
	if m.LatencyMs < 39 || m.LatencyMs > 60 {
		t.Errorf("latency = %v, want ~40ms", m.LatencyMs)
	}
	if m.JitterMs != 0 {
		t.Errorf("jitter = %v, want 0 for constant latency", m.JitterMs)
	}
}

func TestEstimator_FailedProbesAreWorstCaseNotFatal(t *testing.T) {
	prober := &fakeProber{probeErr: errors.New("network unreachable")}
	e := NewEstimator(testConfig(), prober, nil)

	m := e.Measure(context.Background())

	if m.Tier != TierBad {
		t.Errorf("tier = %v, want bad", m.Tier)
	}
	if m.PacketLoss != 1.0 {
		t.Errorf("packet loss = %v, want 1.0", m.PacketLoss)
	}
	// Worst-case latency samples equal the probe timeout.
	if m.LatencyMs != 200 {
		t.Errorf("latency = %v, want 200 (probe timeout)", m.LatencyMs)
	}
}

func TestEstimator_SingleFlight(t *testing.T) {
	block := make(chan struct{})
	prober := &fakeProber{latency: 10 * time.Millisecond, throughput: 2000, blockCh: block}

	cfg := testConfig()
	cfg.ProbeCount = 1
	cfg.ProbeTimeout = 5 * time.Second // keep the blocked probe from timing out mid-test
	e := NewEstimator(cfg, prober, nil)

	started := make(chan struct{})
	done := make(chan Measurement, 1)
	go func() {
		close(started)
		done <- e.Measure(context.Background())
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // let the goroutine enter the probe

	// Concurrent call must not start a second probe run.
	before := prober.probeCount()
	m := e.Measure(context.Background())
	if prober.probeCount() != before {
		t.Error("concurrent Measure started a second probe run")
	}
	// No completed measurement yet, so the default assumption comes back.
	if m.Tier != TierGood {
		t.Errorf("concurrent tier = %v, want default good", m.Tier)
	}

	close(block)
	select {
	case first := <-done:
		if first.Tier != TierExcellent {
			t.Errorf("first measurement tier = %v, want excellent", first.Tier)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked measurement never finished")
	}
}

func TestEstimator_MinProbeGapReturnsLast(t *testing.T) {
	prober := &fakeProber{latency: 40 * time.Millisecond, throughput: 2000}
	cfg := testConfig()
	cfg.MinProbeGap = time.Hour
	e := NewEstimator(cfg, prober, nil)

	first := e.Measure(context.Background())
	probesAfterFirst := prober.probeCount()

	second := e.Measure(context.Background())
	if prober.probeCount() != probesAfterFirst {
		t.Error("rate-limited Measure ran probes")
	}
	if second.MeasuredAt != first.MeasuredAt {
		t.Error("rate-limited Measure did not return the last measurement")
	}
}

func TestEstimator_TierChangeNotification(t *testing.T) {
	prober := &fakeProber{latency: 40 * time.Millisecond, throughput: 2000}
	e := NewEstimator(testConfig(), prober, nil)

	var mu sync.Mutex
	var changes []TierChange
	e.OnTierChange(func(c TierChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	e.Measure(context.Background()) // excellent, no previous tier -> no event

	prober.mu.Lock()
	prober.latency = 400 * time.Millisecond
	prober.throughput = 150
	prober.mu.Unlock()

	e.Measure(context.Background()) // poor -> change event

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 {
		t.Fatalf("got %d tier changes, want 1", len(changes))
	}
	if changes[0].Old != TierExcellent || changes[0].New != TierPoor {
		t.Errorf("change = %v -> %v, want excellent -> poor", changes[0].Old, changes[0].New)
	}
}

func TestEstimator_AveragesOverHistory(t *testing.T) {
	prober := &fakeProber{latency: 40 * time.Millisecond, throughput: 2000}
	cfg := testConfig()
	cfg.HistorySize = 2
	e := NewEstimator(cfg, prober, nil)

	e.Measure(context.Background())

	prober.mu.Lock()
	prober.latency = 80 * time.Millisecond
	prober.mu.Unlock()
	e.Measure(context.Background())

	avg := e.Averages()
	if avg.LatencyMs < 55 || avg.LatencyMs > 65 {
		t.Errorf("average latency = %v, want ~60ms", avg.LatencyMs)
	}
}

func TestEstimator_LastBeforeAnyMeasurement(t *testing.T) {
	e := NewEstimator(testConfig(), &fakeProber{}, nil)
	m := e.Last()
	if m.Tier != TierGood {
		t.Errorf("default tier = %v, want good", m.Tier)
	}
}
