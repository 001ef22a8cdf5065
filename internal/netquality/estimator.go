package netquality

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Measurement is one completed quality measurement.
type Measurement struct {
	Tier           Tier      `json:"tier"`
	LatencyMs      float64   `json:"latency_ms"`
	JitterMs       float64   `json:"jitter_ms"`
	PacketLoss     float64   `json:"packet_loss"` // fraction in [0,1]
	ThroughputKbps float64   `json:"throughput_kbps"`
	MeasuredAt     time.Time `json:"measured_at"`
}

// TierChange is delivered to listeners when a measurement lands in a
// different tier than the previous one.
type TierChange struct {
	Old         Tier
	New         Tier
	Measurement Measurement
}

// DefaultMeasurement is the assumption used before any probe has completed.
func DefaultMeasurement() Measurement {
	return Measurement{
		Tier:           TierGood,
		LatencyMs:      100,
		JitterMs:       20,
		PacketLoss:     0,
		ThroughputKbps: 1000,
	}
}

// EstimatorConfig configures the estimator.
type EstimatorConfig struct {
	ProbeCount   int           // Latency probes per measurement
	ProbeTimeout time.Duration // Per-probe deadline; also the worst-case latency sample
	Interval     time.Duration // Periodic measurement interval
	MinProbeGap  time.Duration // Minimum spacing between full measurements
	HistorySize  int           // Rolling window for averaging
}

// DefaultEstimatorConfig returns sensible defaults.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		ProbeCount:   5,
		ProbeTimeout: 2 * time.Second,
		Interval:     60 * time.Second,
		MinProbeGap:  5 * time.Second,
		HistorySize:  10,
	}
}

// Estimator measures network quality on demand and on a periodic timer.
// At most one measurement is in flight; concurrent callers get the last
// completed measurement instead of starting a second probe run.
type Estimator struct {
	cfg    EstimatorConfig
	prober Prober
	logger *slog.Logger

	// Caps how often a full probe run may start, regardless of caller.
	limiter *rate.Limiter

	mu        sync.Mutex
	inFlight  bool
	last      Measurement
	hasLast   bool
	history   []Measurement
	listeners []func(TierChange)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEstimator creates an estimator.
func NewEstimator(cfg EstimatorConfig, prober Prober, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProbeCount < 1 {
		cfg.ProbeCount = 5
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = 10
	}

	var limiter *rate.Limiter
	if cfg.MinProbeGap > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinProbeGap), 1)
	}

	return &Estimator{
		cfg:     cfg,
		prober:  prober,
		logger:  logger,
		limiter: limiter,
	}
}

// Start begins the periodic measurement loop.
func (e *Estimator) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Measure(ctx)
			}
		}
	}()

	e.logger.Info("network quality estimator started", "interval", e.cfg.Interval)
}

// Stop cancels the periodic loop and waits for it to exit.
func (e *Estimator) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// OnTierChange registers a listener invoked when the tier changes.
func (e *Estimator) OnTierChange(fn func(TierChange)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Last returns the most recent completed measurement, or the default
// assumption when none has completed yet.
func (e *Estimator) Last() Measurement {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasLast {
		return DefaultMeasurement()
	}
	return e.last
}

// Averages returns per-metric averages over the rolling history window.
// The tier is re-derived from the averaged metrics.
func (e *Estimator) Averages() Measurement {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.history) == 0 {
		return DefaultMeasurement()
	}

	var avg Measurement
	for _, m := range e.history {
		avg.LatencyMs += m.LatencyMs
		avg.JitterMs += m.JitterMs
		avg.PacketLoss += m.PacketLoss
		avg.ThroughputKbps += m.ThroughputKbps
	}
	n := float64(len(e.history))
	avg.LatencyMs /= n
	avg.JitterMs /= n
	avg.PacketLoss /= n
	avg.ThroughputKbps /= n
	avg.Tier = Classify(avg.LatencyMs, avg.JitterMs, avg.PacketLoss, avg.ThroughputKbps)
	avg.MeasuredAt = e.history[len(e.history)-1].MeasuredAt
	return avg
}

// Measure runs one full measurement. If a measurement is already in flight
// or the probe gap has not elapsed, the last completed measurement is
// returned instead. A failed probe run is never an error: failures become
// worst-case samples and a tier is always produced.
func (e *Estimator) Measure(ctx context.Context) Measurement {
	e.mu.Lock()
	if e.inFlight || (e.limiter != nil && !e.limiter.Allow()) {
		last := e.last
		hasLast := e.hasLast
		e.mu.Unlock()
		if !hasLast {
			return DefaultMeasurement()
		}
		return last
	}
	e.inFlight = true
	e.mu.Unlock()

	m := e.measure(ctx)

	e.mu.Lock()
	e.inFlight = false

	oldTier := e.last.Tier
	hadLast := e.hasLast
	e.last = m
	e.hasLast = true

	e.history = append(e.history, m)
	if len(e.history) > e.cfg.HistorySize {
		e.history = e.history[len(e.history)-e.cfg.HistorySize:]
	}

	var notify []func(TierChange)
	if hadLast && oldTier != m.Tier {
		notify = append(notify, e.listeners...)
	}
	e.mu.Unlock()

	if len(notify) > 0 {
		change := TierChange{Old: oldTier, New: m.Tier, Measurement: m}
		e.logger.Info("network tier changed",
			"old", oldTier.String(),
			"new", m.Tier.String(),
			"latency_ms", m.LatencyMs,
			"packet_loss", m.PacketLoss,
		)
		for _, fn := range notify {
			fn(change)
		}
	}

	return m
}

// measure runs the probe sequence and classifies the result.
func (e *Estimator) measure(ctx context.Context) Measurement {
	worstMs := float64(e.cfg.ProbeTimeout.Milliseconds())

	latencies := make([]float64, 0, e.cfg.ProbeCount)
	failures := 0

	for i := 0; i < e.cfg.ProbeCount; i++ {
		probeCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
		rtt, err := e.prober.Probe(probeCtx)
		cancel()

		if err != nil {
			// Worst-case sample: count toward loss and latency.
			failures++
			latencies = append(latencies, worstMs)
			continue
		}
		latencies = append(latencies, float64(rtt.Microseconds())/1000)
	}

	packetLoss := float64(failures) / float64(e.cfg.ProbeCount)
	latencyMs := mean(latencies)
	jitterMs := stddev(latencies, latencyMs)

	throughputCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout*2)
	throughput, err := e.prober.Throughput(throughputCtx)
	cancel()
	if err != nil {
		e.logger.Debug("throughput probe failed", "error", err)
		throughput = 0
	}

	m := Measurement{
		LatencyMs:      latencyMs,
		JitterMs:       jitterMs,
		PacketLoss:     packetLoss,
		ThroughputKbps: throughput,
		MeasuredAt:     time.Now(),
	}
	m.Tier = Classify(m.LatencyMs, m.JitterMs, m.PacketLoss, m.ThroughputKbps)

	e.logger.Debug("measurement complete",
		"tier", m.Tier.String(),
		"latency_ms", m.LatencyMs,
		"jitter_ms", m.JitterMs,
		"packet_loss", m.PacketLoss,
		"throughput_kbps", m.ThroughputKbps,
	)

	return m
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the sample standard deviation.
func stddev(xs []float64, avg float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sumSquares := 0.0
	for _, x := range xs {
		diff := x - avg
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(xs)-1))
}
