// Package analytics aggregates the metric samples and history events the
// Connection Manager emits into quality and stability scores, actionable
// recommendations, and a detailed report. It is a passive observer: it
// never feeds back into connection control decisions.
package analytics

import (
	"log/slog"
	"math"
	"time"

	"github.com/medbridge/edgelink/internal/metrics"
)

// Ring capacities. Samples keep a longer tail than events; events are
// scanned for disconnect patterns and 100 is plenty of history.
const (
	sampleWindow = 1000
	eventWindow  = 100
)

// Scoring thresholds in milliseconds, ratios and events per hour.
const (
	latencyFloorMs   = 50  // at or below this, latency scores 100
	latencyCeilMs    = 500 // at or above this, latency scores 0
	errorRateCeil    = 0.2 // error/message ratio that scores 0
	disconnectCeilHr = 8.0 // disconnects per hour that score 0

	highLatencyMs       = 300
	elevatedLatencyMs   = 150
	highDisconnectsHr   = 4.0
	elevatedErrorRate   = 0.1
	patternMinIntervals = 3
	patternMaxVariance  = 0.25 // stddev/mean ratio below which intervals count as periodic
)

// Priority orders recommendations, most urgent first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityInfo
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityInfo:
		return "info"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler for JSON output.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Recommendation is one actionable finding.
type Recommendation struct {
	Priority Priority `json:"priority"`
	Message  string   `json:"message"`
}

// Pattern describes a detected periodic-disconnection rhythm.
type Pattern struct {
	Detected bool          `json:"detected"`
	Interval time.Duration `json:"interval,omitempty"`
}

// Report is the full analytics snapshot.
type Report struct {
	GeneratedAt        time.Time        `json:"generated_at"`
	QualityScore       float64          `json:"quality_score"`
	StabilityScore     float64          `json:"stability_score"`
	AvgLatencyMs       float64          `json:"avg_latency_ms"`
	ErrorRate          float64          `json:"error_rate"`
	DisconnectsPerHour float64          `json:"disconnects_per_hour"`
	TotalSamples       int64            `json:"total_samples"`
	TotalEvents        int64            `json:"total_events"`
	DisconnectPattern  Pattern          `json:"disconnect_pattern"`
	Recommendations    []Recommendation `json:"recommendations"`
}

// Analytics accumulates observations in capped rings and derives scores on
// demand. All methods are safe for concurrent use.
type Analytics struct {
	logger  *slog.Logger
	samples *metrics.Ring[metrics.Sample]
	history *metrics.Ring[metrics.HistoryEvent]

	startedAt time.Time
}

// New creates an empty analytics aggregator.
func New(logger *slog.Logger) *Analytics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analytics{
		logger:    logger,
		samples:   metrics.NewRing[metrics.Sample](sampleWindow),
		history:   metrics.NewRing[metrics.HistoryEvent](eventWindow),
		startedAt: time.Now(),
	}
}

// RecordMetric appends a metric sample.
func (a *Analytics) RecordMetric(s metrics.Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	a.samples.Append(s)
}

// RecordEvent appends a connection history event.
func (a *Analytics) RecordEvent(ev metrics.HistoryEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	a.history.Append(ev)
}

// QualityScore rates the connection 0-100 as a weighted average of
// latency (30%), stability (50%) and error rate (20%).
func (a *Analytics) QualityScore() float64 {
	samples := a.samples.Snapshot()
	events := a.history.Snapshot()

	latency := scoreLatency(avgLatency(samples))
	stability := a.stabilityFrom(samples, events)
	errScore := scoreErrorRate(errorRate(samples))

	return round1(0.3*latency + 0.5*stability + 0.2*errScore)
}

// StabilityScore rates connection stability 0-100 as a weighted average of
// disconnection frequency (40%), error rate (30%) and latency (30%).
func (a *Analytics) StabilityScore() float64 {
	return round1(a.stabilityFrom(a.samples.Snapshot(), a.history.Snapshot()))
}

func (a *Analytics) stabilityFrom(samples []metrics.Sample, events []metrics.HistoryEvent) float64 {
	disconnect := scoreDisconnects(a.disconnectsPerHour(events))
	errScore := scoreErrorRate(errorRate(samples))
	latency := scoreLatency(avgLatency(samples))

	return 0.4*disconnect + 0.3*errScore + 0.3*latency
}

// Recommendations returns threshold-driven findings sorted high to info.
// A healthy connection yields exactly one informational entry.
func (a *Analytics) Recommendations() []Recommendation {
	samples := a.samples.Snapshot()
	events := a.history.Snapshot()

	latency := avgLatency(samples)
	errRate := errorRate(samples)
	perHour := a.disconnectsPerHour(events)
	pattern := detectPattern(events)

	var recs []Recommendation
	if latency > highLatencyMs {
		recs = append(recs, Recommendation{PriorityHigh,
			"Average latency exceeds 300ms; expect degraded real-time delivery. Check the uplink or switch networks."})
	}
	if perHour > highDisconnectsHr {
		recs = append(recs, Recommendation{PriorityHigh,
			"Connection is dropping more than 4 times per hour. The network path is unstable."})
	}
	if errRate > elevatedErrorRate {
		recs = append(recs, Recommendation{PriorityMedium,
			"More than 10% of messages fail. Inspect send errors and protocol errors in the logs."})
	}
	if latency > elevatedLatencyMs && latency <= highLatencyMs {
		recs = append(recs, Recommendation{PriorityMedium,
			"Latency is elevated above 150ms; interactive traffic may feel sluggish."})
	}
	if pattern.Detected {
		recs = append(recs, Recommendation{PriorityMedium,
			"Disconnections recur at a regular interval of about " + pattern.Interval.Round(time.Second).String() +
				". Look for periodic interference such as DHCP renewal, AP roaming, or scheduled jobs."})
	}

	if len(recs) == 0 {
		return []Recommendation{{PriorityInfo, "Connection is healthy. No action needed."}}
	}

	// Stable sort by priority, preserving insertion order within a level.
	ordered := make([]Recommendation, 0, len(recs))
	for _, p := range []Priority{PriorityHigh, PriorityMedium, PriorityInfo} {
		for _, r := range recs {
			if r.Priority == p {
				ordered = append(ordered, r)
			}
		}
	}
	return ordered
}

// DetailedReport assembles the full snapshot.
func (a *Analytics) DetailedReport() Report {
	samples := a.samples.Snapshot()
	events := a.history.Snapshot()

	return Report{
		GeneratedAt:        time.Now(),
		QualityScore:       a.QualityScore(),
		StabilityScore:     round1(a.stabilityFrom(samples, events)),
		AvgLatencyMs:       round1(avgLatency(samples)),
		ErrorRate:          errorRate(samples),
		DisconnectsPerHour: round1(a.disconnectsPerHour(events)),
		TotalSamples:       a.samples.Total(),
		TotalEvents:        a.history.Total(),
		DisconnectPattern:  detectPattern(events),
		Recommendations:    a.Recommendations(),
	}
}

// DisconnectPattern reports whether disconnects recur periodically.
func (a *Analytics) DisconnectPattern() Pattern {
	return detectPattern(a.history.Snapshot())
}

// disconnectsPerHour computes disconnect frequency over the observed
// window, using the aggregator start as the window origin so a single
// early disconnect does not read as a high rate forever.
func (a *Analytics) disconnectsPerHour(events []metrics.HistoryEvent) float64 {
	var count int
	origin := a.startedAt
	for _, ev := range events {
		if ev.Type == metrics.EventDisconnect {
			count++
		}
		if ev.Timestamp.Before(origin) {
			origin = ev.Timestamp
		}
	}
	if count == 0 {
		return 0
	}

	window := time.Since(origin)
	if window < time.Minute {
		window = time.Minute
	}
	return float64(count) / window.Hours()
}

// detectPattern looks for evenly spaced disconnects: at least
// patternMinIntervals gaps whose spread is a small fraction of the mean.
func detectPattern(events []metrics.HistoryEvent) Pattern {
	var times []time.Time
	for _, ev := range events {
		if ev.Type == metrics.EventDisconnect {
			times = append(times, ev.Timestamp)
		}
	}
	if len(times) < patternMinIntervals+1 {
		return Pattern{}
	}

	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals = append(intervals, times[i].Sub(times[i-1]).Seconds())
	}

	mean := 0.0
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))
	if mean <= 0 {
		return Pattern{}
	}

	variance := 0.0
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(variance / float64(len(intervals)))

	if stddev/mean > patternMaxVariance {
		return Pattern{}
	}
	return Pattern{
		Detected: true,
		Interval: time.Duration(mean * float64(time.Second)),
	}
}

// avgLatency averages heartbeat round-trip samples, in milliseconds.
// Returns 0 when no latency has been observed.
func avgLatency(samples []metrics.Sample) float64 {
	var sum float64
	var n int
	for _, s := range samples {
		if s.Name == metrics.SampleHeartbeatRTT {
			sum += s.Value
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// errorRate computes errors over total message outcomes.
func errorRate(samples []metrics.Sample) float64 {
	var errs, sent float64
	for _, s := range samples {
		switch s.Name {
		case metrics.SampleSendError, metrics.SampleProtocolError:
			errs += s.Value
		case metrics.SampleMessageSent:
			sent += s.Value
		}
	}
	total := errs + sent
	if total == 0 {
		return 0
	}
	return errs / total
}

// scoreLatency maps average latency to 0-100: full marks at or below the
// floor, zero at or above the ceiling, linear between. No observations
// score as healthy.
func scoreLatency(avgMs float64) float64 {
	if avgMs <= latencyFloorMs {
		return 100
	}
	if avgMs >= latencyCeilMs {
		return 0
	}
	return 100 * (latencyCeilMs - avgMs) / (latencyCeilMs - latencyFloorMs)
}

func scoreErrorRate(rate float64) float64 {
	if rate <= 0 {
		return 100
	}
	if rate >= errorRateCeil {
		return 0
	}
	return 100 * (1 - rate/errorRateCeil)
}

func scoreDisconnects(perHour float64) float64 {
	if perHour <= 0 {
		return 100
	}
	if perHour >= disconnectCeilHr {
		return 0
	}
	return 100 * (1 - perHour/disconnectCeilHr)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
