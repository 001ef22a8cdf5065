// Package netquality estimates the quality of the network between the edge
// host and the backend, classifies it into tiers, and derives the
// reconnection strategy the Connection Manager should run with.
package netquality

import (
	"fmt"
	"time"
)

// Tier is a discrete network-quality classification, best first.
type Tier int

const (
	TierExcellent Tier = iota
	TierGood
	TierFair
	TierPoor
	TierBad
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	case TierFair:
		return "fair"
	case TierPoor:
		return "poor"
	case TierBad:
		return "bad"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler for JSON/YAML output.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseTier converts a tier name back to its Tier value.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "excellent":
		return TierExcellent, nil
	case "good":
		return TierGood, nil
	case "fair":
		return TierFair, nil
	case "poor":
		return TierPoor, nil
	case "bad":
		return TierBad, nil
	default:
		return 0, fmt.Errorf("unknown quality tier %q", s)
	}
}

// Strategy holds the reconnection and heartbeat parameters for a tier.
// Worse tiers are tolerated with patience: more attempts, longer delays,
// longer heartbeat timeouts.
type Strategy struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffFactor     float64       `json:"backoff_factor" yaml:"backoff_factor"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
}

// defaultStrategies maps each tier to its strategy.
var defaultStrategies = map[Tier]Strategy{
	TierExcellent: {
		MaxAttempts:       5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffFactor:     1.5,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
	},
	TierGood: {
		MaxAttempts:       8,
		InitialDelay:      time.Second,
		MaxDelay:          20 * time.Second,
		BackoffFactor:     1.8,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  8 * time.Second,
	},
	TierFair: {
		MaxAttempts:       10,
		InitialDelay:      2 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffFactor:     2.0,
		HeartbeatInterval: 20 * time.Second,
		HeartbeatTimeout:  12 * time.Second,
	},
	TierPoor: {
		MaxAttempts:       15,
		InitialDelay:      3 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffFactor:     2.0,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  18 * time.Second,
	},
	TierBad: {
		MaxAttempts:       20,
		InitialDelay:      5 * time.Second,
		MaxDelay:          120 * time.Second,
		BackoffFactor:     2.5,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  25 * time.Second,
	},
}

// StrategyFor returns the strategy for a tier.
func StrategyFor(tier Tier) Strategy {
	s, ok := defaultStrategies[tier]
	if !ok {
		return defaultStrategies[TierBad]
	}
	return s
}

// threshold holds the ceilings/floor a measurement must satisfy to be
// assigned a tier. Evaluated best-to-worst; a measurement must pass all
// four to qualify.
type threshold struct {
	tier           Tier
	maxLatencyMs   float64
	maxJitterMs    float64
	maxPacketLoss  float64 // fraction in [0,1]
	minThroughput  float64 // kbps
}

var tierThresholds = []threshold{
	{TierExcellent, 50, 15, 0.01, 1500},
	{TierGood, 120, 30, 0.03, 800},
	{TierFair, 250, 60, 0.08, 300},
	{TierPoor, 500, 120, 0.15, 100},
}

// Classify assigns a tier by evaluating thresholds best-to-worst. A
// measurement that matches no threshold is TierBad.
func Classify(latencyMs, jitterMs, packetLoss, throughputKbps float64) Tier {
	for _, th := range tierThresholds {
		if latencyMs <= th.maxLatencyMs &&
			jitterMs <= th.maxJitterMs &&
			packetLoss <= th.maxPacketLoss &&
			throughputKbps >= th.minThroughput {
			return th.tier
		}
	}
	return TierBad
}
