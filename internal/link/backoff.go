package link

import (
	"math"
	"math/rand"
	"time"

	"github.com/medbridge/edgelink/internal/netquality"
)

// minReconnectDelay is the floor applied after jitter.
const minReconnectDelay = 100 * time.Millisecond

// jitterFraction spreads reconnect attempts so a fleet of clients does
// not stampede the backend in lockstep.
const jitterFraction = 0.2

// baseDelay computes the exponential delay for a 1-based attempt number,
// capped at the strategy's MaxDelay.
func baseDelay(s netquality.Strategy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(s.InitialDelay) * math.Pow(s.BackoffFactor, float64(attempt-1))
	if max := float64(s.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// jitteredDelay applies plus or minus jitterFraction to the base delay
// and floors the result at minReconnectDelay.
func jitteredDelay(s netquality.Strategy, attempt int) time.Duration {
	d := float64(baseDelay(s, attempt))
	d += d * (rand.Float64()*2 - 1) * jitterFraction
	if d < float64(minReconnectDelay) {
		d = float64(minReconnectDelay)
	}
	return time.Duration(d)
}
