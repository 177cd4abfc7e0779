// Package backoff provides exponential backoff with jitter for the
// tool-server reconnect schedule and provider retry delays.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff for the first attempt.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to the base.
	Jitter float64
}

// Compute calculates the backoff for attempt (1-indexed):
// min(Max, Initial*Factor^(attempt-1) + jitter).
func (p Policy) Compute(attempt int) time.Duration {
	return p.computeWith(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

func (p Policy) computeWith(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base+base*p.Jitter*random)
	return time.Duration(total)
}

// ReconnectPolicy is the default schedule for tool-server reconnect attempts:
// 250ms initial, doubling, capped at 30s, 20% jitter.
func ReconnectPolicy() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// ProviderRetryDelay returns the single-retry delay for transient provider
// failures: 500ms with up to 25% jitter.
func ProviderRetryDelay() time.Duration {
	base := 500 * time.Millisecond
	jitter := time.Duration(rand.Float64() * 0.25 * float64(base)) // #nosec G404
	return base + jitter
}
