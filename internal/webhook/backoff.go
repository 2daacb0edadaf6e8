package webhook

import (
	"math"
	"time"
)

// Retry policy defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1000 * time.Millisecond
	DefaultMaxDelay    = 30000 * time.Millisecond

	// jitterSpread bounds the multiplicative jitter factor to [1, 1.3).
	jitterSpread = 0.3
)

// backoff computes the delay before retry attempt+1, given that `attempt`
// attempts have already failed:
//
//	min(base * 2^(attempt-1) * (1 + jitter), max)
//
// where jitter is in [0, jitterSpread). The result is floored to a whole
// millisecond. The jitter sample is a parameter so tests can pin it.
func backoff(attempt int, base, max time.Duration, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := math.Pow(2, float64(attempt-1))
	delayMs := float64(base.Milliseconds()) * exp * (1 + jitter*jitterSpread)

	maxMs := float64(max.Milliseconds())
	if delayMs > maxMs {
		delayMs = maxMs
	}
	return time.Duration(math.Floor(delayMs)) * time.Millisecond
}
