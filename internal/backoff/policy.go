// Package backoff computes the retry delay schedule for provider requests.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines an exponential backoff schedule with additive jitter.
type Policy struct {
	// Factor is the exponential base applied per completed attempt.
	// Providers configure it via retry_backoff (1.0 to 5.0).
	Factor float64
	// Cap bounds the computed delay, jitter included.
	Cap time.Duration
}

// Default returns the provider retry schedule: factor 1.5, capped at 10s.
func Default() Policy {
	return Policy{Factor: 1.5, Cap: 10 * time.Second}
}

// Compute returns the delay before the next attempt. attempt counts completed
// attempts, starting at 1.
func Compute(p Policy, attempt int) time.Duration {
	return ComputeWithRand(p, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the delay using a provided jitter value, for
// deterministic tests. randomValue should be in [0.0, 1.0); it is added as
// whole seconds of jitter before capping.
func ComputeWithRand(p Policy, attempt int, randomValue float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 1.5
	}
	seconds := math.Pow(factor, float64(attempt)) + randomValue
	d := time.Duration(seconds * float64(time.Second))
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}
