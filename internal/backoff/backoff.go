// Package backoff computes redelivery delays for failed or expired tasks.
package backoff

import (
	"math"
	"math/rand"
)

// Supported policy names.
const (
	PolicyFixed         = "fixed"
	PolicyLinear        = "linear"
	PolicyExponential   = "exponential"
	PolicyExpEqual      = "exp_equal_jitter"
	PolicyExpFullJitter = "exp_full_jitter"
)

// Compute returns a delay in seconds for the given attempt count.
// Unknown policies fall back to full-jitter exponential. attempts < 0 is
// treated as 0, and the result never exceeds maxSeconds.
func Compute(policy string, baseSeconds, maxSeconds, attempts int, rng *rand.Rand) int {
	if attempts < 0 {
		attempts = 0
	}
	if baseSeconds <= 0 {
		baseSeconds = 1
	}
	if maxSeconds <= 0 {
		maxSeconds = baseSeconds
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	switch policy {
	case PolicyFixed:
		return minInt(baseSeconds, maxSeconds)
	case PolicyLinear:
		n := attempts
		if n < 1 {
			n = 1
		}
		return minInt(baseSeconds*n, maxSeconds)
	case PolicyExponential:
		return expDelay(baseSeconds, maxSeconds, attempts)
	case PolicyExpEqual:
		d := expDelay(baseSeconds, maxSeconds, attempts)
		half := d / 2
		return half + rng.Intn(half+1)
	default:
		d := expDelay(baseSeconds, maxSeconds, attempts)
		if d <= 0 {
			return 0
		}
		return rng.Intn(d + 1)
	}
}

func expDelay(base, max, attempts int) int {
	d := float64(base) * math.Pow(2, float64(attempts))
	if d > float64(max) {
		return max
	}
	return int(d)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
