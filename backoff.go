package ably

import (
	"math/rand"
	"time"
)

// backoffCoefficient grows the retry delay over the first few attempts and
// then holds it at twice the base.
func backoffCoefficient(attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	return min(float64(attempt+2)/3, 2)
}

// jitterCoefficient is a random factor in (0.8, 1].
func jitterCoefficient(r func() float64) float64 {
	return 1 - r()*0.2
}

// retryDelay returns the wait before retry number attempt (1-based).
func retryDelay(base time.Duration, attempt int, r func() float64) time.Duration {
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(float64(base) * backoffCoefficient(attempt) * jitterCoefficient(r))
}

// suspendedDelay returns the wait before retrying from suspended: the fixed
// base with jitter only.
func suspendedDelay(base time.Duration, r func() float64) time.Duration {
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(float64(base) * jitterCoefficient(r))
}
