package agent

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy bounds the retry loop for transient and timeout failures.
type BackoffPolicy struct {
	// MaxAttempts is the total attempt cap, including the first try.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration
	// Multiplier scales the delay after each failed attempt.
	Multiplier float64
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Jitter is the fraction of the delay randomized, in [0, 1].
	Jitter float64
}

// DefaultBackoffPolicy returns the stock retry policy.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
	}
}

// Delay returns the wait before the given attempt. Attempt is 1-indexed;
// the first attempt never waits.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-2))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		// Spread delays so simultaneous retries don't stampede the provider.
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
