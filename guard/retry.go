package guard

import (
	"math/rand"
	"time"
)

// RetryPolicy controls exponential backoff between transient-failure retries.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"` // Total call attempts, including the first
	BaseDelay   time.Duration `json:"base_delay"`   // Delay before the first retry
	Multiplier  float64       `json:"multiplier"`   // Growth factor per retry
	Jitter      float64       `json:"jitter"`       // Fractional randomization, 0..1
	MaxDelay    time.Duration `json:"max_delay"`    // Hard cap on any single delay
}

// DefaultRetryPolicy returns the standard 1s -> 2s -> 4s ... capped at 30s
// schedule with 5 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the backoff before retry number n (1-based: n=1 follows the
// first failed attempt).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			break
		}
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		// Spread delays across +-jitter to avoid synchronized retry storms.
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
