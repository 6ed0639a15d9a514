// Package backoff implements the exponential retry delay policy used for
// failed batch deliveries.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes retry delays: base * 2^attempt capped at the ceiling, with
// proportional jitter applied in both directions.
type Policy struct {
	Base    time.Duration
	Ceiling time.Duration
	Jitter  float64
}

// Default returns the standard delivery policy: 1s base, 10m ceiling,
// ±20% jitter.
func Default() Policy {
	return Policy{
		Base:    1 * time.Second,
		Ceiling: 10 * time.Minute,
		Jitter:  0.2,
	}
}

// Delay returns the delay before retry number attempt. The first retry is
// attempt 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.Ceiling) {
		delay = float64(p.Ceiling)
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// NextRetryAt returns the wall-clock time of retry number attempt.
func (p Policy) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
