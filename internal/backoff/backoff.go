// Package backoff computes retry delays for uploads and worker restarts.
// Strategies are stateless and safe for concurrent use.
package backoff

import "time"

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max). The result never decreases as
// attempt grows, so a rate-limited endpoint sees progressively longer gaps.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.Initial
	for i := 1; i < attempt; i++ {
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
		// Stop doubling before the int64 overflows.
		if d >= time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c Constant) Delay(int) time.Duration {
	return c.Interval
}
