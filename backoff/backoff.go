// Package backoff provides retry delay strategies and the retry budget
// applied to failed conversion attempts. All strategies are stateless and
// safe for concurrent use.
package backoff

import (
	"math"
	"time"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns how long to wait before retry n (1-indexed).
	// Retry 1 follows the first failed attempt.
	Delay(retry int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each retry.
// Delay = min(Initial * 2^(retry-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(retry-1), capped at Max.
func (e *Exponential) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(retry-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Policy
// ──────────────────────────────────────────────────

// Policy is a retry budget: at most MaxAttempts attempts in total, spaced
// by Strategy.
type Policy struct {
	MaxAttempts int
	Strategy    Strategy
}

// DefaultPolicy allows three attempts, retried after 2s then 4s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Strategy: NewExponential(2*time.Second, time.Minute)}
}

// Next reports whether another attempt is allowed after attempts have
// already run, and how long to wait before it.
func (p Policy) Next(attempts int) (time.Duration, bool) {
	if attempts >= p.MaxAttempts {
		return 0, false
	}
	if p.Strategy == nil {
		return 0, true
	}
	return p.Strategy.Delay(attempts), true
}
