// Package backoff provides retry delay strategies for item processing.
// All strategies are safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns how long to wait after failed attempt n (1-indexed)
	// before attempt n+1.
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay regardless of attempt number.
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

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
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
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	return time.Duration(d)
}

// Jittered spreads another strategy's delay uniformly within
// +/- Factor of its value, then clamps the result to Max.
type Jittered struct {
	Base   Strategy
	Factor float64
	Max    time.Duration

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// NewJittered wraps base with proportional jitter.
func NewJittered(base Strategy, factor float64, maxDelay time.Duration) *Jittered {
	return &Jittered{Base: base, Factor: factor, Max: maxDelay}
}

// Delay returns Base.Delay(attempt) * (1 + u*Factor) for u in [-1, 1),
// capped at Max.
func (j *Jittered) Delay(attempt int) time.Duration {
	r := j.Rand
	if r == nil {
		r = rand.Float64 //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	base := float64(j.Base.Delay(attempt))
	d := base * (1 + (2*r()-1)*j.Factor)
	if d < 0 {
		d = 0
	}
	if j.Max > 0 && d > float64(j.Max) {
		return j.Max
	}
	return time.Duration(d)
}

// New returns the engine's retry strategy: exponential from base,
// +/- jitter, capped at maxDelay.
func New(base, maxDelay time.Duration, jitter float64) Strategy {
	return NewJittered(NewExponential(base, maxDelay), jitter, maxDelay)
}

// DefaultStrategy returns New(2s, 30s, 0.2).
func DefaultStrategy() Strategy {
	return New(2*time.Second, 30*time.Second, 0.2)
}
