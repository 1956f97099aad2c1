// Package backoff provides delay strategies for workers that poll an empty
// queue or reconnect to a lost server. Strategies are stateless and safe for
// concurrent use.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before attempt n (1-indexed). Attempt 1 is the
// first wait after an empty poll or failed call; values below 1 are treated
// as 1.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
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

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return exponential(e.Initial, e.Max, attempt)
}

// ──────────────────────────────────────────────────
// Jittered (equal jitter)
// ──────────────────────────────────────────────────

// Jittered spreads an exponential base over its upper half.
// Delay = random value in [base/2, base], base = min(Initial * 2^(attempt-1), Max).
// Keeping the lower half out means a fleet of idle workers never polls
// faster than half the base.
type Jittered struct {
	Initial time.Duration
	Max     time.Duration
}

// NewJittered creates an exponential strategy with equal jitter.
func NewJittered(initial, maxDelay time.Duration) *Jittered {
	return &Jittered{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [base/2, base].
func (j *Jittered) Delay(attempt int) time.Duration {
	base := exponential(j.Initial, j.Max, attempt)
	half := base / 2
	return half + time.Duration(rand.Float64()*float64(base-half)) //nolint:gosec // jitter does not need crypto rand
}

func exponential(initial, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// ──────────────────────────────────────────────────
// Defaults
// ──────────────────────────────────────────────────

// DefaultPoll is the idle-queue strategy: 1s growing to 10s.
func DefaultPoll() Strategy {
	return NewJittered(time.Second, 10*time.Second)
}

// DefaultReconnect is the strategy for failed server calls: 500ms growing
// to 30s.
func DefaultReconnect() Strategy {
	return NewJittered(500*time.Millisecond, 30*time.Second)
}

// Wait sleeps for s.Delay(attempt) or until ctx is done, returning the
// context error in that case.
func Wait(ctx context.Context, s Strategy, attempt int) error {
	t := time.NewTimer(s.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
