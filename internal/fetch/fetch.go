// Package fetch defines the contract between source adapters and the job
// runner, plus the retry policy applied to transient upstream failures.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"stratus/internal/schema"
)

// Func pulls records changed since the given instant from one source system.
//
// Implementations must be safe to call again with the same window: the
// engine's idempotent writes make replays harmless, so adapters should not
// try to track delivery themselves.
type Func func(ctx context.Context, since time.Time) ([]schema.Record, error)

// TransientError marks a failure worth retrying (throttling, 5xx, timeouts).
// RetryAfter, when positive, is the upstream's own backoff hint and takes
// precedence over the computed delay.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure where retrying cannot help (bad credentials,
// malformed request). The retry loop stops immediately.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Retry controls the retry loop in Do.
type Retry struct {
	// MaxAttempts caps total calls including the first. If <= 0, defaults
	// to 5.
	MaxAttempts int

	// BaseBackoff seeds the exponential delay: base * 2^(attempt-1),
	// clamped at MaxBackoff. Defaults: 4s base, 60s max.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// JitterMax adds up to this much random extra sleep per wait to spread
	// out synchronized retries. If <= 0, no jitter.
	JitterMax time.Duration

	// rng and sleep are unexported test seams. Production code leaves them
	// nil and gets math/rand and context-aware sleeping.
	rng   func() float64
	sleep func(ctx context.Context, d time.Duration) bool
}

func (r Retry) withDefaults() Retry {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	if r.BaseBackoff <= 0 {
		r.BaseBackoff = 4 * time.Second
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 60 * time.Second
	}
	if r.rng == nil {
		r.rng = rand.Float64
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}
	return r
}

// Do calls fn until it succeeds, fails fatally, exhausts attempts, or the
// context is done.
//
// Errors:
//   - A *FatalError from fn is returned unwrapped-as-is after the first
//     occurrence; no further attempts happen.
//   - Any other error is treated as transient. After the last attempt the
//     final error is returned wrapped with the attempt count.
//   - Context cancellation during a wait returns ctx.Err().
func Do(ctx context.Context, policy Retry, fn Func, since time.Time) ([]schema.Record, error) {
	p := policy.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		recs, err := fn(ctx, since)
		if err == nil {
			return recs, nil
		}

		var fatal *FatalError
		if errors.As(err, &fatal) {
			return nil, err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}

		wait := p.nextDelay(err, attempt)
		if !p.sleep(ctx, wait) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("fetch failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

// nextDelay computes the wait before the given attempt's retry. An upstream
// Retry-After hint wins over the exponential schedule.
func (r Retry) nextDelay(err error, attempt int) time.Duration {
	var transient *TransientError
	if errors.As(err, &transient) && transient.RetryAfter > 0 {
		return transient.RetryAfter
	}

	d := r.BaseBackoff << uint(attempt-1)
	if d > r.MaxBackoff {
		d = r.MaxBackoff
	}
	if r.JitterMax > 0 {
		d += time.Duration(r.rng() * float64(r.JitterMax))
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
