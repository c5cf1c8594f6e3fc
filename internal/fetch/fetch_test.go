package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"stratus/internal/schema"
)

// instantSleep records requested waits without sleeping.
func instantSleep(waits *[]time.Duration) func(context.Context, time.Duration) bool {
	return func(_ context.Context, d time.Duration) bool {
		*waits = append(*waits, d)
		return true
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	t.Parallel()

	var calls int
	fn := func(ctx context.Context, since time.Time) ([]schema.Record, error) {
		calls++
		return []schema.Record{{"order_id": "A-1"}}, nil
	}

	recs, err := Do(context.Background(), Retry{}, fn, time.Now())
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 || len(recs) != 1 {
		t.Fatalf("calls=%d recs=%d", calls, len(recs))
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	policy := Retry{
		MaxAttempts: 5,
		BaseBackoff: time.Second,
		MaxBackoff:  8 * time.Second,
		sleep:       instantSleep(&waits),
	}

	var calls int
	fn := func(ctx context.Context, since time.Time) ([]schema.Record, error) {
		calls++
		if calls < 3 {
			return nil, &TransientError{Err: errors.New("503")}
		}
		return nil, nil
	}

	if _, err := Do(context.Background(), policy, fn, time.Time{}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d, want 3", calls)
	}
	// Exponential schedule: 1s then 2s.
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Fatalf("waits=%v", waits)
	}
}

func TestDoHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	policy := Retry{
		MaxAttempts: 2,
		BaseBackoff: time.Second,
		sleep:       instantSleep(&waits),
	}

	var calls int
	fn := func(ctx context.Context, since time.Time) ([]schema.Record, error) {
		calls++
		if calls == 1 {
			return nil, &TransientError{Err: errors.New("429"), RetryAfter: 7 * time.Second}
		}
		return nil, nil
	}

	if _, err := Do(context.Background(), policy, fn, time.Time{}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(waits) != 1 || waits[0] != 7*time.Second {
		t.Fatalf("waits=%v, want [7s]", waits)
	}
}

func TestDoStopsOnFatal(t *testing.T) {
	t.Parallel()

	var calls int
	root := errors.New("401 unauthorized")
	fn := func(ctx context.Context, since time.Time) ([]schema.Record, error) {
		calls++
		return nil, &FatalError{Err: root}
	}

	_, err := Do(context.Background(), Retry{MaxAttempts: 5}, fn, time.Time{})
	if calls != 1 {
		t.Fatalf("fatal error must stop retries, calls=%d", calls)
	}
	var fatal *FatalError
	if !errors.As(err, &fatal) || !errors.Is(err, root) {
		t.Fatalf("err: %v", err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	policy := Retry{MaxAttempts: 3, BaseBackoff: time.Second, sleep: instantSleep(&waits)}

	var calls int
	fn := func(ctx context.Context, since time.Time) ([]schema.Record, error) {
		calls++
		return nil, &TransientError{Err: errors.New("timeout")}
	}

	_, err := Do(context.Background(), policy, fn, time.Time{})
	if calls != 3 {
		t.Fatalf("calls=%d, want 3", calls)
	}
	if err == nil {
		t.Fatal("expected terminal error")
	}
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("final error should wrap the last transient cause: %v", err)
	}
	// No sleep after the final attempt.
	if len(waits) != 2 {
		t.Fatalf("waits=%v, want 2 entries", waits)
	}
}

func TestDoReturnsContextErrorWhenCancelledMidWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	policy := Retry{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		sleep: func(c context.Context, d time.Duration) bool {
			cancel()
			return false
		},
	}

	fn := func(ctx context.Context, since time.Time) ([]schema.Record, error) {
		return nil, &TransientError{Err: errors.New("503")}
	}

	_, err := Do(ctx, policy, fn, time.Time{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err: %v", err)
	}
}

func TestNextDelayClampsAndJitters(t *testing.T) {
	t.Parallel()

	p := Retry{BaseBackoff: 4 * time.Second, MaxBackoff: 10 * time.Second}.withDefaults()
	if d := p.nextDelay(errors.New("x"), 4); d != 10*time.Second {
		t.Fatalf("clamp: got %v", d)
	}

	p = Retry{
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
		JitterMax:   time.Second,
		rng:         func() float64 { return 0.5 },
	}.withDefaults()
	if d := p.nextDelay(errors.New("x"), 1); d != 1500*time.Millisecond {
		t.Fatalf("jitter: got %v", d)
	}
}
