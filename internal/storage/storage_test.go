package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))

	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{" A-1 ", "A-1"},
		{[]byte(" b "), "b"},
		{42, "42"},
		{int64(42), "42"},
		{ts, "2025-06-01T09:00:00Z"},
	}
	for _, c := range cases {
		if got := NormalizeKey(c.in); got != c.want {
			t.Errorf("NormalizeKey(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestKeyStringCompositeIsUnambiguous(t *testing.T) {
	t.Parallel()

	// ("ab", "c") and ("a", "bc") must not collide.
	a := KeyString([]any{"ab", "c"})
	b := KeyString([]any{"a", "bc"})
	if a == b {
		t.Fatalf("composite keys collide: %q", a)
	}

	// Different representations of the same logical value match.
	if KeyString([]any{int64(7)}) != KeyString([]any{"7"}) {
		t.Error("int64 and numeric string should normalize identically")
	}
}

func TestRegisterAndNew(t *testing.T) {
	called := false
	Register("fake-kind", func(ctx context.Context, cfg Config) (Repository, error) {
		called = true
		return nil, errors.New("boom")
	})

	_, err := New(context.Background(), Config{Kind: "fake-kind", DSN: "x"})
	if !called {
		t.Fatal("factory was not invoked")
	}
	if err == nil || err.Error() != "boom" {
		t.Fatalf("err: %v", err)
	}

	if _, err := New(context.Background(), Config{Kind: "no-such-kind"}); err == nil {
		t.Fatal("unknown kind must error")
	}
}

func TestRegisterPanicsOnDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	Register("dup-kind", func(ctx context.Context, cfg Config) (Repository, error) { return nil, nil })
	Register("dup-kind", func(ctx context.Context, cfg Config) (Repository, error) { return nil, nil })
}

func TestHealthy(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	staleAfter := 24 * time.Hour

	fresh := SyncCursor{LastStatus: StatusSuccess, LastRunAt: now.Add(-time.Hour)}
	if !Healthy(fresh, staleAfter, now) {
		t.Error("fresh success should be healthy")
	}

	stale := SyncCursor{LastStatus: StatusSuccess, LastRunAt: now.Add(-25 * time.Hour)}
	if Healthy(stale, staleAfter, now) {
		t.Error("stale success should be unhealthy")
	}

	failed := SyncCursor{LastStatus: StatusFailed, LastRunAt: now}
	if Healthy(failed, staleAfter, now) {
		t.Error("failed run should be unhealthy")
	}
}

func TestPersistenceErrorUnwrap(t *testing.T) {
	t.Parallel()

	root := errors.New("deadlock detected")
	pe := &PersistenceError{Op: "upsert orders", Err: root}
	if !errors.Is(pe, root) {
		t.Error("Unwrap should expose the cause")
	}
	if pe.Error() == "" {
		t.Error("empty message")
	}
}
