package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"stratus/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}

func newTestBackend(t *testing.T, fs *fakeSubmitter, job string) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:    job,
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	return b
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
//
// Edge cases:
//   - ENV wins over DD_ENV.
//   - Whitespace-only env vars are ignored.
//   - If neither is set, "env:unknown" is returned.
func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

// TestPairKeyRoundTrip verifies key encoding/decoding, including values that
// themselves contain separators.
func TestPairKeyRoundTrip(t *testing.T) {
	tests := []struct {
		a, b string
	}{
		{"orders_sync", "success"},
		{"", "failed"},
		{"job:with:colons", "ok"},
	}
	for _, tc := range tests {
		a, b := splitPairKey(pairKey(tc.a, tc.b))
		if a != tc.a || b != tc.b {
			t.Fatalf("round trip (%q,%q) -> (%q,%q)", tc.a, tc.b, a, b)
		}
	}
	if a, b := splitPairKey("bare"); a != "bare" || b != "unknown" {
		t.Fatalf("malformed key: (%q,%q)", a, b)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	s := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := percentileNearestRank(s, 0.5); got != 6 {
		t.Fatalf("p50=%v, want 6", got)
	}
	if got := percentileNearestRank(s, 0); got != 1 {
		t.Fatalf("p0=%v, want 1", got)
	}
	if got := percentileNearestRank(s, 1); got != 10 {
		t.Fatalf("p100=%v, want 10", got)
	}
	if got := percentileNearestRank(nil, 0.5); got != 0 {
		t.Fatalf("empty=%v, want 0", got)
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		Tags:      []string{"service:stratus"},
		submitter: fs,
		now:       func() time.Time { return time.Unix(123, 0) },
		newTicker: func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:sync") {
		t.Fatalf("baseTags missing job:sync: %v", b.baseTags)
	}
	if !contains(b.baseTags, "service:stratus") {
		t.Fatalf("baseTags missing service:stratus: %v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

// TestFlush_SubmitsAndResets verifies Flush submits buffered metrics and
// resets buffers.
func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs, "orders_sync")
	defer func() { _ = b.Close() }()

	b.IncCounter("sync_runs_total", 1, metrics.Labels{"job": "orders_sync", "status": "success"})
	b.IncCounter("sync_records_total", 12, metrics.Labels{"entity": "orders", "op": "inserted"})
	b.IncCounter("sync_records_total", 3, metrics.Labels{"entity": "orders", "op": "updated"})
	b.IncCounter("sync_batches_total", 1, nil)
	b.ObserveHistogram("sync_run_duration_seconds", 1.5, metrics.Labels{"job": "orders_sync", "status": "success"})
	b.IncCounter("sync_http_requests_total", 4, metrics.Labels{"status": "200"})
	b.ObserveHistogram("sync_http_request_duration_seconds", 0.2, metrics.Labels{"status": "200"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.runCounts) != 0 || len(b.recordCounts) != 0 || b.batchCount != 0 || len(b.durationSamples) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}
	var names []string
	for _, s := range payload.Series {
		names = append(names, s.Metric)
	}
	sort.Strings(names)

	wantContains := []string{
		"sync.runs.total",
		"sync.records.total",
		"sync.batches.total",
		"sync.run.duration_seconds.p50",
		"sync.run.duration_seconds.samples",
		"sync.http.requests.total",
		"sync.http.request_duration_seconds.p50",
	}
	for _, w := range wantContains {
		if !contains(names, w) {
			t.Fatalf("payload missing metric %q; got=%v", w, names)
		}
	}
}

// TestFlush_NoDataDoesNotSubmit verifies the empty path does not hit the API.
func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs, "orders_sync")
	defer func() { _ = b.Close() }()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 0 {
		t.Fatalf("submit calls=%d, want 0", fs.count())
	}
}

// TestLoopAndClose verifies the periodic flush loop runs and Close performs a
// final flush.
func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName:   "orders_sync",
		submitter: fs,
		now:       func() time.Time { return time.Unix(1000, 0) },
		newTicker: func(d time.Duration) *time.Ticker { return time.NewTicker(5 * time.Millisecond) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter("sync_batches_total", 1, nil)

	deadline := time.After(2 * time.Second)
	for fs.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("flush loop never submitted")
		case <-time.After(time.Millisecond):
		}
	}

	b.IncCounter("sync_batches_total", 1, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected a final flush on Close, got %d submissions", fs.count())
	}
}

// TestBackend_ConcurrentAccess exercises the lock paths under race detection.
func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs, "orders_sync")
	defer func() { _ = b.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.IncCounter("sync_records_total", 1, metrics.Labels{"entity": "orders", "op": "inserted"})
				b.ObserveHistogram("sync_run_duration_seconds", 0.1, metrics.Labels{"job": "orders_sync", "status": "success"})
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			_ = b.Flush()
		}
	}()
	wg.Wait()
}

func TestIncCounterAndObserveHistogram_EdgeCases(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs, "orders_sync")
	defer func() { _ = b.Close() }()

	// Non-positive deltas and negative samples are dropped.
	b.IncCounter("sync_batches_total", 0, nil)
	b.IncCounter("sync_batches_total", -3, nil)
	b.ObserveHistogram("sync_run_duration_seconds", -1, metrics.Labels{"job": "j", "status": "s"})

	// Unknown names are ignored.
	b.IncCounter("bogus_total", 1, nil)
	b.ObserveHistogram("bogus_seconds", 1, nil)

	// Record counters without an op are dropped.
	b.IncCounter("sync_records_total", 1, metrics.Labels{"entity": "orders"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 0 {
		t.Fatalf("nothing valid was recorded, yet %d payloads submitted", fs.count())
	}
}

func TestParseTagsCSV(t *testing.T) {
	got := ParseTagsCSV(" env:prod , ,service:stratus,")
	want := []string{"env:prod", "service:stratus"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
