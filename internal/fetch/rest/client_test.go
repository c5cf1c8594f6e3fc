package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stratus/internal/fetch"
)

func TestFetchSinglePage(t *testing.T) {
	t.Parallel()

	var gotSince string
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("modified_since")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"order_id": "A-1", "status": "open"},
			{"order_id": "A-2", "status": "paid"},
		})
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL, Token: "secret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	since := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	recs, err := c.Fetch(context.Background(), since)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records: got %d, want 2", len(recs))
	}
	if recs[0]["order_id"] != "A-1" {
		t.Errorf("first record: %v", recs[0])
	}
	if gotSince != "2025-06-01T10:00:00Z" {
		t.Errorf("since param: %q", gotSince)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header: %q", gotAuth)
	}
}

func TestFetchEnvelopeField(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"meta":{"total":1},"data":[{"sku":"S1"}]}`)
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL, DataField: "data"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recs, err := c.Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 1 || recs[0]["sku"] != "S1" {
		t.Fatalf("records: %v", recs)
	}
}

func TestFetchNormalizesURLReferencesAndNestedValues(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{
		  "invoice_id": "INV-1",
		  "contact": "https://accounting.example.com/v2/contacts/42",
		  "line_items": [{"sku": "S1", "qty": 2}]
		}]`)
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL, IDFields: []string{"contact"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recs, err := c.Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records: %v", recs)
	}
	if recs[0]["contact"] != "42" {
		t.Errorf("contact=%v, want the trailing URL segment", recs[0]["contact"])
	}
	if recs[0]["line_items"] != `[{"qty":2,"sku":"S1"}]` {
		t.Errorf("line_items=%v (%T), want compact JSON text", recs[0]["line_items"], recs[0]["line_items"])
	}
}

func TestFetchFollowsLinkHeader(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/p1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", fmt.Sprintf(`<%s/p2>; rel="next"`, srv.URL))
		fmt.Fprint(w, `[{"order_id":"A-1"}]`)
	})
	mux.HandleFunc("/p2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"order_id":"A-2"}]`)
	})

	c, err := New(Options{BaseURL: srv.URL + "/p1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recs, err := c.Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records: got %d, want 2", len(recs))
	}
}

func TestFetchOffsetPagination(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		switch offset {
		case "0":
			fmt.Fprint(w, `[{"sku":"S1"},{"sku":"S2"}]`)
		case "2":
			fmt.Fprint(w, `[{"sku":"S3"}]`)
		default:
			t.Errorf("unexpected offset %q", offset)
			fmt.Fprint(w, `[]`)
		}
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL, PageSize: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recs, err := c.Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	// A short page ends pagination.
	if len(recs) != 3 {
		t.Fatalf("records: got %d, want 3", len(recs))
	}
}

func TestFetchClassifiesStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		retryAfter string
		check      func(t *testing.T, err error)
	}{
		{
			name:   "throttled_with_hint",
			status: http.StatusTooManyRequests, retryAfter: "9",
			check: func(t *testing.T, err error) {
				var te *fetch.TransientError
				if !errors.As(err, &te) {
					t.Fatalf("want TransientError, got %v", err)
				}
				if te.RetryAfter != 9*time.Second {
					t.Fatalf("RetryAfter: %v", te.RetryAfter)
				}
			},
		},
		{
			name:   "server_error",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				var te *fetch.TransientError
				if !errors.As(err, &te) {
					t.Fatalf("want TransientError, got %v", err)
				}
			},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var fe *fetch.FatalError
				if !errors.As(err, &fe) {
					t.Fatalf("want FatalError, got %v", err)
				}
			},
		},
		{
			name:   "not_found_is_plain_error",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var te *fetch.TransientError
				var fe *fetch.FatalError
				if err == nil || errors.As(err, &te) || errors.As(err, &fe) {
					t.Fatalf("want plain error, got %v", err)
				}
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c, err := New(Options{BaseURL: srv.URL})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = c.Fetch(context.Background(), time.Time{})
			tc.check(t, err)
		})
	}
}

func TestNextLink(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Link", `<https://api.example.com/orders?page=2>; rel="next", <https://api.example.com/orders?page=9>; rel="last"`)
	if got := nextLink(h); got != "https://api.example.com/orders?page=2" {
		t.Fatalf("nextLink: %q", got)
	}

	h = http.Header{}
	h.Set("Link", `<https://api.example.com/orders?page=9>; rel="last"`)
	if got := nextLink(h); got != "" {
		t.Fatalf("nextLink without next: %q", got)
	}
}

func TestNewRejectsMissingBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error")
	}
}
