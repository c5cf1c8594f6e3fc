package etlutil

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-06-01T10:30:00Z", time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)},
		{"2025-06-01T10:30:00.5Z", time.Date(2025, 6, 1, 10, 30, 0, 500000000, time.UTC)},
		{"2025-06-01T12:30:00+02:00", time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)},
		{"2025-06-01 10:30:00", time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)},
		{"2025-06-01", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		got, err := ParseTime(tc.in)
		if err != nil {
			t.Errorf("ParseTime(%q): %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("ParseTime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "  ", "tomorrow", "01/06/2025"} {
		if _, err := ParseTime(bad); err == nil {
			t.Errorf("ParseTime(%q): expected error", bad)
		}
	}
}

func TestCoerceInt(t *testing.T) {
	t.Parallel()

	good := []struct {
		in   any
		want int64
	}{
		{42, 42},
		{int64(42), 42},
		{float64(42), 42},
		{json.Number("42"), 42},
		{" 42 ", 42},
		{"-7", -7},
	}
	for _, tc := range good {
		got, err := CoerceInt(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("CoerceInt(%v) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
	}

	for _, bad := range []any{nil, 42.5, "4.2", "x", []int{1}} {
		if _, err := CoerceInt(bad); err == nil {
			t.Errorf("CoerceInt(%v): expected error", bad)
		}
	}
}

func TestCoerceDecimal(t *testing.T) {
	t.Parallel()

	got, err := CoerceDecimal("19.99")
	if err != nil || got.String() != "19.99" {
		t.Fatalf("CoerceDecimal(string) = %v, %v", got, err)
	}

	// Textual input must not lose precision to float64.
	got, err = CoerceDecimal(json.Number("0.30000000000000004"))
	if err != nil || got.String() != "0.30000000000000004" {
		t.Fatalf("CoerceDecimal(json.Number) = %v, %v", got, err)
	}

	got, err = CoerceDecimal(int64(5))
	if err != nil || got.String() != "5" {
		t.Fatalf("CoerceDecimal(int64) = %v, %v", got, err)
	}

	if _, err := CoerceDecimal(nil); err == nil {
		t.Error("CoerceDecimal(nil): expected error")
	}
	if _, err := CoerceDecimal("abc"); err == nil {
		t.Error("CoerceDecimal(junk): expected error")
	}
}

func TestExtractIDFromURL(t *testing.T) {
	t.Parallel()

	good := []struct {
		in   string
		want string
	}{
		{"https://erp.example.com/api/products/42/", "42"},
		{"https://erp.example.com/api/products/42", "42"},
		{"https://erp.example.com/api/variants/V-9?expand=product", "V-9"},
	}
	for _, tc := range good {
		got, err := ExtractIDFromURL(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("ExtractIDFromURL(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}

	for _, bad := range []string{"", "///"} {
		if _, err := ExtractIDFromURL(bad); err == nil {
			t.Errorf("ExtractIDFromURL(%q): expected error", bad)
		}
	}
}

func TestMarshalBlob(t *testing.T) {
	t.Parallel()

	got, err := MarshalBlob(map[string]any{"a": 1})
	if err != nil || got != `{"a":1}` {
		t.Fatalf("MarshalBlob = %q, %v", got, err)
	}

	got, err = MarshalBlob(nil)
	if err != nil || got != "" {
		t.Fatalf("MarshalBlob(nil) = %q, %v", got, err)
	}
}
