// Package etlutil holds small value-coercion helpers shared by source
// adapters. Upstream systems disagree about how to spell timestamps, numbers
// and references; these functions normalize the variants we have actually
// seen into the types the schema layer expects.
package etlutil

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ParseTime parses the timestamp spellings common across source APIs into a
// UTC time.
//
// Accepted layouts:
//   - RFC3339 / RFC3339Nano ("2025-06-01T10:30:00Z")
//   - date only ("2025-06-01"), midnight UTC
//   - space-separated ("2025-06-01 10:30:00"), assumed UTC
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

// CoerceInt converts the integer spellings JSON decoding produces (float64,
// json.Number, quoted strings) into int64.
func CoerceInt(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, fmt.Errorf("nil is not an integer")
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		n := int64(t)
		if float64(n) != t {
			return 0, fmt.Errorf("%v is not an integer", t)
		}
		return n, nil
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	default:
		return 0, fmt.Errorf("cannot coerce %T to int", v)
	}
}

// CoerceDecimal converts money and quantity values into decimal.Decimal
// without passing through float64 when the input is textual.
func CoerceDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case nil:
		return decimal.Decimal{}, fmt.Errorf("nil is not a decimal")
	case decimal.Decimal:
		return t, nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(t))
	case json.Number:
		return decimal.NewFromString(t.String())
	case float64:
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("cannot coerce %T to decimal", v)
	}
}

// ExtractIDFromURL returns the last non-empty path segment of a resource URL.
// Several sources reference related objects by URL only, e.g.
// ".../api/products/42/" yields "42".
func ExtractIDFromURL(rawURL string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(rawURL), "/")
	if trimmed == "" {
		return "", fmt.Errorf("empty url")
	}
	idx := strings.LastIndexByte(trimmed, '/')
	if idx < 0 || idx == len(trimmed)-1 {
		return "", fmt.Errorf("no path segments in %q", rawURL)
	}
	seg := trimmed[idx+1:]
	if i := strings.IndexByte(seg, '?'); i >= 0 {
		seg = seg[:i]
	}
	if seg == "" {
		return "", fmt.Errorf("no path segments in %q", rawURL)
	}
	return seg, nil
}

// MarshalBlob renders a nested structure as a compact JSON string for storage
// in a TEXT column. nil input yields "".
func MarshalBlob(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal blob: %w", err)
	}
	return string(b), nil
}
