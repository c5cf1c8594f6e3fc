package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NormalizeKey converts a key value to a canonical string form, suitable for
// in-memory existence sets (e.g. "A1" or "8429529").
//
// Backends must not assume a particular underlying type for keys; this helper
// keeps key sets consistent across backends and across driver scan types.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// KeyString builds a canonical composite-key string for a tuple of values.
// Components are joined with a unit separator so ("a", "b,c") and
// ("a,b", "c") never collide.
func KeyString(vals []any) string {
	if len(vals) == 1 {
		return NormalizeKey(vals[0])
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = NormalizeKey(v)
	}
	return strings.Join(parts, "\x1f")
}
