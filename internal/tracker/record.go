package tracker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Helpers for reading loosely typed decoded records. Backends decode JSON
// with UseNumber, so numbers may arrive as json.Number.

// RecordString returns the first non-empty value among keys as a string.
func RecordString(rec Record, keys ...string) string {
	for _, k := range keys {
		if s := AsString(rec[k]); s != "" {
			return s
		}
	}
	return ""
}

// AsString renders scalar values; other types yield "".
func AsString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return x.String()
	}
	return ""
}

// RecordInt returns the value at key as an int, or def.
func RecordInt(rec Record, key string, def int) int {
	switch x := rec[key].(type) {
	case int:
		return x
	case float64:
		return int(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(x); err == nil {
			return n
		}
	}
	return def
}

// RecordStrings returns a list value as strings. A comma separated string
// is split.
func RecordStrings(rec Record, key string) []string {
	switch x := rec[key].(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, v := range x {
			if s := AsString(v); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if x == "" {
			return nil
		}
		parts := strings.Split(x, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return nil
}

// RecordTime parses the first present value among keys with the given
// layouts (RFC 3339 is always tried). Returns the zero time when absent.
func RecordTime(rec Record, layouts []string, keys ...string) (time.Time, error) {
	for _, k := range keys {
		switch v := rec[k].(type) {
		case time.Time:
			return v, nil
		case string:
			if v == "" {
				continue
			}
			return ParseTime(v, layouts...)
		}
	}
	return time.Time{}, nil
}

// ParseTime tries RFC 3339 and then each layout, returning UTC.
func ParseTime(s string, layouts ...string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
