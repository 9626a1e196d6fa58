package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

type valueKind int

const (
	valueAbsent valueKind = iota
	valueNumber
	valueInvalid
)

// coerceNumber applies the wire coercion rules to a decoded JSON value:
// numeric strings become numbers, empty strings are absent, and anything that
// is not a finite number is invalid.
func coerceNumber(v any) (float64, valueKind) {
	switch t := v.(type) {
	case nil:
		return 0, valueAbsent
	case json.Number:
		return parseFinite(t.String())
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, valueInvalid
		}
		return t, valueNumber
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, valueAbsent
		}
		return parseFinite(s)
	default:
		return 0, valueInvalid
	}
}

func parseFinite(s string) (float64, valueKind) {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, valueInvalid
	}
	return n, valueNumber
}

// coerceSignal is coerceNumber plus booleans as 1/0.
func coerceSignal(v any) (float64, valueKind) {
	if b, ok := v.(bool); ok {
		if b {
			return 1, valueNumber
		}
		return 0, valueNumber
	}
	return coerceNumber(v)
}

// coerceSeries converts an array element-wise. The whole array is rejected if
// any element is not a finite number.
func coerceSeries(items []any) ([]float64, bool) {
	out := make([]float64, 0, len(items))
	for _, item := range items {
		n, kind := coerceNumber(item)
		if kind != valueNumber {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

// seconds converts a coerced timestamp to whole epoch seconds.
func seconds(n float64) (int64, bool) {
	n = math.Trunc(n)
	if n < math.MinInt64 || n >= math.MaxInt64 {
		return 0, false
	}
	return int64(n), true
}

// plain converts decoder output into values that round-trip through
// encoding/json without json.Number.
func plain(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Float64(); err == nil {
			return n
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = plain(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plain(item)
		}
		return out
	default:
		return v
	}
}
