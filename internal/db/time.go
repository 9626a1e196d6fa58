package db

import (
	"fmt"
	"time"
)

// timeLayout is fixed width so stored timestamps sort lexically in both
// dialects.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in UTC using the storage layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// NullTime renders t, or NULL for the zero time.
func NullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return FormatTime(t)
}

// ParseTime accepts the storage layout and falls back to RFC 3339.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err == nil {
		return t, nil
	}
	t, err2 := time.Parse(time.RFC3339Nano, s)
	if err2 != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w; RFC3339Nano: %w", s, err, err2)
	}
	return t.UTC(), nil
}
