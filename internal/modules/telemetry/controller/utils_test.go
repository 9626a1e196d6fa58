package controller

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func Test_parseReadingsQuery(t *testing.T) {
	t.Run("no params returns defaults", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/readings", nil)
		from, to, limit, err := parseReadingsQuery(req)
		if err != nil {
			t.Fatalf("parseReadingsQuery() err = %v; want nil", err)
		}
		if !from.IsZero() || !to.IsZero() {
			t.Errorf("from.IsZero()=%v to.IsZero()=%v; want both true", from.IsZero(), to.IsZero())
		}
		if limit != defaultLimit {
			t.Errorf("limit = %d; want %d", limit, defaultLimit)
		}
	})

	t.Run("valid range and limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/readings?from=2025-01-01T00:00:00Z&to=2025-01-31T12:00:00Z&limit=5", nil)
		from, to, limit, err := parseReadingsQuery(req)
		if err != nil {
			t.Fatalf("parseReadingsQuery() err = %v; want nil", err)
		}
		wantFrom := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		wantTo := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)
		if !from.Equal(wantFrom) || !to.Equal(wantTo) {
			t.Errorf("from, to = %v, %v; want %v, %v", from, to, wantFrom, wantTo)
		}
		if limit != 5 {
			t.Errorf("limit = %d; want 5", limit)
		}
	})

	errorCases := map[string]string{
		"bad from":        "/readings?from=yesterday",
		"bad to":          "/readings?to=2025-13-01",
		"from after to":   "/readings?from=2025-02-01T00:00:00Z&to=2025-01-01T00:00:00Z",
		"limit not int":   "/readings?limit=ten",
		"limit zero":      "/readings?limit=0",
		"limit too large": "/readings?limit=1001",
	}
	for name, target := range errorCases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if _, _, _, err := parseReadingsQuery(req); err == nil {
				t.Errorf("parseReadingsQuery(%q) err = nil; want error", target)
			}
		})
	}
}

func Test_parseLatestQuery(t *testing.T) {
	tests := []struct {
		target  string
		want    int
		wantErr bool
	}{
		{target: "/latest", want: defaultLimit},
		{target: "/latest?limit=1", want: 1},
		{target: "/latest?limit=1000", want: maxLimit},
		{target: "/latest?limit=1001", wantErr: true},
		{target: "/latest?limit=-3", wantErr: true},
		{target: "/latest?limit=x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := parseLatestQuery(httptest.NewRequest(http.MethodGet, tt.target, nil))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLatestQuery() err = %v; wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("limit = %d; want %d", got, tt.want)
			}
		})
	}
}
