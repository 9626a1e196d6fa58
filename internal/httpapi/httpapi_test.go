package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vitals-ingest/internal/config"
	"vitals-ingest/internal/db/dbtest"
	"vitals-ingest/internal/metrics"
)

type failingPinger struct{}

func (failingPinger) PingContext(context.Context) error { return errors.New("db down") }

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	conn := dbtest.Open(t)

	tests := []struct {
		name     string
		mqtt     func() bool
		wantMQTT string
	}{
		{name: "mqtt disabled", mqtt: nil, wantMQTT: "disabled"},
		{name: "mqtt connected", mqtt: func() bool { return true }, wantMQTT: "connected"},
		{name: "mqtt disconnected", mqtt: func() bool { return false }, wantMQTT: "disconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := NewMux(conn, tt.mqtt, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d; want 200", rec.Code)
			}
			body := decodeBody(t, rec)
			if body["status"] != "ok" || body["mqtt"] != tt.wantMQTT {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestHealthz_DatabaseDown(t *testing.T) {
	mux := NewMux(failingPinger{}, nil, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d; want 500", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != http.StatusText(http.StatusInternalServerError) {
		t.Errorf("body = %v", body)
	}
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	m.Ingest("http", metrics.ResultStored)

	mux := NewMux(failingPinger{}, nil, m.Handler())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "vitals_ingest_records_total") {
		t.Error("metrics output missing ingest counter")
	}

	rec = httptest.NewRecorder()
	NewMux(failingPinger{}, nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status without metrics = %d; want 404", rec.Code)
	}
}

func TestRequireAPIKey(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	quiet := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	tests := []struct {
		name       string
		secret     string
		header     string
		wantStatus int
	}{
		{name: "valid key", secret: "s3cret", header: "s3cret", wantStatus: http.StatusNoContent},
		{name: "missing key", secret: "s3cret", header: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong key", secret: "s3cret", header: "guess", wantStatus: http.StatusForbidden},
		{name: "prefix of key", secret: "s3cret", header: "s3c", wantStatus: http.StatusForbidden},
		{name: "open mode", secret: "", header: "", wantStatus: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/ingest", nil)
			if tt.header != "" {
				req.Header.Set(APIKeyHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			RequireAPIKey(tt.secret, quiet)(ok).ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d; want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRequireAPIKey_OpenModeWarns(t *testing.T) {
	var buf bytes.Buffer
	RequireAPIKey("", slog.New(slog.NewTextHandler(&buf, nil)))
	if !strings.Contains(buf.String(), "INGEST_API_KEY") {
		t.Errorf("log = %q; want open mode warning", buf.String())
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := requestLogger(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/brew", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log entry: %v", err)
	}
	if entry["path"] != "/brew" || entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("entry = %v", entry)
	}
}

func TestStatusRecorder_HijackUnsupported(t *testing.T) {
	sr := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := sr.Hijack(); err == nil {
		t.Error("Hijack on a recorder err = nil; want error")
	}
}

func TestNewServer(t *testing.T) {
	srv := NewServer(config.Config{HTTPAddr: ":9999"}, http.NewServeMux(), nil)
	if srv.Addr != ":9999" {
		t.Errorf("Addr = %q", srv.Addr)
	}
	if srv.ReadHeaderTimeout == 0 {
		t.Error("ReadHeaderTimeout not set")
	}
}
