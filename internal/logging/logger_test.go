package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"vitals-ingest/internal/config"
)

func TestNew_ReleaseBuildLogsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newTo(&buf, config.Config{AppEnv: "prod", LogLevel: slog.LevelInfo}, "1.2.3", "vitals-ingest")
	logger.Info("hello", "device_id", "d1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	for key, want := range map[string]string{"app": "vitals-ingest", "version": "1.2.3", "env": "prod", "device_id": "d1", "msg": "hello"} {
		if entry[key] != want {
			t.Errorf("%s = %v; want %q", key, entry[key], want)
		}
	}
}

func TestNew_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newTo(&buf, config.Config{AppEnv: "prod", LogLevel: slog.LevelWarn}, "1.2.3", "vitals-ingest")
	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}

func TestNew_DevBuildUsesTint(t *testing.T) {
	var buf bytes.Buffer
	logger := newTo(&buf, config.Config{AppEnv: "dev", LogLevel: slog.LevelDebug}, "dev", "vitals-ingest")
	logger.Debug("hello")

	out := buf.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "vitals-ingest") {
		t.Errorf("output = %q", out)
	}
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Error("dev output should not be JSON")
	}
}
