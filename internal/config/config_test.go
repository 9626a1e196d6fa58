package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

var allKeys = []string{
	"CONFIG_FILE", "APP_ENV", "LOG_LEVEL", "HTTP_ADDR", "DB_DRIVER", "DB_DSN", "SQLITE_PATH",
	"DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_CONN_MAX_LIFETIME", "DB_LOG_SQL",
	"INGEST_API_KEY", "MQTT_ENABLED", "MQTT_BROKER", "MQTT_PORT", "MQTT_CLIENT_ID",
	"MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_TOPIC", "MQTT_RECONNECT_INTERVAL",
	"MQTT_MAX_RECONNECT_INTERVAL", "MQTT_DEVICE_QUEUE", "MQTT_MAX_FRAGMENT_BYTES",
	"STATUS_WINDOW", "STATUS_INTERVAL", "NATS_URL", "NATS_SUBJECT_PREFIX",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "WS_ENABLED",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.AppEnv != "dev" || cfg.LogLevel != slog.LevelInfo || cfg.HTTPAddr != ":8080" {
		t.Errorf("basics = %q/%v/%q", cfg.AppEnv, cfg.LogLevel, cfg.HTTPAddr)
	}
	if cfg.Driver != "sqlite3" || cfg.Path != "data/vitals.db" {
		t.Errorf("db = %q/%q", cfg.Driver, cfg.Path)
	}
	if !cfg.MQTTEnabled || cfg.MQTTPort != 1883 || cfg.MQTTTopic != "device/+/data" {
		t.Errorf("mqtt = %v/%d/%q", cfg.MQTTEnabled, cfg.MQTTPort, cfg.MQTTTopic)
	}
	if cfg.MQTTReconnectInterval != 5*time.Second || cfg.MQTTMaxReconnectInterval != time.Minute {
		t.Errorf("reconnect = %v/%v", cfg.MQTTReconnectInterval, cfg.MQTTMaxReconnectInterval)
	}
	if cfg.StatusWindow != 24*time.Hour || cfg.StatusInterval != time.Hour {
		t.Errorf("status = %v/%v", cfg.StatusWindow, cfg.StatusInterval)
	}
	if cfg.IngestAPIKey != "" {
		t.Errorf("api key = %q; want open mode in dev", cfg.IngestAPIKey)
	}
	if cfg.KafkaBrokers != nil {
		t.Errorf("kafka brokers = %v; want none", cfg.KafkaBrokers)
	}
}

func TestLoadFromEnv_prodRequiresAPIKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "prod")

	if _, err := LoadFromEnv(); err == nil || !strings.Contains(err.Error(), "INGEST_API_KEY") {
		t.Fatalf("err = %v; want INGEST_API_KEY error", err)
	}

	t.Setenv("INGEST_API_KEY", "s3cret")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.IngestAPIKey != "s3cret" {
		t.Errorf("api key = %q", cfg.IngestAPIKey)
	}
}

func TestLoadFromEnv_invalidValues(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"APP_ENV", "staging", "APP_ENV"},
		{"LOG_LEVEL", "loud", "LOG_LEVEL"},
		{"DB_DRIVER", "mysql", "DB_DRIVER"},
		{"DB_MAX_OPEN_CONNS", "many", "DB_MAX_OPEN_CONNS"},
		{"MQTT_PORT", "70000", "MQTT_PORT"},
		{"MQTT_DEVICE_QUEUE", "0", "MQTT_DEVICE_QUEUE"},
		{"STATUS_WINDOW", "a day", "STATUS_WINDOW"},
		{"WS_ENABLED", "sometimes", "WS_ENABLED"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v; want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoadFromEnv_pgxRequiresDSN(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_DRIVER", "pgx")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error without DB_DSN")
	}
	t.Setenv("DB_DSN", "postgres://localhost/vitals")
	if _, err := LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
}

func TestLoadFromEnv_configFileWithEnvOverride(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
HTTP_ADDR: ":9090"
MQTT_PORT: 1884
STATUS_WINDOW: 12h
KAFKA_BROKERS:
  - kafka-1:9092
  - kafka-2:9092
MQTT_BROKER: from-file
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MQTT_BROKER", "from-env")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.MQTTPort != 1884 || cfg.StatusWindow != 12*time.Hour {
		t.Errorf("file values not applied: %q %d %v", cfg.HTTPAddr, cfg.MQTTPort, cfg.StatusWindow)
	}
	if cfg.MQTTBroker != "from-env" {
		t.Errorf("MQTTBroker = %q; env should win", cfg.MQTTBroker)
	}
	if want := []string{"kafka-1:9092", "kafka-2:9092"}; !reflect.DeepEqual(cfg.KafkaBrokers, want) {
		t.Errorf("KafkaBrokers = %v; want %v", cfg.KafkaBrokers, want)
	}
}

func TestLoadFromEnv_missingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for missing CONFIG_FILE")
	}
}
