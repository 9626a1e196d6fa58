package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	Driver          string
	DSN             string
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogSQL          bool

	// IngestAPIKey guards POST /ingest and POST /wifi-status. Empty means open
	// mode, which is only allowed outside prod.
	IngestAPIKey string

	MQTTEnabled              bool
	MQTTBroker               string
	MQTTPort                 int
	MQTTClientID             string
	MQTTUsername             string
	MQTTPassword             string
	MQTTTopic                string
	MQTTReconnectInterval    time.Duration
	MQTTMaxReconnectInterval time.Duration
	MQTTDeviceQueue          int
	MQTTMaxFragmentBytes     int

	StatusWindow   time.Duration
	StatusInterval time.Duration

	NATSURL           string
	NATSSubjectPrefix string
	KafkaBrokers      []string
	KafkaTopic        string
	WSEnabled         bool
}

// LoadFromEnv reads the configuration from environment variables. When
// CONFIG_FILE names a YAML file, its keys (the same names as the variables)
// provide values for anything not set in the environment.
func LoadFromEnv() (Config, error) {
	src, err := newSource(strings.TrimSpace(os.Getenv("CONFIG_FILE")))
	if err != nil {
		return Config{}, err
	}
	return load(src)
}

func load(src source) (Config, error) {
	appEnv := src.get("APP_ENV")
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := src.get("LOG_LEVEL")
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	httpAddr := src.get("HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	driver := src.get("DB_DRIVER")
	if driver == "" {
		driver = "sqlite3"
	}
	dsn := src.get("DB_DSN")
	switch driver {
	case "sqlite3":
	case "pgx":
		if dsn == "" {
			return Config{}, errors.New("DB_DSN is required when DB_DRIVER=pgx")
		}
	default:
		return Config{}, fmt.Errorf("invalid DB_DRIVER %q (allowed: sqlite3, pgx)", driver)
	}
	path := src.get("SQLITE_PATH")
	if path == "" {
		path = "data/vitals.db"
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	maxOpenConns, err := src.intOr("DB_MAX_OPEN_CONNS", 1)
	collect(err)
	maxIdleConns, err := src.intOr("DB_MAX_IDLE_CONNS", 1)
	collect(err)
	connMaxLifetime, err := src.durationOr("DB_CONN_MAX_LIFETIME", 0)
	collect(err)
	logSQL, err := src.boolOr("DB_LOG_SQL", false)
	collect(err)

	mqttEnabled, err := src.boolOr("MQTT_ENABLED", true)
	collect(err)
	mqttPort, err := src.intOr("MQTT_PORT", 1883)
	collect(err)
	if err == nil && (mqttPort < 1 || mqttPort > 65535) {
		collect(fmt.Errorf("invalid MQTT_PORT %d (must be 1-65535)", mqttPort))
	}
	reconnect, err := src.durationOr("MQTT_RECONNECT_INTERVAL", 5*time.Second)
	collect(err)
	maxReconnect, err := src.durationOr("MQTT_MAX_RECONNECT_INTERVAL", time.Minute)
	collect(err)
	deviceQueue, err := src.intOr("MQTT_DEVICE_QUEUE", 64)
	collect(err)
	if err == nil && deviceQueue < 1 {
		collect(fmt.Errorf("invalid MQTT_DEVICE_QUEUE %d (must be > 0)", deviceQueue))
	}
	maxFragment, err := src.intOr("MQTT_MAX_FRAGMENT_BYTES", 64*1024)
	collect(err)

	statusWindow, err := src.durationOr("STATUS_WINDOW", 24*time.Hour)
	collect(err)
	statusInterval, err := src.durationOr("STATUS_INTERVAL", time.Hour)
	collect(err)
	if err == nil && statusInterval <= 0 {
		collect(fmt.Errorf("invalid STATUS_INTERVAL %s (must be > 0)", statusInterval))
	}

	wsEnabled, err := src.boolOr("WS_ENABLED", true)
	collect(err)

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	apiKey := src.get("INGEST_API_KEY")
	if apiKey == "" && appEnv == "prod" {
		return Config{}, errors.New("INGEST_API_KEY is required when APP_ENV=prod")
	}

	mqttBroker := src.get("MQTT_BROKER")
	if mqttBroker == "" {
		mqttBroker = "localhost"
	}
	mqttClientID := src.get("MQTT_CLIENT_ID")
	if mqttClientID == "" {
		mqttClientID = "vitals-ingest"
	}
	mqttTopic := src.get("MQTT_TOPIC")
	if mqttTopic == "" {
		mqttTopic = "device/+/data"
	}

	natsPrefix := src.get("NATS_SUBJECT_PREFIX")
	if natsPrefix == "" {
		natsPrefix = "telemetry."
	}
	kafkaTopic := src.get("KAFKA_TOPIC")
	if kafkaTopic == "" {
		kafkaTopic = "telemetry"
	}

	return Config{
		AppEnv:                   appEnv,
		LogLevel:                 level,
		HTTPAddr:                 httpAddr,
		Driver:                   driver,
		DSN:                      dsn,
		Path:                     path,
		MaxOpenConns:             maxOpenConns,
		MaxIdleConns:             maxIdleConns,
		ConnMaxLifetime:          connMaxLifetime,
		LogSQL:                   logSQL,
		IngestAPIKey:             apiKey,
		MQTTEnabled:              mqttEnabled,
		MQTTBroker:               mqttBroker,
		MQTTPort:                 mqttPort,
		MQTTClientID:             mqttClientID,
		MQTTUsername:             src.get("MQTT_USERNAME"),
		MQTTPassword:             src.get("MQTT_PASSWORD"),
		MQTTTopic:                mqttTopic,
		MQTTReconnectInterval:    reconnect,
		MQTTMaxReconnectInterval: maxReconnect,
		MQTTDeviceQueue:          deviceQueue,
		MQTTMaxFragmentBytes:     maxFragment,
		StatusWindow:             statusWindow,
		StatusInterval:           statusInterval,
		NATSURL:                  src.get("NATS_URL"),
		NATSSubjectPrefix:        natsPrefix,
		KafkaBrokers:             splitList(src.get("KAFKA_BROKERS")),
		KafkaTopic:               kafkaTopic,
		WSEnabled:                wsEnabled,
	}, nil
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	if path == "" {
		return source{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read CONFIG_FILE %q: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return source{}, fmt.Errorf("parse CONFIG_FILE %q: %w", path, err)
	}
	file := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(t))
			for _, item := range t {
				parts = append(parts, fmt.Sprint(item))
			}
			file[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			file[strings.ToUpper(k)] = fmt.Sprint(t)
		}
	}
	return source{file: file}, nil
}

func (s source) get(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(s.file[key])
}

func (s source) intOr(key string, def int) (int, error) {
	v := s.get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func (s source) durationOr(key string, def time.Duration) (time.Duration, error) {
	v := s.get(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func (s source) boolOr(key string, def bool) (bool, error) {
	v := s.get(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
