package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"vitals-ingest/internal/config"
	"vitals-ingest/internal/db"
	"vitals-ingest/internal/fanout"
	"vitals-ingest/internal/fanout/kafkabus"
	"vitals-ingest/internal/fanout/natsbus"
	"vitals-ingest/internal/httpapi"
	"vitals-ingest/internal/metrics"
	"vitals-ingest/internal/modules/devices"
	devicerepository "vitals-ingest/internal/modules/devices/repository"
	devicesservice "vitals-ingest/internal/modules/devices/service"
	telemetrymodule "vitals-ingest/internal/modules/telemetry"
	"vitals-ingest/internal/mqtt"
	"vitals-ingest/internal/realtime"
	"vitals-ingest/internal/reassembly"
	"vitals-ingest/tools/migrate"
)

func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"dbDriver", cfg.Driver,
		"sqlitePath", cfg.Path,
		"dbMaxOpenConns", cfg.MaxOpenConns,
		"dbMaxIdleConns", cfg.MaxIdleConns,
		"dbConnMaxLifetime", cfg.ConnMaxLifetime,
		"mqttEnabled", cfg.MQTTEnabled,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttTopic", cfg.MQTTTopic,
		"statusWindow", cfg.StatusWindow,
		"statusInterval", cfg.StatusInterval,
		"natsEnabled", cfg.NATSURL != "",
		"kafkaEnabled", len(cfg.KafkaBrokers) > 0,
		"wsEnabled", cfg.WSEnabled,
	)

	dbConn, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(dbConn); closeErr != nil {
			logger.Error("db close", "error", closeErr)
		}
	}()

	if err := migrate.Run(dbConn.DB, cfg.Driver); err != nil {
		return err
	}
	logger.Info("database ready", "driver", cfg.Driver)

	m := metrics.New()

	// Fanout sinks: websocket subscribers, then the optional bus mirrors.
	var sinks fanout.Multi
	var hub *realtime.Hub
	if cfg.WSEnabled {
		hub = realtime.NewHub(devicerepository.NewRepository(dbConn), logger, m)
		defer hub.Close()
		sinks = append(sinks, hub)
	}
	if cfg.NATSURL != "" {
		nb, err := natsbus.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := nb.Close(); err != nil {
				logger.Error("nats close", "error", err)
			}
		}()
		sinks = append(sinks, nb)
	}
	if kb := kafkabus.New(cfg.KafkaBrokers, cfg.KafkaTopic); kb != nil {
		defer func() {
			if err := kb.Close(); err != nil {
				logger.Error("kafka close", "error", err)
			}
		}()
		sinks = append(sinks, kb)
		logger.Info("kafka fanout enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	var broadcaster fanout.Broadcaster
	if len(sinks) > 0 {
		broadcaster = sinks
	}
	fan := fanout.New(broadcaster, logger, fanout.WithMetrics(m))

	keyed := httpapi.RequireAPIKey(cfg.IngestAPIKey, logger)

	var mqttSubscriber *mqtt.Subscriber
	mqttConnected := func() bool { return mqttSubscriber != nil && mqttSubscriber.IsConnected() }
	if !cfg.MQTTEnabled {
		mqttConnected = nil
	}

	mux := httpapi.NewMux(dbConn, mqttConnected, m.Handler())
	if hub != nil {
		mux.Handle("GET /ws", hub)
	}

	deviceFeature := devices.RegisterFeature(mux, dbConn, fan, keyed, logger,
		devicesservice.WithWindow(cfg.StatusWindow),
		devicesservice.WithInterval(cfg.StatusInterval),
		devicesservice.WithMetrics(m),
	)
	pipeline := telemetrymodule.RegisterFeature(mux, dbConn, deviceFeature.Service, fan, keyed, m, logger)

	var dispatcher *mqtt.Dispatcher
	if cfg.MQTTEnabled {
		dispatcher = mqtt.NewDispatcher(
			reassembly.New(reassembly.NewMemoryStore(), cfg.MQTTMaxFragmentBytes),
			mqtt.NewIngestProcessor(pipeline, logger),
			logger,
			mqtt.WithQueueSize(cfg.MQTTDeviceQueue),
			mqtt.WithDispatcherMetrics(m),
		)
		mqttSubscriber, err = mqtt.NewSubscriber(cfg, dispatcher.Dispatch, m, logger)
		if err != nil {
			return err
		}

		// Don't block startup when the broker is down; the client keeps
		// retrying in the background.
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		err = mqttSubscriber.Connect(connectCtx)
		connectCancel()
		if err != nil {
			logger.Warn("mqtt connection not established yet (retrying in background)", "error", err)
		}
	}

	reconcileCtx, stopReconciler := context.WithCancel(ctx)
	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		deviceFeature.Reconciler.Run(reconcileCtx)
	}()

	srv := httpapi.NewServer(cfg, mux, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if mqttSubscriber != nil {
		logger.Info("mqtt disconnecting")
		mqttSubscriber.Disconnect()
	}
	if dispatcher != nil {
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logger.Warn("mqtt dispatcher shutdown", "error", err)
		}
	}

	stopReconciler()
	<-reconcilerDone

	if serveErr == nil {
		logger.Info("http shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		serveErr = <-errCh
	}

	if err := fan.Close(shutdownCtx); err != nil {
		logger.Warn("fanout shutdown", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return ctx.Err()
}
