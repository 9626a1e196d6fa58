package telemetry

import (
	"log/slog"
	"net/http"

	"vitals-ingest/internal/db"
	"vitals-ingest/internal/metrics"
	"vitals-ingest/internal/modules/telemetry/controller"
	"vitals-ingest/internal/modules/telemetry/repository"
	"vitals-ingest/internal/modules/telemetry/service"
	"vitals-ingest/internal/utils"
)

// Directory is the Device Directory as seen by the ingest routes.
type Directory interface {
	service.DeviceDirectory
	controller.DeviceChecker
}

func RegisterFeature(
	mux *http.ServeMux,
	conn *db.DB,
	devices Directory,
	publisher service.TelemetryPublisher,
	keyed utils.Middleware,
	m *metrics.Metrics,
	logger *slog.Logger,
) *service.Pipeline {
	telemetryRepository := repository.NewRepository(conn)
	pipeline := service.NewPipeline(telemetryRepository, devices, publisher, m, logger)
	telemetryController := controller.NewTelemetryController(pipeline, telemetryRepository, devices)
	telemetryController.RegisterRoutes(mux, keyed)
	return pipeline
}
