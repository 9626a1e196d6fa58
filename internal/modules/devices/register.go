package devices

import (
	"log/slog"
	"net/http"

	"vitals-ingest/internal/db"
	"vitals-ingest/internal/modules/devices/controller"
	"vitals-ingest/internal/modules/devices/repository"
	"vitals-ingest/internal/modules/devices/service"
	"vitals-ingest/internal/utils"
)

// Feature is the wired Device Directory.
type Feature struct {
	Repository repository.DeviceRepository
	Service    *service.Service
	Reconciler *service.Reconciler
}

func RegisterFeature(
	mux *http.ServeMux,
	conn *db.DB,
	publisher service.StatusPublisher,
	keyed utils.Middleware,
	logger *slog.Logger,
	opts ...service.ReconcilerOption,
) *Feature {
	deviceRepository := repository.NewRepository(conn)
	deviceService := service.NewService(deviceRepository, publisher, logger)
	deviceController := controller.NewDeviceController(deviceService)
	deviceController.RegisterRoutes(mux, keyed)

	return &Feature{
		Repository: deviceRepository,
		Service:    deviceService,
		Reconciler: service.NewReconciler(deviceRepository, publisher, logger, opts...),
	}
}
