package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"vitals-ingest/internal/modules/telemetry/service"
	"vitals-ingest/internal/modules/telemetry/types"
	"vitals-ingest/internal/telemetry"
	"vitals-ingest/internal/utils"
)

// Ingester is implemented by *service.Pipeline.
type Ingester interface {
	Admit(ctx context.Context, deviceID string) error
	Store(ctx context.Context, transport types.Transport, deviceID string, payload []byte) (service.Result, error)
	StoreSleep(ctx context.Context, deviceID string, data json.RawMessage) (types.SleepSession, error)
}

// Reader serves the read side of persisted telemetry.
type Reader interface {
	Latest(ctx context.Context, deviceID string, limit int) ([]telemetry.Record, error)
	Readings(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]telemetry.Record, error)
}

type DeviceChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

type TelemetryController interface {
	RegisterRoutes(mux *http.ServeMux, keyed utils.Middleware)
}

type telemetryControllerImpl struct {
	ingester Ingester
	reader   Reader
	devices  DeviceChecker
}

func NewTelemetryController(ingester Ingester, reader Reader, devices DeviceChecker) TelemetryController {
	return &telemetryControllerImpl{ingester: ingester, reader: reader, devices: devices}
}

func (c *telemetryControllerImpl) RegisterRoutes(mux *http.ServeMux, keyed utils.Middleware) {
	if keyed == nil {
		keyed = utils.Passthrough
	}
	mux.Handle("POST /ingest", keyed(http.HandlerFunc(c.handleIngest)))
	mux.HandleFunc("GET /api/v1/devices/{id}/latest", c.handleLatest)
	mux.HandleFunc("GET /api/v1/devices/{id}/readings", c.handleReadings)
}
