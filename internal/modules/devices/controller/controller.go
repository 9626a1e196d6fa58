package controller

import (
	"context"
	"net/http"

	"vitals-ingest/internal/modules/devices/types"
	"vitals-ingest/internal/utils"
)

// DeviceService is the slice of the Device Directory the HTTP handlers use.
type DeviceService interface {
	Get(ctx context.Context, id string) (types.Device, error)
	ReportWiFi(ctx context.Context, id string, status types.WiFiStatus) (types.Device, error)
}

type DeviceController interface {
	RegisterRoutes(mux *http.ServeMux, keyed utils.Middleware)
}

type deviceControllerImpl struct {
	service DeviceService
}

func NewDeviceController(service DeviceService) DeviceController {
	return &deviceControllerImpl{service: service}
}

func (c *deviceControllerImpl) RegisterRoutes(mux *http.ServeMux, keyed utils.Middleware) {
	if keyed == nil {
		keyed = utils.Passthrough
	}
	mux.Handle("POST /wifi-status", keyed(http.HandlerFunc(c.handleReportWiFi)))
	mux.HandleFunc("GET /wifi-status/{deviceId}", c.handleGetWiFi)
}
