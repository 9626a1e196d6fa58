package mqtt

import (
	"context"
	"errors"
	"log/slog"

	"vitals-ingest/internal/modules/telemetry/service"
	"vitals-ingest/internal/modules/telemetry/types"
	"vitals-ingest/internal/normalize"
)

// Ingester is implemented by *service.Pipeline.
type Ingester interface {
	Ingest(ctx context.Context, transport types.Transport, deviceID string, payload []byte) (service.Result, error)
}

// NewIngestProcessor runs recovered objects through the ingest pipeline.
// Failures are logged and the message is dropped.
func NewIngestProcessor(ingester Ingester, logger *slog.Logger) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, deviceID string, object []byte) {
		res, err := ingester.Ingest(ctx, types.TransportMQTT, deviceID, object)
		switch {
		case err == nil:
			logger.Debug("mqtt telemetry processed", "device_id", deviceID, "result", res.Outcome)
		case errors.Is(err, types.ErrUnknownDevice):
			logger.Warn("mqtt telemetry from unknown device", "device_id", deviceID)
		case errors.Is(err, normalize.ErrUnparsable):
			logger.Warn("mqtt telemetry unparsable", "device_id", deviceID, "size", len(object), "error", err)
		default:
			logger.Error("mqtt telemetry ingest failed", "device_id", deviceID, "error", err)
		}
	}
}
