package service

import (
	"context"
	"log/slog"
	"time"

	"vitals-ingest/internal/fanout"
	"vitals-ingest/internal/modules/devices/repository"
	"vitals-ingest/internal/modules/devices/types"
)

// StatusPublisher receives device status transitions. *fanout.Fanout
// implements it.
type StatusPublisher interface {
	PublishStatus(deviceID string, delta fanout.StatusDelta)
}

// Service is the Device Directory used by the ingest paths.
type Service struct {
	repository repository.DeviceRepository
	publisher  StatusPublisher
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(repo repository.DeviceRepository, publisher StatusPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repository: repo,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Service) Get(ctx context.Context, id string) (types.Device, error) {
	return s.repository.Get(ctx, id)
}

func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	return s.repository.Exists(ctx, id)
}

// MarkActive flags the device active as of now and publishes the delta.
func (s *Service) MarkActive(ctx context.Context, id string) error {
	at := s.now().UTC()
	if err := s.repository.MarkActive(ctx, id, at); err != nil {
		return err
	}
	s.publish(id, fanout.StatusDelta{Status: string(types.StatusActive), LastActiveAt: &at})
	return nil
}

// ReportWiFi records the outcome of a device's network handshake.
func (s *Service) ReportWiFi(ctx context.Context, id string, status types.WiFiStatus) (types.Device, error) {
	d, err := s.repository.SetWiFiStatus(ctx, id, status, s.now().UTC())
	if err != nil {
		return types.Device{}, err
	}
	s.logger.Info("wifi status reported", "device_id", id, "wifi_status", status)
	s.publish(id, fanout.StatusDelta{
		Status:       string(d.Status),
		LastActiveAt: d.LastActiveAt,
		WiFiStatus:   string(d.WiFiStatus),
	})
	return d, nil
}

func (s *Service) publish(id string, delta fanout.StatusDelta) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishStatus(id, delta)
}
