package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"vitals-ingest/internal/metrics"
	devicetypes "vitals-ingest/internal/modules/devices/types"
	"vitals-ingest/internal/modules/telemetry/repository"
	"vitals-ingest/internal/modules/telemetry/types"
	"vitals-ingest/internal/normalize"
	"vitals-ingest/internal/telemetry"
)

// DeviceDirectory is the part of the devices module the pipeline needs.
type DeviceDirectory interface {
	Exists(ctx context.Context, id string) (bool, error)
	MarkActive(ctx context.Context, id string) error
}

// TelemetryPublisher receives committed records. *fanout.Fanout implements it.
type TelemetryPublisher interface {
	PublishTelemetry(deviceID string, rec telemetry.Record)
}

// Result is the outcome of one ingested payload.
type Result struct {
	Outcome types.Outcome
	Record  telemetry.Record
}

// Pipeline runs a raw payload through lookup, normalization, commit and
// fanout. It is shared by the HTTP and MQTT ingress paths.
type Pipeline struct {
	repository repository.TelemetryRepository
	devices    DeviceDirectory
	publisher  TelemetryPublisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func NewPipeline(
	repo repository.TelemetryRepository,
	devices DeviceDirectory,
	publisher TelemetryPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		repository: repo,
		devices:    devices,
		publisher:  publisher,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Admit checks that the device is known and marks it active. Unknown devices
// return types.ErrUnknownDevice with no side effects.
func (p *Pipeline) Admit(ctx context.Context, deviceID string) error {
	if err := p.lookup(ctx, deviceID); err != nil {
		return err
	}
	return p.markActive(ctx, deviceID)
}

// Ingest checks the device, stores the payload and marks the device active
// only when a new record was stored. Duplicate and unparsable payloads leave
// the device untouched.
func (p *Pipeline) Ingest(ctx context.Context, transport types.Transport, deviceID string, payload []byte) (Result, error) {
	if err := p.lookup(ctx, deviceID); err != nil {
		if errors.Is(err, types.ErrUnknownDevice) {
			p.metrics.Ingest(string(transport), metrics.ResultUnknownDevice)
		} else {
			p.metrics.Ingest(string(transport), metrics.ResultError)
		}
		return Result{}, err
	}

	res, err := p.Store(ctx, transport, deviceID, payload)
	if err != nil || res.Outcome != types.OutcomeStored {
		return res, err
	}
	if err := p.markActive(ctx, deviceID); err != nil {
		p.logger.Warn("mark device active after store",
			"device_id", deviceID,
			"transport", transport,
			"error", err,
		)
	}
	return res, nil
}

func (p *Pipeline) lookup(ctx context.Context, deviceID string) error {
	ok, err := p.devices.Exists(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("look up device %q: %w", deviceID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %q", types.ErrUnknownDevice, deviceID)
	}
	return nil
}

func (p *Pipeline) markActive(ctx context.Context, deviceID string) error {
	if err := p.devices.MarkActive(ctx, deviceID); err != nil {
		if errors.Is(err, devicetypes.ErrNotFound) {
			return fmt.Errorf("%w: %q", types.ErrUnknownDevice, deviceID)
		}
		return err
	}
	return nil
}

// Store normalizes and commits a payload for an admitted device, publishing
// the record once it is stored. Duplicates are not published.
func (p *Pipeline) Store(ctx context.Context, transport types.Transport, deviceID string, payload []byte) (Result, error) {
	rec, err := normalize.Normalize(deviceID, payload, p.now())
	if err != nil {
		p.metrics.Ingest(string(transport), metrics.ResultUnparsable)
		return Result{}, err
	}

	start := time.Now()
	stored, outcome, err := p.repository.Commit(ctx, rec)
	p.metrics.ObserveCommit(time.Since(start).Seconds())
	if err != nil {
		p.metrics.Ingest(string(transport), metrics.ResultError)
		return Result{}, err
	}

	switch outcome {
	case types.OutcomeStored:
		p.metrics.Ingest(string(transport), metrics.ResultStored)
		p.logger.Debug("telemetry stored",
			"device_id", deviceID,
			"transport", transport,
			"record_id", stored.ID,
			"fields", len(stored.Fields),
		)
		if p.publisher != nil {
			p.publisher.PublishTelemetry(deviceID, stored)
		}
	case types.OutcomeDuplicate:
		p.metrics.Ingest(string(transport), metrics.ResultDuplicate)
		p.logger.Debug("telemetry duplicate",
			"device_id", deviceID,
			"transport", transport,
			"observed_at", derefOr(stored.ObservedAtSeconds, 0),
		)
	}
	return Result{Outcome: outcome, Record: stored}, nil
}

// sleepReport accepts numbers or numeric strings for duration.
type sleepReport struct {
	SleepQuality string `json:"sleepQuality"`
	Duration     any    `json:"duration"`
}

// StoreSleep records a sleep summary for an admitted device. Sleep sessions
// are not deduplicated or published.
func (p *Pipeline) StoreSleep(ctx context.Context, deviceID string, data json.RawMessage) (types.SleepSession, error) {
	var report sleepReport
	if len(data) > 0 && string(data) != "null" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&report); err != nil {
			return types.SleepSession{}, errors.Join(normalize.ErrUnparsable, err)
		}
	}
	duration, err := sleepDuration(report.Duration)
	if err != nil {
		return types.SleepSession{}, errors.Join(normalize.ErrUnparsable, err)
	}
	quality := strings.TrimSpace(report.SleepQuality)
	if quality == "" {
		quality = "Unknown"
	}
	return p.repository.InsertSleep(ctx, types.SleepSession{
		DeviceID:     deviceID,
		SleepQuality: quality,
		Duration:     duration,
		ReceivedAt:   p.now().UTC(),
	})
}

func sleepDuration(v any) (float64, error) {
	switch d := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		return d.Float64()
	case string:
		if strings.TrimSpace(d) == "" {
			return 0, nil
		}
		return strconv.ParseFloat(strings.TrimSpace(d), 64)
	default:
		return 0, fmt.Errorf("duration must be a number, got %T", v)
	}
}

func derefOr(v *int64, def int64) int64 {
	if v == nil {
		return def
	}
	return *v
}
