// Package fanout delivers committed telemetry and device status changes to
// real-time subscribers. Publishing is fire-and-forget: failures are logged
// and counted, never surfaced to the ingest path.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vitals-ingest/internal/metrics"
	"vitals-ingest/internal/telemetry"
)

// Event names on the wire.
const (
	EventTelemetry = "health_data_update"
	EventStatus    = "device_status_update"
)

const (
	defaultTimeout = 5 * time.Second
	// maxPendingPerDevice bounds the events queued behind a slow delivery.
	maxPendingPerDevice = 256
)

// Event is one message on a device channel.
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data"`
}

// Broadcaster delivers an event to every subscriber of channel.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, event Event) error
}

// Channel is the per-device channel name.
func Channel(deviceID string) string {
	return "device:" + deviceID
}

// DeviceFromChannel is the inverse of Channel.
func DeviceFromChannel(channel string) (string, bool) {
	const prefix = "device:"
	if len(channel) <= len(prefix) || channel[:len(prefix)] != prefix {
		return "", false
	}
	return channel[len(prefix):], true
}

// StatusDelta is the payload of a device_status_update event.
type StatusDelta struct {
	Status       string     `json:"status"`
	LastActiveAt *time.Time `json:"lastActiveAt"`
	WiFiStatus   string     `json:"wifiStatus,omitempty"`
}

// Fanout publishes asynchronously through a Broadcaster. Events for one
// device are delivered in publish order; devices do not wait on each other.
type Fanout struct {
	broadcaster Broadcaster
	logger      *slog.Logger
	metrics     *metrics.Metrics
	timeout     time.Duration

	wg     sync.WaitGroup
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
}

// lane holds the events waiting for a device's delivery goroutine.
type lane struct {
	pending []Event
}

type Option func(*Fanout)

// WithTimeout bounds a single publish.
func WithTimeout(d time.Duration) Option {
	return func(f *Fanout) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fanout) { f.metrics = m }
}

func New(b Broadcaster, logger *slog.Logger, opts ...Option) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{
		broadcaster: b,
		logger:      logger,
		timeout:     defaultTimeout,
		lanes:       make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// PublishTelemetry sends the sanitized projection of a committed record.
func (f *Fanout) PublishTelemetry(deviceID string, rec telemetry.Record) {
	f.publish(deviceID, Event{Type: EventTelemetry, Data: rec.Sanitized()})
}

// PublishStatus sends a device status transition.
func (f *Fanout) PublishStatus(deviceID string, delta StatusDelta) {
	f.publish(deviceID, Event{Type: EventStatus, Data: delta})
}

func (f *Fanout) publish(deviceID string, event Event) {
	if f == nil || f.broadcaster == nil {
		return
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if l, ok := f.lanes[deviceID]; ok {
		if len(l.pending) >= maxPendingPerDevice {
			f.mu.Unlock()
			f.metrics.FanoutFailure(event.Type)
			f.logger.Warn("fanout queue full, event dropped", "device_id", deviceID, "event", event.Type)
			return
		}
		l.pending = append(l.pending, event)
		f.mu.Unlock()
		return
	}
	l := &lane{pending: []Event{event}}
	f.lanes[deviceID] = l
	f.wg.Add(1)
	f.mu.Unlock()

	go f.drain(deviceID, l)
}

// drain delivers a device's events one at a time and retires the lane once
// it is empty.
func (f *Fanout) drain(deviceID string, l *lane) {
	defer f.wg.Done()
	for {
		f.mu.Lock()
		if len(l.pending) == 0 {
			delete(f.lanes, deviceID)
			f.mu.Unlock()
			return
		}
		event := l.pending[0]
		l.pending[0] = Event{}
		l.pending = l.pending[1:]
		f.mu.Unlock()

		f.deliver(deviceID, event)
	}
}

func (f *Fanout) deliver(deviceID string, event Event) {
	defer func() {
		if r := recover(); r != nil {
			f.metrics.FanoutFailure(event.Type)
			f.logger.Error("fanout panic", "device_id", deviceID, "event", event.Type, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.broadcaster.Publish(ctx, Channel(deviceID), event); err != nil {
		f.metrics.FanoutFailure(event.Type)
		f.logger.Warn("fanout publish failed", "device_id", deviceID, "event", event.Type, "error", err)
	}
}

// Close stops accepting events and waits for in-flight publishes.
func (f *Fanout) Close(ctx context.Context) error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Multi publishes to every broadcaster. One failing or panicking sink does not
// prevent delivery to the others.
type Multi []Broadcaster

func (m Multi) Publish(ctx context.Context, channel string, event Event) error {
	var errs []error
	for i, b := range m {
		if b == nil {
			continue
		}
		if err := safePublish(ctx, b, channel, event); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func safePublish(ctx context.Context, b Broadcaster, channel string, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return b.Publish(ctx, channel, event)
}

// Func adapts a function to Broadcaster.
type Func func(ctx context.Context, channel string, event Event) error

func (fn Func) Publish(ctx context.Context, channel string, event Event) error {
	return fn(ctx, channel, event)
}
