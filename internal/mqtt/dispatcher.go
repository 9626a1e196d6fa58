package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"vitals-ingest/internal/metrics"
	"vitals-ingest/internal/reassembly"
)

const (
	DefaultQueueSize   = 64
	DefaultIdleTimeout = 2 * time.Minute
)

// Processor handles one complete object recovered from a device stream.
type Processor func(ctx context.Context, deviceID string, object []byte)

// Dispatcher fans raw messages out to one worker per device. Each worker
// feeds its device's reassembly buffer and processes recovered objects in
// arrival order. Workers start on demand and exit after an idle period.
type Dispatcher struct {
	buffer  *reassembly.Buffer
	process Processor
	logger  *slog.Logger
	metrics *metrics.Metrics

	queueSize int
	idle      time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]chan []byte
	closed  bool
	wg      sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

func WithIdleTimeout(idle time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if idle > 0 {
			d.idle = idle
		}
	}
}

func WithDispatcherMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func NewDispatcher(buffer *reassembly.Buffer, process Processor, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if buffer == nil {
		buffer = reassembly.New(nil, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		buffer:    buffer,
		process:   process,
		logger:    logger,
		queueSize: DefaultQueueSize,
		idle:      DefaultIdleTimeout,
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]chan []byte),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch queues payload on the device's worker without blocking. When the
// queue is full the payload is dropped and counted.
func (d *Dispatcher) Dispatch(deviceID string, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	queue, ok := d.workers[deviceID]
	if !ok {
		queue = make(chan []byte, d.queueSize)
		d.workers[deviceID] = queue
		d.wg.Add(1)
		go d.run(deviceID, queue)
	}

	select {
	case queue <- payload:
	default:
		d.metrics.QueueDrop()
		d.logger.Warn("device queue full, dropping message", "device_id", deviceID, "size", len(payload))
	}
}

// Workers returns the number of live device workers.
func (d *Dispatcher) Workers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

func (d *Dispatcher) run(deviceID string, queue chan []byte) {
	defer d.wg.Done()

	timer := time.NewTimer(d.idle)
	defer timer.Stop()

	for {
		select {
		case payload, ok := <-queue:
			if !ok {
				return
			}
			d.handle(deviceID, payload)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.idle)

		case <-timer.C:
			// Dispatch enqueues under d.mu, so an empty queue here stays empty
			// once the worker is unregistered.
			d.mu.Lock()
			if len(queue) == 0 {
				if d.workers[deviceID] == queue {
					delete(d.workers, deviceID)
				}
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			timer.Reset(d.idle)
		}
	}
}

func (d *Dispatcher) handle(deviceID string, payload []byte) {
	objects, dropped := d.buffer.Feed(deviceID, payload)
	if dropped > 0 {
		d.metrics.ReassemblyDrop(dropped)
		d.logger.Warn("reassembly buffer overflow, dropping partial payload", "device_id", deviceID, "bytes", dropped)
	}
	for _, obj := range objects {
		d.processOne(deviceID, obj)
	}
}

func (d *Dispatcher) processOne(deviceID string, obj []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic processing mqtt message", "device_id", deviceID, "panic", r)
		}
	}()
	d.process(d.ctx, deviceID, obj)
}

// Close stops accepting messages, lets workers drain their queues and waits
// for them. When ctx expires first, in-flight processing is cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for id, queue := range d.workers {
		close(queue)
		delete(d.workers, id)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return errors.Join(errors.New("mqtt dispatcher: workers still running"), ctx.Err())
	}
}
