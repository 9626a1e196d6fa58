package service

import (
	"context"
	"log/slog"
	"time"

	"vitals-ingest/internal/fanout"
	"vitals-ingest/internal/metrics"
	"vitals-ingest/internal/modules/devices/repository"
	"vitals-ingest/internal/modules/devices/types"
)

const (
	DefaultWindow   = 24 * time.Hour
	DefaultInterval = time.Hour
)

// Result summarises one reconciliation pass.
type Result struct {
	Active   int
	Inactive int
	Updated  int
}

// Reconciler recomputes every device's status from its newest stored
// telemetry. It is the only writer of the inactive status.
type Reconciler struct {
	repository repository.DeviceRepository
	publisher  StatusPublisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	window     time.Duration
	interval   time.Duration
	now        func() time.Time
}

type ReconcilerOption func(*Reconciler)

func WithWindow(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.window = d
		}
	}
}

func WithInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func NewReconciler(repo repository.DeviceRepository, publisher StatusPublisher, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		repository: repo,
		publisher:  publisher,
		logger:     logger,
		window:     DefaultWindow,
		interval:   DefaultInterval,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconcileAll runs one pass. A device is active when its newest record was
// received within the window. Rows are written only when the status or
// lastActiveAt would change.
func (r *Reconciler) ReconcileAll(ctx context.Context) (Result, error) {
	activity, err := r.repository.Activity(ctx)
	if err != nil {
		r.metrics.Reconciled(0, 0, err)
		return Result{}, err
	}

	now := r.now()
	var res Result
	for _, a := range activity {
		if err := ctx.Err(); err != nil {
			r.metrics.Reconciled(0, 0, err)
			return res, err
		}

		status, lastActive := types.StatusInactive, a.LastActiveAt
		recent := a.LatestReceivedAt != nil && now.Sub(*a.LatestReceivedAt) <= r.window
		touched := false
		if recent {
			status = types.StatusActive
			if lastActive == nil || lastActive.Before(*a.LatestReceivedAt) {
				lastActive = a.LatestReceivedAt
				touched = true
			}
		}

		if status == types.StatusActive {
			res.Active++
		} else {
			res.Inactive++
		}
		if status == a.Status && !touched {
			continue
		}

		if err := r.repository.UpdateStatus(ctx, a.DeviceID, status, lastActive); err != nil {
			r.logger.Error("reconcile device status", "device_id", a.DeviceID, "error", err)
			continue
		}
		res.Updated++
		r.logger.Debug("device status reconciled", "device_id", a.DeviceID, "status", status)
		if r.publisher != nil {
			r.publisher.PublishStatus(a.DeviceID, fanout.StatusDelta{Status: string(status), LastActiveAt: lastActive})
		}
	}

	r.metrics.Reconciled(res.Active, res.Inactive, nil)
	return res, nil
}

// Run reconciles once immediately and then on every interval until ctx is
// cancelled. Failed passes are logged and retried on the next tick.
func (r *Reconciler) Run(ctx context.Context) {
	r.pass(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Reconciler) pass(ctx context.Context) {
	res, err := r.ReconcileAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("device status reconciliation failed", "error", err)
		}
		return
	}
	r.logger.Info("device status reconciled",
		"active", res.Active,
		"inactive", res.Inactive,
		"updated", res.Updated,
	)
}
