// Package metrics exposes the ingest pipeline counters on a private
// Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vitals"

// Ingest outcomes used as the "result" label.
const (
	ResultStored        = "stored"
	ResultDuplicate     = "duplicate"
	ResultUnparsable    = "unparsable"
	ResultUnknownDevice = "unknown_device"
	ResultError         = "error"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing,
// which keeps wiring optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	IngestTotal       *prometheus.CounterVec
	ReassemblyDropped prometheus.Counter
	QueueDropped      prometheus.Counter
	FanoutFailures    *prometheus.CounterVec
	ReconcileRuns     *prometheus.CounterVec
	DevicesByStatus   *prometheus.GaugeVec
	MQTTConnected     prometheus.Gauge
	RealtimeClients   prometheus.Gauge
	CommitDuration    prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		IngestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "records_total",
				Help:      "Ingested payloads by transport and outcome",
			},
			[]string{"transport", "result"},
		),

		ReassemblyDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reassembly",
				Name:      "dropped_bytes_total",
				Help:      "Bytes discarded from accumulators that exceeded the fragment limit",
			},
		),

		QueueDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "queue_dropped_total",
				Help:      "MQTT messages dropped because a device queue was full",
			},
		),

		FanoutFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fanout",
				Name:      "failures_total",
				Help:      "Failed fanout publishes by event type",
			},
			[]string{"event"},
		),

		ReconcileRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciler",
				Name:      "runs_total",
				Help:      "Status reconciler sweeps by outcome",
			},
			[]string{"result"},
		),

		DevicesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "devices",
				Name:      "by_status",
				Help:      "Devices per status after the last reconciler sweep",
			},
			[]string{"status"},
		),

		MQTTConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "connected",
				Help:      "MQTT connection status (0=disconnected, 1=connected)",
			},
		),

		RealtimeClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "clients",
				Help:      "Connected websocket clients",
			},
		),

		CommitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "commit_duration_seconds",
				Help:      "Dedup and insert latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.IngestTotal,
		m.ReassemblyDropped,
		m.QueueDropped,
		m.FanoutFailures,
		m.ReconcileRuns,
		m.DevicesByStatus,
		m.MQTTConnected,
		m.RealtimeClients,
		m.CommitDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) Ingest(transport, result string) {
	if m == nil {
		return
	}
	m.IngestTotal.WithLabelValues(transport, result).Inc()
}

func (m *Metrics) ReassemblyDrop(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.ReassemblyDropped.Add(float64(bytes))
}

func (m *Metrics) QueueDrop() {
	if m == nil {
		return
	}
	m.QueueDropped.Inc()
}

func (m *Metrics) FanoutFailure(event string) {
	if m == nil {
		return
	}
	m.FanoutFailures.WithLabelValues(event).Inc()
}

func (m *Metrics) Reconciled(active, inactive int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ReconcileRuns.WithLabelValues("error").Inc()
		return
	}
	m.ReconcileRuns.WithLabelValues("ok").Inc()
	m.DevicesByStatus.WithLabelValues("active").Set(float64(active))
	m.DevicesByStatus.WithLabelValues("inactive").Set(float64(inactive))
}

func (m *Metrics) SetMQTTConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.MQTTConnected.Set(1)
	} else {
		m.MQTTConnected.Set(0)
	}
}

func (m *Metrics) ClientsChanged(delta int) {
	if m == nil {
		return
	}
	m.RealtimeClients.Add(float64(delta))
}

func (m *Metrics) ObserveCommit(seconds float64) {
	if m == nil {
		return
	}
	m.CommitDuration.Observe(seconds)
}
