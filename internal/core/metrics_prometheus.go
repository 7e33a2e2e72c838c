package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"medtrace/pkg/domain"
)

// PrometheusMetricsRecorder exports operation counts and latencies to Prometheus.
// A nil recorder is safe to call.
type PrometheusMetricsRecorder struct {
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	Devices    prometheus.Gauge
	Sequence   prometheus.Gauge
}

// NewPrometheusMetricsRecorder registers the registry metrics with reg. A nil
// reg uses prometheus.DefaultRegisterer.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) *PrometheusMetricsRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusMetricsRecorder{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medtrace_registry_operations_total",
			Help: "Registry operations by name and result",
		}, []string{"operation", "result"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medtrace_registry_operation_duration_seconds",
			Help:    "Duration of registry operations including persistence",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
		Devices: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medtrace_registry_devices",
			Help: "Number of registered devices in the committed ledger",
		}),
		Sequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medtrace_registry_sequence",
			Help: "Current value of the global sequence counter",
		}),
	}
}

// Observe implements MetricsRecorder.
func (m *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if m == nil || operation == "" {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	m.Operations.WithLabelValues(operation, result).Inc()
	m.Duration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveLedger updates the ledger gauges from a snapshot.
func (m *PrometheusMetricsRecorder) ObserveLedger(snapshot domain.Snapshot) {
	if m == nil {
		return
	}
	m.Devices.Set(float64(len(snapshot.Devices)))
	m.Sequence.Set(float64(snapshot.Sequence))
}

// MultiMetricsRecorder fans observations out to several recorders.
type MultiMetricsRecorder []MetricsRecorder

// Observe implements MetricsRecorder.
func (m MultiMetricsRecorder) Observe(ctx context.Context, operation string, success bool, duration time.Duration) {
	for _, r := range m {
		if r != nil {
			r.Observe(ctx, operation, success, duration)
		}
	}
}
