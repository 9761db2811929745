package core

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder observes pipeline operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// NopRecorder discards observations.
type NopRecorder struct{}

// Observe implements MetricsRecorder.
func (NopRecorder) Observe(context.Context, string, bool, time.Duration) {}

// PrometheusRecorder exports operation latency and results.
type PrometheusRecorder struct {
	duration *prometheus.HistogramVec
	results  *prometheus.CounterVec
}

// NewPrometheusRecorder registers the pipeline collectors on reg. Already
// registered collectors are reused.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "transactor",
		Subsystem: "pipeline",
		Name:      "operation_duration_seconds",
		Help:      "Duration of pipeline operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactor",
		Subsystem: "pipeline",
		Name:      "operations_total",
		Help:      "Pipeline operations by result.",
	}, []string{"operation", "status"})

	var err error
	if duration, err = RegisterCollector(reg, duration); err != nil {
		return nil, err
	}
	if results, err = RegisterCollector(reg, results); err != nil {
		return nil, err
	}
	return &PrometheusRecorder{duration: duration, results: results}, nil
}

// RegisterCollector registers c on reg or returns the collector already
// registered under the same descriptor.
func RegisterCollector[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.duration.WithLabelValues(operation).Observe(duration.Seconds())
	r.results.WithLabelValues(operation, status).Inc()
}
