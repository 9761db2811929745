package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"transactor/internal/core"
)

// Metrics are the session layer collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	active     prometheus.Gauge
	frames     prometheus.Counter
	terminated *prometheus.CounterVec
}

// NewMetrics registers the session collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transactor",
		Subsystem: "session",
		Name:      "active",
		Help:      "Open client sessions.",
	})
	frames := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "transactor",
		Subsystem: "session",
		Name:      "broadcast_frames_total",
		Help:      "Broadcast frames queued for delivery.",
	})
	terminated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transactor",
		Subsystem: "session",
		Name:      "terminated_total",
		Help:      "Closed sessions by reason.",
	}, []string{"reason"})

	var err error
	if active, err = core.RegisterCollector(reg, active); err != nil {
		return nil, err
	}
	if frames, err = core.RegisterCollector(reg, frames); err != nil {
		return nil, err
	}
	if terminated, err = core.RegisterCollector(reg, terminated); err != nil {
		return nil, err
	}
	return &Metrics{active: active, frames: frames, terminated: terminated}, nil
}

func (m *Metrics) opened() {
	if m != nil {
		m.active.Inc()
	}
}

func (m *Metrics) closed(reason string) {
	if m != nil {
		m.active.Dec()
		m.terminated.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) frame() {
	if m != nil {
		m.frames.Inc()
	}
}
