package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/endorhq/rover-sub004/internal/models"
	"github.com/endorhq/rover-sub004/internal/steps"
)

// Metrics holds the Prometheus collectors for the scheduling loop. A nil
// *Metrics records nothing.
type Metrics struct {
	processed *prometheus.CounterVec
	inflight  *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
	pending   prometheus.Gauge
}

// NewMetrics creates the pipeline collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rover",
			Subsystem: "pipeline",
			Name:      "actions_processed_total",
			Help:      "Pending actions processed, by action type and outcome.",
		}, []string{"action", "status"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rover",
			Subsystem: "pipeline",
			Name:      "actions_inflight",
			Help:      "Step invocations currently running, by action type.",
		}, []string{"action"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rover",
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Wall time of step invocations.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"action"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rover",
			Subsystem: "pipeline",
			Name:      "pending_actions",
			Help:      "Pending actions in the queue at the last tick.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.processed, m.inflight, m.duration, m.pending)
	}
	return m
}

func (m *Metrics) started(action models.ActionType) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) finished(action models.ActionType, status steps.Status, d time.Duration) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(string(action)).Dec()
	m.processed.WithLabelValues(string(action), string(status)).Inc()
	m.duration.WithLabelValues(string(action)).Observe(d.Seconds())
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
