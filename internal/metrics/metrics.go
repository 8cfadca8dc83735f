// Package metrics exposes cycle counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edgecam/internal/pipeline"
)

// Metrics holds all daemon metrics
type Metrics struct {
	cycles        *prometheus.CounterVec
	skipped       prometheus.Counter
	stageErrors   *prometheus.CounterVec
	publishErrors *prometheus.CounterVec
	duration      prometheus.Histogram
	detections    *prometheus.CounterVec

	lastInteresting atomic.Int64 // unix seconds

	registry *prometheus.Registry
}

// New creates a Metrics instance with its collectors registered
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgecam_cycles_total",
			Help: "Finished detection cycles by outcome",
		}, []string{"outcome"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgecam_cycles_skipped_total",
			Help: "Ticks dropped because a cycle was still running",
		}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgecam_stage_errors_total",
			Help: "Cycles aborted by stage",
		}, []string{"stage"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgecam_publish_errors_total",
			Help: "Failed sink deliveries by sink",
		}, []string{"sink"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgecam_cycle_duration_seconds",
			Help:    "Wall time of a detection cycle",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgecam_detections_total",
			Help: "Detections at or above the score threshold by label",
		}, []string{"label"}),
	}

	m.registry.MustRegister(
		m.cycles,
		m.skipped,
		m.stageErrors,
		m.publishErrors,
		m.duration,
		m.detections,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "edgecam_last_interesting_timestamp_seconds",
			Help: "Unix time of the last interesting cycle",
		}, func() float64 { return float64(m.lastInteresting.Load()) }),
		collectors.NewGoCollector(),
	)
	return m
}

// OnCycleResult implements pipeline.CycleResultHandler
func (m *Metrics) OnCycleResult(r *pipeline.CycleResult) {
	m.duration.Observe(r.Duration.Seconds())

	switch {
	case r.Failed():
		m.cycles.WithLabelValues("failed").Inc()
		m.stageErrors.WithLabelValues(string(r.Stage)).Inc()
	case r.Interesting:
		m.cycles.WithLabelValues("interesting").Inc()
		m.lastInteresting.Store(r.StartedAt.Unix())
	default:
		m.cycles.WithLabelValues("idle").Inc()
	}

	for label, n := range r.Tally {
		if n > 0 {
			m.detections.WithLabelValues(label).Add(float64(n))
		}
	}
}

// CycleSkipped implements scheduler.Observer
func (m *Metrics) CycleSkipped() {
	m.skipped.Inc()
}

// PublishFailed implements publish.Observer
func (m *Metrics) PublishFailed(sink string) {
	m.publishErrors.WithLabelValues(sink).Inc()
}

// Handler returns the Prometheus scrape handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var _ pipeline.CycleResultHandler = (*Metrics)(nil)
