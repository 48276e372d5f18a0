package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the worker's Prometheus collectors
type Metrics struct {
	registry      *prometheus.Registry
	jobs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	deadLettered  prometheus.Counter
}

// New creates the collectors and registers them on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txt2img",
			Name:      "jobs_total",
			Help:      "Jobs handled, by terminal outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "txt2img",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage", "result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "txt2img",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being processed.",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txt2img",
			Name:      "dead_lettered_total",
			Help:      "Messages routed to the dead-letter destination.",
		}),
	}
	m.registry.MustRegister(
		m.jobs,
		m.stageDuration,
		m.inFlight,
		m.deadLettered,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for the HTTP handler and tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// JobStarted marks one job in flight
func (m *Metrics) JobStarted() {
	m.inFlight.Inc()
}

// JobFinished records the terminal outcome of a job
func (m *Metrics) JobFinished(outcome string) {
	m.inFlight.Dec()
	m.jobs.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a stage took and whether it succeeded
func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.stageDuration.WithLabelValues(stage, result).Observe(d.Seconds())
}

// DeadLettered counts one message routed to the dead-letter destination
func (m *Metrics) DeadLettered() {
	m.deadLettered.Inc()
}
