// Package metrics exposes Prometheus instrumentation for the reasoning
// service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dev.helix.reason/internal/debate"
)

// Metrics bundles the service collectors on a private registry so tests can
// create instances without collision.
type Metrics struct {
	registry *prometheus.Registry

	DebatesStarted   prometheus.Counter
	DebatesCompleted prometheus.Counter
	DebatesFailed    *prometheus.CounterVec
	DebatesRejected  prometheus.Counter
	ActiveDebates    prometheus.Gauge
	RoleDuration     *prometheus.HistogramVec
	TracesRated      prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		DebatesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reason_debates_started_total",
			Help: "Debates accepted and launched.",
		}),
		DebatesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reason_debates_completed_total",
			Help: "Debates that reached the completed event.",
		}),
		DebatesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reason_debates_failed_total",
			Help: "Debates that ended with a failed event, by failure kind.",
		}, []string{"kind"}),
		DebatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reason_debates_rejected_total",
			Help: "Debate requests rejected because the admission queue was full.",
		}),
		ActiveDebates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reason_debates_active",
			Help: "Debates currently running.",
		}),
		RoleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reason_role_call_duration_seconds",
			Help:    "Wall-clock duration of one role's streaming call.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"role"}),
		TracesRated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reason_traces_rated_total",
			Help: "User ratings recorded.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.DebatesStarted,
		m.DebatesCompleted,
		m.DebatesFailed,
		m.DebatesRejected,
		m.ActiveDebates,
		m.RoleDuration,
		m.TracesRated,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe records the counters derived from one debate event.
func (m *Metrics) Observe(ev debate.Event) {
	switch ev.Type {
	case debate.EventProposerCompleted:
		m.RoleDuration.WithLabelValues("proposer").Observe(float64(ev.DurationMs) / 1000)
	case debate.EventSkepticCompleted:
		m.RoleDuration.WithLabelValues("skeptic").Observe(float64(ev.DurationMs) / 1000)
	case debate.EventSynthesisCompleted:
		m.RoleDuration.WithLabelValues("synthesizer").Observe(float64(ev.DurationMs) / 1000)
	case debate.EventCompleted:
		m.DebatesCompleted.Inc()
		m.ActiveDebates.Dec()
	case debate.EventFailed:
		kind := ev.Kind
		if kind == "" {
			kind = "internal"
		}
		m.DebatesFailed.WithLabelValues(kind).Inc()
		m.ActiveDebates.Dec()
	}
}
