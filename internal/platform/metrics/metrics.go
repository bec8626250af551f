// Package metrics exposes Prometheus collectors for the test handoff engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "labnet"

// SyncMetrics counts transitions and mirror outcomes. A nil *SyncMetrics is
// valid and records nothing.
type SyncMetrics struct {
	transitions *prometheus.CounterVec
	mirror      *prometheus.CounterVec
	groupSize   prometheus.Histogram
}

// NewSyncMetrics registers the handoff collectors on reg.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "transitions_total",
			Help:      "Tracker transition requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		mirror: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "mirror_propagations_total",
			Help:      "Counterpart-store propagation attempts by result.",
		}, []string{"result"}),
		groupSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "sibling_group_size",
			Help:      "Number of tests moved together by one transition.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),
	}
	reg.MustRegister(m.transitions, m.mirror, m.groupSize)
	return m
}

// Transition records the outcome ("applied", "duplicate", "blocked",
// "rejected" or "error") of one transition request.
func (m *SyncMetrics) Transition(kind, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, outcome).Inc()
}

// Mirror records a propagation result: "ok", "failed" or "skipped".
func (m *SyncMetrics) Mirror(result string) {
	if m == nil {
		return
	}
	m.mirror.WithLabelValues(result).Inc()
}

// GroupSize observes how many tests a transition moved.
func (m *SyncMetrics) GroupSize(n int) {
	if m == nil {
		return
	}
	m.groupSize.Observe(float64(n))
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
