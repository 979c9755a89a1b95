// Package metrics provides opt-in Prometheus instrumentation for flagd
// resolution calls.
//
// All collectors are registered in a custom [prometheus.Registry] (not the
// global default) so that only flagd-client metrics appear wherever the host
// mounts [Metrics.Handler]. A nil *Metrics is valid and records nothing,
// letting providers call it unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors recorded by the transport
// providers.
type Metrics struct {
	Registry *prometheus.Registry

	ResolutionsTotal   *prometheus.CounterVec
	ResolutionDuration *prometheus.HistogramVec
	InitsTotal         *prometheus.CounterVec
}

// New creates and registers all flagd-client metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagd_client_resolutions_total",
			Help: "Total number of flag resolutions, by transport, operation, and outcome.",
		}, []string{"transport", "operation", "outcome"}),

		ResolutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagd_client_resolution_duration_seconds",
			Help:    "Flag resolution latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"transport", "operation"}),

		InitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagd_client_inits_total",
			Help: "Total number of provider initializations, by transport and outcome.",
		}, []string{"transport", "outcome"}),
	}

	reg.MustRegister(
		m.ResolutionsTotal,
		m.ResolutionDuration,
		m.InitsTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordResolution records one resolution call. The outcome is "success" or
// the error code of the tagged failure.
func (m *Metrics) RecordResolution(transport, operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(transport, operation, outcome).Inc()
	m.ResolutionDuration.WithLabelValues(transport, operation).Observe(elapsed.Seconds())
}

// RecordInit records one Init call with the given outcome ("success" or an
// error code).
func (m *Metrics) RecordInit(transport, outcome string) {
	if m == nil {
		return
	}
	m.InitsTotal.WithLabelValues(transport, outcome).Inc()
}
