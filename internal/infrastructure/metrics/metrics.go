// Package metrics owns the process-wide Prometheus registry.
//
// Components register their own collectors against Registerer; lifecycle
// and refresh instruments are derived from the event bus by Observer so
// the core packages stay free of metrics plumbing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registry backing the /metrics endpoint.
type Metrics struct {
	registry *prometheus.Registry
}

// New creates a registry pre-loaded with Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{registry: reg}
}

// Registerer is where components register their collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// Handler returns the HTTP handler for Prometheus exposition.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
