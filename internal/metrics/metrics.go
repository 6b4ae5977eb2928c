// Package metrics exposes maestro's Prometheus instrumentation. The comms
// service serves the registry on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors and their registry.
type Metrics struct {
	registry *prometheus.Registry

	CommsRequests *prometheus.CounterVec
	AdapterCalls  *prometheus.CounterVec
	Missions      *prometheus.CounterVec
}

// New builds a registry with maestro's collectors plus the standard Go
// process collectors. activeTeams is sampled on scrape; nil reads zero.
func New(activeTeams func() int) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		CommsRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "comms",
			Name:      "requests_total",
			Help:      "Comms tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		AdapterCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "codex",
			Name:      "calls_total",
			Help:      "Downstream codex calls by outcome.",
		}, []string{"outcome"}),
		Missions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "mission",
			Name:      "terminal_total",
			Help:      "Missions reaching a terminal phase.",
		}, []string{"phase"}),
	}
	activeGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "maestro",
		Name:      "active_teams",
		Help:      "Teams currently live in the state store.",
	}, func() float64 {
		if activeTeams == nil {
			return 0
		}
		return float64(activeTeams())
	})
	registry.MustRegister(
		m.CommsRequests,
		m.AdapterCalls,
		m.Missions,
		activeGauge,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
