package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	authAttempts *prometheus.CounterVec
	discoveries  *prometheus.CounterVec
}

// NewMetrics creates the collectors in a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hellogate",
				Name:      "auth_attempts_total",
				Help:      "Authentication flow steps by outcome",
			},
			[]string{"outcome"},
		),
		discoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hellogate",
				Name:      "discovery_total",
				Help:      "Provider discovery attempts by result",
			},
			[]string{"result"},
		),
	}
	m.registry.MustRegister(m.authAttempts, m.discoveries)
	return m
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) auth(outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) discovery(result string) {
	if m == nil {
		return
	}
	m.discoveries.WithLabelValues(result).Inc()
}
