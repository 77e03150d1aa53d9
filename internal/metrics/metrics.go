package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker's Prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	Attempts        *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	ActiveRules     prometheus.Gauge
	RelayConns      prometheus.Gauge
}

// New creates collectors registered on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossrequest_requests_total",
				Help: "Requests handled by the broker, by outcome",
			},
			[]string{"outcome"},
		),
		Attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossrequest_attempts_total",
				Help: "Network attempts made by the broker, by outcome",
			},
			[]string{"outcome"},
		),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crossrequest_request_duration_seconds",
			Help:    "Time from dispatch to final result, retries included",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		ActiveRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crossrequest_cors_rules_active",
			Help: "CORS rules currently installed",
		}),
		RelayConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crossrequest_relay_connections",
			Help: "Open relay connections from page sessions",
		}),
	}

	m.registry.MustRegister(m.Requests, m.Attempts, m.RequestDuration, m.ActiveRules, m.RelayConns)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
