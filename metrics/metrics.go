// Package metrics holds the Prometheus collectors of the solr client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Router metrics
	RequestsTotal  *prometheus.CounterVec
	AttemptsTotal  *prometheus.CounterVec
	FailoversTotal *prometheus.CounterVec

	// Transport metrics
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Watcher metrics
	RefreshesTotal  *prometheus.CounterVec
	ReconnectsTotal prometheus.Counter
	CoordinationUp  prometheus.Gauge
	EndpointsGauge  *prometheus.GaugeVec
	TopologyVersion prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on registerer.
// A nil registerer leaves the collectors unregistered, they still count.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pysolr_requests_total",
				Help: "Total number of routed requests by final outcome",
			},
			[]string{"collection", "outcome"},
		),
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pysolr_attempts_total",
				Help: "Total number of per endpoint attempts by classification",
			},
			[]string{"collection", "class"},
		),
		FailoversTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pysolr_failovers_total",
				Help: "Total number of times a request moved on to the next candidate",
			},
			[]string{"collection"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pysolr_http_request_duration_seconds",
				Help:    "Duration of single HTTP calls to solr endpoints",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pysolr_http_response_size_bytes",
				Help:    "Size of solr response bodies in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method"},
		),
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pysolr_watch_refreshes_total",
				Help: "Total number of coordination path refreshes by result",
			},
			[]string{"kind", "result"},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pysolr_coordination_rebuilds_total",
				Help: "Total number of full subscription rebuilds after a lost session",
			},
		),
		CoordinationUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pysolr_coordination_up",
				Help: "1 while the coordination service view is fresh, 0 while degraded",
			},
		),
		EndpointsGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pysolr_collection_endpoints",
				Help: "Number of candidate endpoints known per collection",
			},
			[]string{"collection"},
		),
		TopologyVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pysolr_topology_version",
				Help: "Version of the endpoint registry snapshot",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.AttemptsTotal,
			m.FailoversTotal,
			m.HTTPRequestDuration,
			m.HTTPResponseSize,
			m.RefreshesTotal,
			m.ReconnectsTotal,
			m.CoordinationUp,
			m.EndpointsGauge,
			m.TopologyVersion,
		)
	}
	return m
}

// Noop returns metrics that are not registered anywhere
func Noop() *Metrics {
	return NewMetrics(nil)
}
