package swcache

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	requests           *prometheus.CounterVec
	cacheWrites        *prometheus.CounterVec
	networkFailures    *prometheus.CounterVec
	generationsDeleted prometheus.Counter
	responseBytes      prometheus.Histogram
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "requests_total",
			Help:      "Requests handled, by class and response source.",
		}, []string{"class", "source"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "cache_writes_total",
			Help:      "Writes into cache generations, by generation and result.",
		}, []string{"generation", "result"}),
		networkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "network_failures_total",
			Help:      "Origin fetches that failed at the transport level, by class.",
		}, []string{"class"}),
		generationsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "generations_deleted_total",
			Help:      "Stale cache generations removed during activation.",
		}),
		responseBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "swcache",
			Name:      "response_bytes",
			Help:      "Size of response bodies served from network or cache.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.cacheWrites,
		m.networkFailures,
		m.generationsDeleted,
		m.responseBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the service's metrics registry.
func (s *Service) Registry() *prometheus.Registry { return s.metrics.registry }
