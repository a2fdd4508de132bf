package offlinecache

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
// Each gateway owns its own registry so tests can run side by side without
// duplicate registration panics.
type Metrics struct {
	registry *prometheus.Registry

	NetworkFetches   prometheus.Counter
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	OfflineResponses *prometheus.CounterVec
	QueuedMutations  prometheus.Counter
	QueueReplays     prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		NetworkFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offlinecache",
			Name:      "network_fetches_total",
			Help:      "Total number of network fetches to the origin",
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offlinecache",
			Name:      "cache_hits_total",
			Help:      "Cache hits per strategy",
		}, []string{"strategy"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offlinecache",
			Name:      "cache_misses_total",
			Help:      "Cache misses per strategy",
		}, []string{"strategy"}),
		OfflineResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offlinecache",
			Name:      "offline_responses_total",
			Help:      "Synthesized offline responses per kind",
		}, []string{"kind"}),
		QueuedMutations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offlinecache",
			Name:      "queued_mutations_total",
			Help:      "Mutating requests queued for later replay",
		}),
		QueueReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offlinecache",
			Name:      "queue_replays_total",
			Help:      "Queued mutations successfully replayed",
		}),
	}
	registry.MustRegister(
		m.NetworkFetches,
		m.CacheHits,
		m.CacheMisses,
		m.OfflineResponses,
		m.QueuedMutations,
		m.QueueReplays,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
