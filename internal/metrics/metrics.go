// Package metrics holds the Prometheus collectors for the sync layer.
//
// A nil *Metrics is valid and records nothing, so library users that do not
// care about metrics can leave it unset.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors used by the cache, coordinator and queue.
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups   *prometheus.CounterVec // result: hit, miss, expired
	fetches        *prometheus.CounterVec // result: ok, error
	fetchDuration  prometheus.Histogram
	queueDepth     prometheus.Gauge
	queueEnqueued  prometheus.Counter
	replayOutcomes *prometheus.CounterVec // outcome: success, retry, dropped, unhandled
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubsync",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubsync",
			Name:      "fetches_total",
			Help:      "Remote fetches issued by the query coordinator.",
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clubsync",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of remote fetches.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clubsync",
			Name:      "queue_depth",
			Help:      "Mutations waiting in the offline queue.",
		}),
		queueEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clubsync",
			Name:      "queue_enqueued_total",
			Help:      "Mutations queued while offline.",
		}),
		replayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubsync",
			Name:      "replay_items_total",
			Help:      "Queue items processed during replay, by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.cacheLookups,
		m.fetches,
		m.fetchDuration,
		m.queueDepth,
		m.queueEnqueued,
		m.replayOutcomes,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) Fetch(ok bool, seconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.fetches.WithLabelValues(result).Inc()
	m.fetchDuration.Observe(seconds)
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Enqueued() {
	if m == nil {
		return
	}
	m.queueEnqueued.Inc()
}

func (m *Metrics) Replay(outcome string) {
	if m == nil {
		return
	}
	m.replayOutcomes.WithLabelValues(outcome).Inc()
}
