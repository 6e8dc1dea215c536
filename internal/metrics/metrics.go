// Package metrics exposes the collector's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ljn0099/picoWeatherCollector/internal/ingest"
)

const (
	namespace = "weather_collector"
)

// PoolStats is implemented by dbpool.Pool.
type PoolStats interface {
	Size() int
	InUse() int
}

// QueueStats is implemented by dispatcher.Dispatcher.
type QueueStats interface {
	Len() int
	Outstanding() int
}

type Metrics struct {
	messages *prometheus.CounterVec
	rejected *prometheus.CounterVec
	auth     *prometheus.CounterVec
	persist  prometheus.Histogram
	aggs     *prometheus.CounterVec

	factory promauto.Factory
}

// New registers the collector metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		factory: f,
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages that reached a terminal pipeline state, by outcome.",
		}, []string{"outcome"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Messages refused before queueing, by reason.",
		}, []string{"reason"}),
		auth: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_total",
			Help:      "Station authentications, by result and reason.",
		}, []string{"result", "reason"}),
		persist: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_seconds",
			Help:      "Time spent executing the measurement insert.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		aggs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregations_total",
			Help:      "Hourly and daily aggregate recomputations, by result.",
		}, []string{"result"}),
	}
}

// WatchPool exports the pool's size and busy count as gauges.
func (m *Metrics) WatchPool(p PoolStats) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "pool_connections",
		Help:        "Database connections owned by the pool.",
		ConstLabels: prometheus.Labels{"state": "total"},
	}, func() float64 { return float64(p.Size()) })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "pool_connections",
		Help:        "Database connections owned by the pool.",
		ConstLabels: prometheus.Labels{"state": "in_use"},
	}, func() float64 { return float64(p.InUse()) })
}

// WatchQueue exports the dispatcher backlog as gauges.
func (m *Metrics) WatchQueue(q QueueStats) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatcher_queue_depth",
		Help:      "Jobs waiting for a worker.",
	}, func() float64 { return float64(q.Len()) })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatcher_outstanding",
		Help:      "Jobs queued or running.",
	}, func() float64 { return float64(q.Outstanding()) })
}

func (m *Metrics) ObserveOutcome(o ingest.Outcome) {
	m.messages.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) ObservePersist(d time.Duration) {
	m.persist.Observe(d.Seconds())
}

func (m *Metrics) ObserveAggregate(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.aggs.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAuth(allowed bool, reason string) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.auth.WithLabelValues(result, reason).Inc()
}

func (m *Metrics) ObserveRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}
