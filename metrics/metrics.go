// Package metrics holds the Prometheus collectors of the gateway. All
// methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "weather_gateway"

// Upstream outcomes recorded in upstream_requests_total
const (
	OutcomeSuccess = "success"
	OutcomeVetoed  = "vetoed"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	RateLimitExceeded prometheus.Counter
	UpstreamRequests  *prometheus.CounterVec
	UpstreamDuration  prometheus.Histogram
	StoreErrors       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// registers with prometheus.DefaultRegisterer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
			},
			[]string{"endpoint"},
		),
		ActiveRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Number of requests currently being processed",
			},
		),
		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of cache hits",
			},
		),
		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of cache misses",
			},
		),
		RateLimitExceeded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_exceeded_total",
				Help:      "Total number of requests rejected by the rate limiter",
			},
		),
		UpstreamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_requests_total",
				Help:      "Total number of upstream fetch attempts by outcome",
			},
			[]string{"outcome"},
		),
		UpstreamDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_request_duration_seconds",
				Help:      "Upstream fetch duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 15},
			},
		),
		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of cache or rate limit store failures",
			},
			[]string{"store", "op"},
		),
	}
}

// ObserveRequest records a finished HTTP request
func (m *Metrics) ObserveRequest(endpoint string, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RequestStarted increments the active request gauge and returns its decrement
func (m *Metrics) RequestStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveRequests.Inc()
	return m.ActiveRequests.Dec
}

// CacheHit records a cache hit
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// CacheMiss records a cache miss
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// RateLimited records a rate limit rejection
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Inc()
}

// Upstream records one upstream fetch attempt
func (m *Metrics) Upstream(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.UpstreamDuration.Observe(d.Seconds())
	}
}

// StoreError records a failed cache or limiter store operation
func (m *Metrics) StoreError(store, op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(store, op).Inc()
}
