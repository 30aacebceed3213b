package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the forwarder.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	forwardAttempts  *prometheus.CounterVec
	forwardRetries   prometheus.Counter
	tokenCacheHits   prometheus.Counter
	tokenCacheMisses prometheus.Counter
	tokenIssueTotal  *prometheus.CounterVec
	tokenIssueTime   *prometheus.HistogramVec
	rateLimitHits    prometheus.Counter
	startTime        prometheus.Gauge
	registry         *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "forwarder"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Inbound HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "path", "status"},
	)

	m.forwardAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_attempts_total",
			Help:      "Total number of outbound ingestion attempts",
		},
		[]string{"result"},
	)

	m.forwardRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_retries_total",
			Help:      "Total number of expired-token forward retries",
		},
	)

	m.tokenCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_hits_total",
			Help:      "Total number of access token cache hits",
		},
	)

	m.tokenCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_misses_total",
			Help:      "Total number of access token cache misses",
		},
	)

	m.tokenIssueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_issue_total",
			Help:      "Total number of token issue requests",
		},
		[]string{"result"},
	)

	m.tokenIssueTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_issue_duration_seconds",
			Help:      "Token issue request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	m.rateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Unix timestamp of process start",
		},
	)
	m.startTime.Set(float64(time.Now().Unix()))

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.forwardAttempts,
		m.forwardRetries,
		m.tokenCacheHits,
		m.tokenCacheMisses,
		m.tokenIssueTotal,
		m.tokenIssueTime,
		m.rateLimitHits,
		m.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns an http.Handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records an inbound HTTP request.
func (m *Metrics) RecordRequest(method, path string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.requestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordForwardAttempt records a single outbound ingestion attempt.
func (m *Metrics) RecordForwardAttempt(result string) {
	m.forwardAttempts.WithLabelValues(result).Inc()
}

// RecordForwardRetry records an expired-token retry.
func (m *Metrics) RecordForwardRetry() {
	m.forwardRetries.Inc()
}

// RecordTokenCacheHit records a token cache hit.
func (m *Metrics) RecordTokenCacheHit() {
	m.tokenCacheHits.Inc()
}

// RecordTokenCacheMiss records a token cache miss.
func (m *Metrics) RecordTokenCacheMiss() {
	m.tokenCacheMisses.Inc()
}

// RecordTokenIssue records a token issue request outcome.
func (m *Metrics) RecordTokenIssue(result string, duration time.Duration) {
	m.tokenIssueTotal.WithLabelValues(result).Inc()
	m.tokenIssueTime.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordRateLimitHit records a rate limited request.
func (m *Metrics) RecordRateLimitHit() {
	m.rateLimitHits.Inc()
}
