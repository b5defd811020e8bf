package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for listsync
type Metrics struct {
	// Intent queue
	IntentsEnqueuedTotal  prometheus.Counter
	IntentsProcessedTotal *prometheus.CounterVec
	IntentsPending        prometheus.Gauge
	IntentsFailing        prometheus.Gauge
	IntentsOldestSeconds  prometheus.Gauge

	// Provider calls
	ProviderCallsTotal          *prometheus.CounterVec
	ProviderCallDurationSeconds *prometheus.HistogramVec

	// Metadata cache
	CacheLookupsTotal   *prometheus.CounterVec
	CacheRefreshesTotal *prometheus.CounterVec

	// Subscriptions
	SubscribeAttemptsTotal prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	// counters by metric name, for persistence
	counterVecs map[string]*prometheus.CounterVec
	counters    map[string]prometheus.Counter

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		IntentsEnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "listsync_intents_enqueued_total",
				Help: "Total number of subscription intents persisted for async processing",
			},
		),
		IntentsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_intents_processed_total",
				Help: "Total number of intent processing runs by outcome",
			},
			[]string{"outcome"},
		),
		IntentsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "listsync_intents_pending",
				Help: "Number of intents waiting in the queue",
			},
		),
		IntentsFailing: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "listsync_intents_failing",
				Help: "Number of queued intents with at least one recorded error",
			},
		),
		IntentsOldestSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "listsync_intents_oldest_seconds",
				Help: "Age of the oldest queued intent in seconds",
			},
		),

		ProviderCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_provider_calls_total",
				Help: "Total number of ESP API calls",
			},
			[]string{"provider", "op", "outcome"},
		),
		ProviderCallDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listsync_provider_call_duration_seconds",
				Help:    "ESP API call duration in seconds, including retries",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "op"},
		),

		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_metadata_cache_lookups_total",
				Help: "Metadata cache lookups by result (hit, stale, miss)",
			},
			[]string{"result"},
		),
		CacheRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_metadata_cache_refreshes_total",
				Help: "Metadata refreshes by outcome",
			},
			[]string{"outcome"},
		),

		SubscribeAttemptsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "listsync_subscribe_attempts_total",
				Help: "Total number of recorded subscribe attempts",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listsync_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listsync_ratelimit_exceeded_total",
				Help: "Total number of rate limit exceeded events",
			},
			[]string{"level"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "listsync_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "listsync_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "listsync_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	m.counterVecs = map[string]*prometheus.CounterVec{
		"listsync_intents_processed_total":        m.IntentsProcessedTotal,
		"listsync_provider_calls_total":           m.ProviderCallsTotal,
		"listsync_metadata_cache_lookups_total":   m.CacheLookupsTotal,
		"listsync_metadata_cache_refreshes_total": m.CacheRefreshesTotal,
		"listsync_api_requests_total":             m.APIRequestsTotal,
		"listsync_api_errors_total":               m.APIErrorsTotal,
		"listsync_ratelimit_exceeded_total":       m.RateLimitExceededTotal,
	}
	m.counters = map[string]prometheus.Counter{
		"listsync_intents_enqueued_total":  m.IntentsEnqueuedTotal,
		"listsync_subscribe_attempts_total": m.SubscribeAttemptsTotal,
	}

	reg.MustRegister(
		m.IntentsEnqueuedTotal,
		m.IntentsProcessedTotal,
		m.IntentsPending,
		m.IntentsFailing,
		m.IntentsOldestSeconds,
		m.ProviderCallsTotal,
		m.ProviderCallDurationSeconds,
		m.CacheLookupsTotal,
		m.CacheRefreshesTotal,
		m.SubscribeAttemptsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncIntentsEnqueued increments the enqueued intent counter
func IncIntentsEnqueued() {
	m := Global()
	if m != nil {
		m.IntentsEnqueuedTotal.Inc()
	}
}

// IncIntentsProcessed counts one processing run (success, failed, abandoned)
func IncIntentsProcessed(outcome string) {
	m := Global()
	if m != nil {
		m.IntentsProcessedTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveProviderCall records an ESP call and its duration
func ObserveProviderCall(provider, op string, err error, duration time.Duration) {
	m := Global()
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.ProviderCallsTotal.WithLabelValues(provider, op, outcome).Inc()
	m.ProviderCallDurationSeconds.WithLabelValues(provider, op).Observe(duration.Seconds())
}

// IncCacheLookup counts a metadata cache lookup
func IncCacheLookup(result string) {
	m := Global()
	if m != nil {
		m.CacheLookupsTotal.WithLabelValues(result).Inc()
	}
}

// IncCacheRefresh counts a metadata refresh
func IncCacheRefresh(outcome string) {
	m := Global()
	if m != nil {
		m.CacheRefreshesTotal.WithLabelValues(outcome).Inc()
	}
}

// IncSubscribeAttempts counts a recorded subscribe attempt
func IncSubscribeAttempts() {
	m := Global()
	if m != nil {
		m.SubscribeAttemptsTotal.Inc()
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	m := Global()
	if m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
