// Package metrics defines the gateway's Prometheus metrics.
//
// Metric naming follows Prometheus conventions:
//   - gateway_ prefix for all families
//   - _total suffix for counters
//   - durations exposed in milliseconds to match the dashboard fleet
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every gateway metric. Handlers serve it; tests read it.
var Registry = prometheus.NewRegistry()

// DurationBuckets are the request latency bucket upper bounds in ms.
var DurationBuckets = []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000}

var (
	// RequestsTotal counts proxied requests by route and terminal HTTP code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total proxied requests by tool, action, and response code.",
		},
		[]string{"tool", "action", "code"},
	)

	// RequestDuration is a histogram of end-to-end proxy latency in ms.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_ms",
			Help:    "Proxy request duration in milliseconds.",
			Buckets: DurationBuckets,
		},
		[]string{"tool", "action"},
	)

	// CacheHitsTotal counts responses served from the LRU cache.
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Total cache hits by tool and action.",
		},
		[]string{"tool", "action"},
	)

	// CacheEntries is the current number of live cache entries.
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_cache_entries",
			Help: "Current number of entries in the response cache.",
		},
	)

	// CacheBytes is the current total size of cached response bodies.
	CacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_cache_bytes",
			Help: "Current total bytes held by the response cache.",
		},
	)

	// RetriesTotal counts retry attempts by route and failure reason.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Total retries by tool, action, and reason.",
		},
		[]string{"tool", "action", "reason"},
	)

	// BreakerFastFailTotal counts admissions rejected by an open breaker.
	BreakerFastFailTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_fastfail_total",
			Help: "Total requests fast-failed by an open circuit breaker.",
		},
		[]string{"tool", "action"},
	)

	// BreakerState exposes breaker state per route
	// (0 closed, 1 open, 2 half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		},
		[]string{"tool", "action"},
	)

	// PolicyDenialsTotal counts non-allow policy outcomes.
	PolicyDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_policy_denials_total",
			Help: "Total policy denials by agent, route, and reason.",
		},
		[]string{"agent_id", "tool", "action", "reason"},
	)

	// TokenGenerationsTotal counts minted tokens per agent.
	TokenGenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_generations_total",
			Help: "Total agent tokens minted.",
		},
		[]string{"agent_id"},
	)

	// TokenValidationsTotal counts validation outcomes per agent.
	TokenValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_validations_total",
			Help: "Total token validations by agent and outcome.",
		},
		[]string{"agent_id", "success"},
	)

	// TokenExpirationsTotal counts validations rejected for expiry.
	TokenExpirationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_expirations_total",
			Help: "Total token validations rejected because the token expired.",
		},
		[]string{"agent_id"},
	)

	// TelemetryDroppedTotal counts telemetry events dropped under backpressure.
	TelemetryDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_telemetry_dropped_total",
			Help: "Total telemetry events dropped because the queue was full.",
		},
	)

	// ProcessStartTime is the unix time this process started.
	ProcessStartTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_process_start_time_seconds",
			Help: "Unix timestamp of gateway process start.",
		},
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal,
		RequestDuration,
		CacheHitsTotal,
		CacheEntries,
		CacheBytes,
		RetriesTotal,
		BreakerFastFailTotal,
		BreakerState,
		PolicyDenialsTotal,
		TokenGenerationsTotal,
		TokenValidationsTotal,
		TokenExpirationsTotal,
		TelemetryDroppedTotal,
		ProcessStartTime,
	)
	ProcessStartTime.Set(float64(time.Now().Unix()))
}

// Handler serves the registry in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordRequest records a terminal proxy outcome and its latency.
func RecordRequest(tool, action, code string, duration time.Duration) {
	RequestsTotal.WithLabelValues(tool, action, code).Inc()
	RequestDuration.WithLabelValues(tool, action).Observe(float64(duration) / float64(time.Millisecond))
}

// RecordCacheHit records a response served from cache.
func RecordCacheHit(tool, action string) {
	CacheHitsTotal.WithLabelValues(tool, action).Inc()
}

// SetCacheSize publishes the cache's current entry count and byte total.
func SetCacheSize(entries int, bytes int64) {
	CacheEntries.Set(float64(entries))
	CacheBytes.Set(float64(bytes))
}

// RecordRetry records a single retry attempt.
func RecordRetry(tool, action, reason string) {
	RetriesTotal.WithLabelValues(tool, action, reason).Inc()
}

// RecordBreakerFastFail records an admission rejected by an open breaker.
func RecordBreakerFastFail(tool, action string) {
	BreakerFastFailTotal.WithLabelValues(tool, action).Inc()
}

// SetBreakerState publishes a breaker state transition.
func SetBreakerState(tool, action string, state float64) {
	BreakerState.WithLabelValues(tool, action).Set(state)
}

// RecordPolicyDenial records a non-allow policy outcome.
func RecordPolicyDenial(agentID, tool, action, reason string) {
	PolicyDenialsTotal.WithLabelValues(agentID, tool, action, reason).Inc()
}

// RecordTokenGeneration records a minted token.
func RecordTokenGeneration(agentID string) {
	TokenGenerationsTotal.WithLabelValues(agentID).Inc()
}

// RecordTokenValidation records a validation outcome.
func RecordTokenValidation(agentID string, success bool) {
	if success {
		TokenValidationsTotal.WithLabelValues(agentID, "true").Inc()
	} else {
		TokenValidationsTotal.WithLabelValues(agentID, "false").Inc()
	}
}

// RecordTokenExpiration records a validation rejected for expiry.
func RecordTokenExpiration(agentID string) {
	TokenExpirationsTotal.WithLabelValues(agentID).Inc()
}

// RecordTelemetryDrop records one event lost to backpressure.
func RecordTelemetryDrop() {
	TelemetryDroppedTotal.Inc()
}
