// Package metrics exposes Prometheus metrics for routing decisions, provider
// health and the HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tiergate"
)

// LatencyBuckets are histogram buckets in seconds, sized for LLM calls.
var LatencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1, 2, 3, 5, 7.5, 10, 15, 20, 30, 60, 120, 300,
}

// =============================================================================
// Routing Metrics
// =============================================================================

var (
	// RoutedRequests counts routed requests by final outcome.
	RoutedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routed_requests_total",
			Help:      "Requests handled by the routing engine, by outcome",
		},
		[]string{"model", "stream", "outcome"},
	)

	// RequestDuration tracks end-to-end routing latency, including failover.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end routing latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"model", "stream"},
	)

	// ProviderAttempts counts attempts against individual providers.
	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider attempts by result (success, failure, throttled)",
		},
		[]string{"provider", "tier", "result"},
	)

	// ProviderLatency tracks the latency of a single provider attempt
	// including its retries.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Provider attempt latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider"},
	)

	// ProviderRetries counts retries scheduled by the retry policy.
	ProviderRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Retries of the same provider",
		},
		[]string{"provider", "error_type"},
	)

	// Failovers counts moves from a failed provider to the next candidate.
	Failovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Failovers away from a provider",
		},
		[]string{"model", "from_provider", "error_type"},
	)

	// QuotaThrottled counts candidates skipped by the local quota.
	QuotaThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_throttled_total",
			Help:      "Candidates skipped because the local quota was exhausted",
		},
		[]string{"provider", "metric"},
	)

	// StreamAborts counts streams ended after output was forwarded.
	StreamAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_aborts_total",
			Help:      "Streams aborted after the first chunk, by reason",
		},
		[]string{"provider", "reason"},
	)

	// StoreErrors counts failed calls to the shared state store. The engine
	// fails open on these.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Shared store errors by store (health, quota)",
		},
		[]string{"store"},
	)
)

// =============================================================================
// Health Metrics
// =============================================================================

var (
	// ProviderCooling is 1 while a provider is cooling down, 0 otherwise.
	ProviderCooling = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_cooling",
			Help:      "Provider cooldown state (0=healthy, 1=cooling)",
		},
		[]string{"provider"},
	)

	// ProviderConsecutiveFailures mirrors the failure streak.
	ProviderConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_consecutive_failures",
			Help:      "Consecutive failures recorded for the provider",
		},
		[]string{"provider"},
	)

	// Cooldowns counts cooldowns started or extended.
	Cooldowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_cooldowns_total",
			Help:      "Cooldowns started or extended",
		},
		[]string{"provider"},
	)
)

// RecordRoute records the outcome of a routed request.
func RecordRoute(model string, stream bool, outcome string, took time.Duration) {
	model = sanitizeModelLabel(model)
	s := strconv.FormatBool(stream)
	RoutedRequests.WithLabelValues(model, s, outcome).Inc()
	RequestDuration.WithLabelValues(model, s).Observe(took.Seconds())
}

// RecordAttempt records one provider attempt.
func RecordAttempt(providerID string, tier int, result string, took time.Duration) {
	ProviderAttempts.WithLabelValues(providerID, strconv.Itoa(tier), result).Inc()
	if result != "throttled" {
		ProviderLatency.WithLabelValues(providerID).Observe(took.Seconds())
	}
}

// RecordFailover records leaving a provider for the next candidate.
func RecordFailover(model, fromProvider, errorType string) {
	Failovers.WithLabelValues(sanitizeModelLabel(model), fromProvider, errorType).Inc()
}

// RecordHealth mirrors a provider's health into the gauges.
func RecordHealth(providerID string, failures int, cooling bool) {
	v := 0.0
	if cooling {
		v = 1
		Cooldowns.WithLabelValues(providerID).Inc()
	}
	ProviderCooling.WithLabelValues(providerID).Set(v)
	ProviderConsecutiveFailures.WithLabelValues(providerID).Set(float64(failures))
}
