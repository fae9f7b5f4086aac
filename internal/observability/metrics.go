// Package observability provides Prometheus metrics, health checks, and logging.
//
// Uses github.com/prometheus/client_golang - the official Prometheus client.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the payment integration engine.
// Metrics are automatically registered via promauto.
//
// Key metrics for monitoring:
//   - webhooks_received_total: Inbound callback rate per provider
//   - webhooks_processed_total: Outcome per provider (completed, failed, ignored, duplicate)
//   - handler_failures_total: Business handlers returning failures
//   - outbound_calls_total: Provider API outcome (success, cached, terminal, exhausted)
//   - circuit_breaker_state: Provider API health (0=ok, 2=failing)
type Metrics struct {
	WebhooksReceived    *prometheus.CounterVec
	WebhooksProcessed   *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec
	WebhookRetries      *prometheus.CounterVec
	HandlerFailures     *prometheus.CounterVec
	OutboundCalls       *prometheus.CounterVec
	OutboundAttempts    *prometheus.CounterVec
	OutboundDuration    *prometheus.HistogramVec
	IdempotencyHits     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerTrips   *prometheus.CounterVec
	RateLimiterRejections *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// The namespace prefixes all metric names (e.g., "payhook_webhooks_received_total").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		WebhooksReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Total number of provider webhooks received",
		}, []string{"provider"}),
		WebhooksProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_processed_total",
			Help:      "Total number of webhooks processed by outcome",
		}, []string{"provider", "outcome"}),
		WebhookDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"provider"}),
		WebhookRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_retries_total",
			Help:      "Total number of failed webhooks re-run through the pipeline",
		}, []string{"provider"}),
		HandlerFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Total number of event handler failures by event and error type",
		}, []string{"event", "error_type"}),
		OutboundCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_calls_total",
			Help:      "Total number of idempotent provider API calls by outcome",
		}, []string{"provider", "operation", "outcome"}),
		OutboundAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_attempts_total",
			Help:      "Total number of provider API attempts including retries",
		}, []string{"provider", "operation"}),
		OutboundDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbound_attempt_duration_seconds",
			Help:      "Duration of single provider API attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider", "operation"}),
		IdempotencyHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_hits_total",
			Help:      "Total number of requests answered from the idempotency store",
		}, []string{"provider", "operation"}),
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"provider"}),
		CircuitBreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times circuit breaker tripped to open state",
		}, []string{"provider"}),
		RateLimiterRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_rejections_total",
			Help:      "Total number of provider API calls rejected by rate limiter",
		}, []string{"provider"}),
	}
}
