// Package metrics exposes engine metrics for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DispatchTotal counts processed enrollments by result.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followup_dispatch_total",
			Help: "Enrollments processed by the dispatcher, by result",
		},
		[]string{"result"}, // sent, failed, retry, deferred, skipped, cancelled, error
	)

	// DeliveryDuration tracks provider send latency.
	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "followup_delivery_duration_seconds",
			Help:    "Provider send latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"channel", "outcome"},
	)

	// TickDuration tracks a full dispatcher tick.
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "followup_scheduler_tick_duration_seconds",
			Help:    "Dispatcher tick duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	// DueEnrollments is the size of the last due batch.
	DueEnrollments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "followup_due_enrollments",
			Help: "Enrollments returned by the last due query",
		},
	)

	// EnrollmentsTotal counts admission results.
	EnrollmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followup_enrollments_total",
			Help: "Enrollment attempts by result",
		},
		[]string{"result"}, // enrolled, duplicate, capacity_exceeded, suppressed, inactive, error
	)

	// WebhooksTotal counts provider status callbacks.
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "followup_delivery_webhooks_total",
			Help: "Delivery status callbacks by result",
		},
		[]string{"result"}, // applied, unchanged, unknown, invalid, error
	)

	// MQConsumeLatency tracks trigger consumption latency.
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "followup_mq_consume_latency_seconds",
			Help:    "Trigger message handling latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"routing_key", "result"},
	)

	// HTTPRequestDuration tracks API latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "followup_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "route", "status"},
	)

	// BreakerOpen is 1 while a channel's circuit is open.
	BreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "followup_delivery_breaker_open",
			Help: "1 while the channel circuit breaker is open",
		},
		[]string{"channel"},
	)
)

// IncDispatch records one dispatcher result.
func IncDispatch(result string) {
	DispatchTotal.WithLabelValues(result).Inc()
}

// ObserveDelivery records a provider send.
func ObserveDelivery(channel, outcome string, d time.Duration) {
	DeliveryDuration.WithLabelValues(channel, outcome).Observe(d.Seconds())
}

// IncEnrollment records an admission result.
func IncEnrollment(result string) {
	EnrollmentsTotal.WithLabelValues(result).Inc()
}

// IncWebhook records a status callback result.
func IncWebhook(result string) {
	WebhooksTotal.WithLabelValues(result).Inc()
}

// ObserveConsume records trigger message handling.
func ObserveConsume(routingKey, result string, d time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, result).Observe(d.Seconds())
}

// ObserveHTTP records an API request.
func ObserveHTTP(method, route, status string, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}

// SetBreakerOpen reports a channel's breaker state.
func SetBreakerOpen(channel string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	BreakerOpen.WithLabelValues(channel).Set(v)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
