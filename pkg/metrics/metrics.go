// Package metrics provides Prometheus metrics for the Clover service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokenRefreshesTotal tracks token refresh operations by outcome
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "tokens",
			Name:      "refreshes_total",
			Help:      "Total number of token refresh operations by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// WebhookDeliveriesTotal tracks inbound webhook notifications
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "webhooks",
			Name:      "deliveries_total",
			Help:      "Total number of inbound webhook notifications by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// EventsProcessedTotal tracks worker event outcomes
	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "worker",
			Name:      "events_processed_total",
			Help:      "Total number of webhook events processed by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// EventsInFlight tracks events currently being processed
	EventsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clover",
			Subsystem: "worker",
			Name:      "events_in_flight",
			Help:      "Number of webhook events currently being processed",
		},
	)

	// EventProcessingDuration tracks event processing duration in seconds
	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "worker",
			Name:      "event_duration_seconds",
			Help:      "Duration of webhook event processing in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// SubscriptionRenewalsTotal tracks renewal sweep outcomes
	SubscriptionRenewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "subscriptions",
			Name:      "renewals_total",
			Help:      "Total number of subscription renewal attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// HTTPRequestsTotal tracks outbound HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"method", "status_code"},
	)

	// HTTPRequestDuration tracks outbound HTTP request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
)

// RecordTokenRefresh records a token refresh outcome
func RecordTokenRefresh(provider, outcome string) {
	TokenRefreshesTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordWebhookDelivery records an inbound notification outcome
func RecordWebhookDelivery(provider, outcome string) {
	WebhookDeliveriesTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordEventProcessed records a worker event outcome
func RecordEventProcessed(provider, outcome string, durationSeconds float64) {
	EventsProcessedTotal.WithLabelValues(provider, outcome).Inc()
	EventProcessingDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordSubscriptionRenewal records a renewal sweep outcome
func RecordSubscriptionRenewal(provider, outcome string) {
	SubscriptionRenewalsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordHTTPRequest records an outbound HTTP request metric
func RecordHTTPRequest(method, statusCode string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}
