// Package metrics defines the Prometheus series every service exposes on
// /metrics, served by a separate listener from its /health endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics covers the narrow external HTTP surface of a service.
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewHTTPMetrics creates HTTP metrics scoped to a service name.
func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// Record records one request observation.
func (m *HTTPMetrics) Record(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SagaMetrics covers the outbox, consumer runtime and DLQ — the saga's own
// health signals, not a general-purpose observability platform.
type SagaMetrics struct {
	OutboxPublished    *prometheus.CounterVec
	OutboxSpilled      *prometheus.CounterVec
	ConsumerHandled    *prometheus.CounterVec
	ConsumerRequeued   *prometheus.CounterVec
	DeadLettered       *prometheus.CounterVec
	ReservationOutcome *prometheus.CounterVec
}

// NewSagaMetrics creates saga-runtime metrics scoped to a service name.
func NewSagaMetrics(serviceName string) *SagaMetrics {
	return &SagaMetrics{
		OutboxPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_outbox_published_total",
				Help: "Total number of outbox rows successfully published",
			},
			[]string{"event_type"},
		),
		OutboxSpilled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_outbox_spilled_total",
				Help: "Total number of outbox rows spilled to the dead-letter store",
			},
			[]string{"event_type"},
		),
		ConsumerHandled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_consumer_handled_total",
				Help: "Total number of deliveries successfully handled",
			},
			[]string{"queue"},
		),
		ConsumerRequeued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_consumer_requeued_total",
				Help: "Total number of deliveries nacked with requeue",
			},
			[]string{"queue"},
		),
		DeadLettered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_dead_lettered_total",
				Help: "Total number of messages routed to a dead-letter queue",
			},
			[]string{"queue"},
		),
		ReservationOutcome: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_reservation_outcome_total",
				Help: "Total number of reservation attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}
