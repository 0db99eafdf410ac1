package consumerrt

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/harborline/bookingsaga/internal/broker"
	"github.com/harborline/bookingsaga/internal/deadletter"
	"github.com/harborline/bookingsaga/internal/metrics"
)

// DeadLetterSink consumes a `<event>_dlq` queue and records each arrival in
// the dead-letter store, unifying producer-side (outbox exhaustion, which
// writes there directly) and consumer-side (this sink) poison messages into
// one store. m may be nil, in which case requeue counts simply aren't
// recorded.
func DeadLetterSink(store deadletter.Store, source string, log *slog.Logger, m *metrics.SagaMetrics) broker.Handler {
	return func(ctx context.Context, d amqp.Delivery) broker.Outcome {
		msg := deadletter.Message{
			ID:           uuid.New(),
			SourceQueue:  originalQueue(d),
			EventType:    originalQueue(d),
			Payload:      d.Body,
			ErrorMessage: headerString(d.Headers, HeaderErrorMessage, "unknown consumer failure"),
			AttemptCount: ParseRetryCount(d.Headers),
			FailedAt:     time.Now().UTC(),
			Resolved:     false,
		}

		if ts := headerString(d.Headers, HeaderFirstAttempt, ""); ts != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				msg.FirstAttemptAt = parsed
			}
		}
		if msg.FirstAttemptAt.IsZero() {
			msg.FirstAttemptAt = msg.FailedAt
		}

		if err := store.Insert(ctx, msg); err != nil {
			log.Error("failed to persist dead-lettered consumer message",
				slog.String("source", source), slog.Any("error", err))
			if m != nil {
				m.ConsumerRequeued.WithLabelValues(originalQueue(d)).Inc()
			}
			return broker.Requeue
		}

		return broker.Ack
	}
}

func originalQueue(d amqp.Delivery) string {
	if q := headerString(d.Headers, HeaderOriginalQueue, ""); q != "" {
		return q
	}
	return d.RoutingKey
}

func headerString(headers amqp.Table, key, fallback string) string {
	if headers == nil {
		return fallback
	}
	v, ok := headers[key]
	if !ok {
		return fallback
	}
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	return s
}
