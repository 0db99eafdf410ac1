// Package consumerrt is the idempotent consumer runtime: bounded in-process
// retry per delivery, a bounded requeue round-counter per message,
// technical-vs-business failure branching, and an explicit
// publish-with-metadata-headers handoff to `<queue>_dlq` once retries are
// exhausted. Grounded on common/broker.HandleRetry's retry-count header and
// Nack-to-DLX shape; generalized here into an application-level publish
// because the metadata headers this runtime stamps (x-retry-count and
// friends) need to ride on the message the DLQ sink actually receives —
// a broker-side DLX reroute on Nack carries the original message, not
// headers a consumer mutated on its local copy of the delivery.
package consumerrt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/harborline/bookingsaga/internal/broker"
	"github.com/harborline/bookingsaga/internal/failure"
	"github.com/harborline/bookingsaga/internal/metrics"
)

// Header names carried on a delivery when it is dead-lettered. These are
// the runtime's own bookkeeping; the DLQ sink reads them back out.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderFirstAttempt  = "x-first-attempt"
	HeaderErrorMessage  = "x-error-message"
	HeaderOriginalQueue = "x-original-queue"
	HeaderFailedAt      = "x-failed-at"
)

// BusinessHandler processes one event's payload. Returning a
// *failure.Business error means don't retry: dead-letter immediately.
// Any other non-nil error is treated as technical and retried before
// requeueing or dead-lettering.
type BusinessHandler func(ctx context.Context, d amqp.Delivery) error

// DLQPublisher is the narrow publish capability Wrap needs to hand a
// message off to its dead-letter queue. *broker.Broker satisfies this.
type DLQPublisher interface {
	Publish(ctx context.Context, queue string, payload []byte, headers amqp.Table) error
}

// Options tunes the bounded retry pipeline. Zero values take the defaults:
// 3 in-process attempts with jittered exponential backoff from a 2s base,
// and 3 requeue rounds before the message is routed to its DLQ.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxRequeue  int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.MaxRequeue <= 0 {
		o.MaxRequeue = 3
	}
	return o
}

// requeueTracker counts requeue rounds per message so a persistently
// failing delivery is dead-lettered after a bounded number of broker
// redeliveries. It is memory-only and bounded: entries are removed when
// the delivery is acked or dead-lettered, and the whole map dies with the
// process — the broker's redelivered flag is diagnostics, not a
// correctness input. Keys are the envelope's eventId so the count survives
// the fresh delivery tag the broker assigns on each redelivery.
type requeueTracker struct {
	mu     sync.Mutex
	rounds map[string]trackedDelivery
}

type trackedDelivery struct {
	rounds    int
	firstSeen time.Time
}

func newRequeueTracker() *requeueTracker {
	return &requeueTracker{rounds: make(map[string]trackedDelivery)}
}

func (t *requeueTracker) bump(key string, now time.Time) trackedDelivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.rounds[key]
	if !ok {
		entry = trackedDelivery{firstSeen: now}
	}
	entry.rounds++
	t.rounds[key] = entry
	return entry
}

func (t *requeueTracker) drop(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rounds, key)
}

// deliveryKey identifies a message across redeliveries: the envelope's
// eventId when the body parses, the delivery tag otherwise (a malformed
// body never reaches the requeue path anyway — it dead-letters on the
// first attempt as a non-retryable failure).
func deliveryKey(d amqp.Delivery) string {
	var env struct {
		EventID string `json:"eventId"`
	}
	if err := json.Unmarshal(d.Body, &env); err == nil && env.EventID != "" {
		return env.EventID
	}
	return strconv.FormatUint(d.DeliveryTag, 10)
}

// Wrap adapts a BusinessHandler into a broker.Handler implementing the
// bounded-retry policy: on a technical error it retries inline under a
// jittered exponential backoff up to opts.MaxAttempts, then nacks with
// requeue so the broker redelivers; after opts.MaxRequeue such rounds (or
// immediately on a business failure) it publishes the original payload to
// `<queue>_dlq` with metadata headers (x-retry-count, x-first-attempt,
// x-error-message, x-original-queue, x-failed-at) and acks the original
// delivery to remove it from the main queue. If the dead-letter publish
// itself fails, the delivery is requeued rather than lost.
// m may be nil, in which case handled/requeued/dead-lettered counts simply
// aren't recorded.
func Wrap(queue string, handler BusinessHandler, pub DLQPublisher, opts Options, log *slog.Logger, m *metrics.SagaMetrics) broker.Handler {
	opts = opts.withDefaults()
	tracker := newRequeueTracker()
	backoff := broker.BackoffPolicy{
		BaseDelay:   opts.BaseDelay,
		MaxDelay:    60 * time.Second,
		Factor:      2,
		MaxAttempts: opts.MaxAttempts,
	}

	return func(ctx context.Context, d amqp.Delivery) broker.Outcome {
		key := deliveryKey(d)

		var lastErr error
		for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
			err := handler(ctx, d)
			if err == nil {
				tracker.drop(key)
				if m != nil {
					m.ConsumerHandled.WithLabelValues(queue).Inc()
				}
				return broker.Ack
			}

			lastErr = err

			if failure.IsBusiness(err) {
				log.Error("non-retryable failure, routing to dead-letter queue",
					slog.String("queue", queue), slog.Any("error", err))
				return deadLetter(ctx, pub, d, queue, err, attempt, time.Now().UTC(), tracker, key, log, m)
			}

			if attempt < opts.MaxAttempts {
				log.Warn("handler failed, retrying",
					slog.String("queue", queue), slog.Int("attempt", attempt), slog.Any("error", err))
				time.Sleep(backoff.Delay(attempt - 1))
			}
		}

		entry := tracker.bump(key, time.Now().UTC())
		if entry.rounds < opts.MaxRequeue {
			log.Warn("handler exhausted in-process retries, requeueing for redelivery",
				slog.String("queue", queue), slog.Int("round", entry.rounds), slog.Any("error", lastErr))
			if m != nil {
				m.ConsumerRequeued.WithLabelValues(queue).Inc()
			}
			return broker.Requeue
		}

		total := entry.rounds * opts.MaxAttempts
		log.Error("handler exhausted requeue rounds, routing to dead-letter queue",
			slog.String("queue", queue), slog.Int("attempts", total), slog.Any("error", lastErr))
		return deadLetter(ctx, pub, d, queue, lastErr, total, entry.firstSeen, tracker, key, log, m)
	}
}

// deadLetter publishes d's body to queue+"_dlq" carrying the retry metadata
// headers, then acks the original delivery so it leaves the main queue. A
// failed publish requeues the original instead of dropping it silently; the
// tracker entry is kept, so the redelivery runs the handler again and, if it
// still fails, its requeue round is already past MaxRequeue and it comes back
// here.
func deadLetter(ctx context.Context, pub DLQPublisher, d amqp.Delivery, queue string, cause error, attempts int, firstAttempt time.Time, tracker *requeueTracker, key string, log *slog.Logger, m *metrics.SagaMetrics) broker.Outcome {
	headers := deadLetterHeaders(queue, cause, attempts, firstAttempt)
	if err := pub.Publish(ctx, queue+"_dlq", d.Body, headers); err != nil {
		log.Error("failed to publish to dead-letter queue, requeuing",
			slog.String("queue", queue), slog.Any("error", err))
		return broker.Requeue
	}
	tracker.drop(key)
	if m != nil {
		m.DeadLettered.WithLabelValues(queue).Inc()
	}
	return broker.Ack
}

func deadLetterHeaders(queue string, cause error, attempts int, firstAttempt time.Time) amqp.Table {
	return amqp.Table{
		HeaderRetryCount:    strconv.Itoa(attempts),
		HeaderFirstAttempt:  firstAttempt.Format(time.RFC3339Nano),
		HeaderErrorMessage:  cause.Error(),
		HeaderOriginalQueue: queue,
		HeaderFailedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// ParseRetryCount reads HeaderRetryCount back out of a delivery's headers,
// defaulting to 0 when absent (e.g. a message dead-lettered by a broker
// policy rather than this runtime).
func ParseRetryCount(headers amqp.Table) int {
	v, ok := headers[HeaderRetryCount]
	if !ok {
		return 0
	}
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// ErrNoHandler is returned by a DLQ sink when it receives a delivery for a
// queue it has no registered translation for.
var ErrNoHandler = errors.New("consumerrt: no dead-letter handler for queue")
