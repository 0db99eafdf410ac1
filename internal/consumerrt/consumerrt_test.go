package consumerrt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/bookingsaga/internal/broker"
	"github.com/harborline/bookingsaga/internal/deadletter"
	"github.com/harborline/bookingsaga/internal/failure"
	"github.com/harborline/bookingsaga/internal/logger"
	"github.com/harborline/bookingsaga/internal/metrics"
)

// fastOptions keeps the retry pipeline's shape but drops the backoff to
// something a unit test can afford to sleep through.
var fastOptions = Options{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxRequeue: 3}

// fakePublisher stands in for *broker.Broker, recording every dead-letter
// publish a test cares about instead of touching a real channel.
type fakePublisher struct {
	published []publishedMessage
	failWith  error
}

type publishedMessage struct {
	queue   string
	payload []byte
	headers amqp.Table
}

func (f *fakePublisher) Publish(ctx context.Context, queue string, payload []byte, headers amqp.Table) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.published = append(f.published, publishedMessage{queue: queue, payload: payload, headers: headers})
	return nil
}

func TestWrap_SucceedsOnFirstAttempt(t *testing.T) {
	log := logger.New("test")
	calls := 0
	handler := func(ctx context.Context, d amqp.Delivery) error {
		calls++
		return nil
	}

	outcome := Wrap("booking_created", handler, &fakePublisher{}, fastOptions, log, nil)(context.Background(), amqp.Delivery{})
	assert.Equal(t, broker.Ack, outcome)
	assert.Equal(t, 1, calls)
}

func TestWrap_SucceedsOnFirstAttempt_RecordsConsumerHandled(t *testing.T) {
	m := metrics.NewSagaMetrics("consumerrt_test_handled")
	handler := func(ctx context.Context, d amqp.Delivery) error { return nil }

	Wrap("booking_created", handler, &fakePublisher{}, fastOptions, logger.New("test"), m)(context.Background(), amqp.Delivery{})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConsumerHandled.WithLabelValues("booking_created")))
}

func TestWrap_BusinessFailureDeadLettersWithoutRetry(t *testing.T) {
	log := logger.New("test")
	calls := 0
	handler := func(ctx context.Context, d amqp.Delivery) error {
		calls++
		return failure.NewBusiness("malformed payload", errors.New("missing field"))
	}

	pub := &fakePublisher{}
	m := metrics.NewSagaMetrics("consumerrt_test_business")
	outcome := Wrap("booking_created", handler, pub, fastOptions, log, m)(context.Background(), amqp.Delivery{})
	assert.Equal(t, broker.Ack, outcome, "dead-lettering removes the original from its main queue")
	assert.Equal(t, 1, calls, "a non-retryable failure must never be retried")

	require.Len(t, pub.published, 1)
	assert.Equal(t, "booking_created_dlq", pub.published[0].queue)
	assert.Equal(t, "1", pub.published[0].headers[HeaderRetryCount])
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeadLettered.WithLabelValues("booking_created")))
}

func TestWrap_TechnicalFailureRequeuesBeforeDeadLettering(t *testing.T) {
	log := logger.New("test")
	calls := 0
	handler := func(ctx context.Context, d amqp.Delivery) error {
		calls++
		return failure.NewTechnical(errors.New("connection reset"))
	}

	pub := &fakePublisher{}
	m := metrics.NewSagaMetrics("consumerrt_test_technical")
	wrapped := Wrap("payment_succeeded", handler, pub, fastOptions, log, m)

	// The same message (same eventId) comes back on every requeue round.
	d := amqp.Delivery{Body: []byte(`{"eventId":"e2b4a2d0-0000-0000-0000-000000000001"}`)}

	for round := 1; round < fastOptions.MaxRequeue; round++ {
		outcome := wrapped(context.Background(), d)
		assert.Equal(t, broker.Requeue, outcome, "below the requeue threshold the broker redelivers")
		assert.Empty(t, pub.published)
	}

	outcome := wrapped(context.Background(), d)
	assert.Equal(t, broker.Ack, outcome, "dead-lettering acks the original off its main queue")
	assert.Equal(t, fastOptions.MaxRequeue*fastOptions.MaxAttempts, calls)

	require.Len(t, pub.published, 1)
	assert.Equal(t, "payment_succeeded_dlq", pub.published[0].queue)
	assert.Equal(t, "9", pub.published[0].headers[HeaderRetryCount])
	assert.Equal(t, "payment_succeeded", pub.published[0].headers[HeaderOriginalQueue])
	assert.Equal(t, "connection reset", pub.published[0].headers[HeaderErrorMessage])
	assert.Equal(t, float64(fastOptions.MaxRequeue-1), testutil.ToFloat64(m.ConsumerRequeued.WithLabelValues("payment_succeeded")))
}

func TestWrap_SuccessClearsRequeueCounter(t *testing.T) {
	log := logger.New("test")
	calls := 0
	handler := func(ctx context.Context, d amqp.Delivery) error {
		calls++
		if calls <= fastOptions.MaxAttempts {
			return failure.NewTechnical(errors.New("transient timeout"))
		}
		return nil
	}

	pub := &fakePublisher{}
	wrapped := Wrap("payment_succeeded", handler, pub, fastOptions, log, nil)
	d := amqp.Delivery{Body: []byte(`{"eventId":"e2b4a2d0-0000-0000-0000-000000000002"}`)}

	assert.Equal(t, broker.Requeue, wrapped(context.Background(), d))
	assert.Equal(t, broker.Ack, wrapped(context.Background(), d))
	assert.Empty(t, pub.published, "a recovered delivery never touches the DLQ")
}

func TestWrap_TechnicalFailureThenRecoverySucceedsInline(t *testing.T) {
	log := logger.New("test")
	calls := 0
	handler := func(ctx context.Context, d amqp.Delivery) error {
		calls++
		if calls < 2 {
			return failure.NewTechnical(errors.New("transient timeout"))
		}
		return nil
	}

	outcome := Wrap("payment_succeeded", handler, &fakePublisher{}, fastOptions, log, nil)(context.Background(), amqp.Delivery{})
	assert.Equal(t, broker.Ack, outcome)
	assert.Equal(t, 2, calls)
}

func TestWrap_DeadLetterPublishFailureRequeues(t *testing.T) {
	log := logger.New("test")
	handler := func(ctx context.Context, d amqp.Delivery) error {
		return failure.NewBusiness("bad payload", errors.New("missing field"))
	}

	pub := &fakePublisher{failWith: errors.New("broker unavailable")}
	outcome := Wrap("booking_created", handler, pub, fastOptions, log, nil)(context.Background(), amqp.Delivery{})
	assert.Equal(t, broker.Requeue, outcome)
}

func TestOptions_WithDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, 2*time.Second, opts.BaseDelay)
	assert.Equal(t, 3, opts.MaxRequeue)
}

func TestDeliveryKey(t *testing.T) {
	withEnvelope := amqp.Delivery{Body: []byte(`{"eventId":"abc-123"}`), DeliveryTag: 7}
	assert.Equal(t, "abc-123", deliveryKey(withEnvelope))

	malformed := amqp.Delivery{Body: []byte(`not json`), DeliveryTag: 7}
	assert.Equal(t, "7", deliveryKey(malformed))
}

func TestParseRetryCount(t *testing.T) {
	assert.Equal(t, 0, ParseRetryCount(nil))
	assert.Equal(t, 0, ParseRetryCount(amqp.Table{}))
	assert.Equal(t, 0, ParseRetryCount(amqp.Table{HeaderRetryCount: 3}))
	assert.Equal(t, 3, ParseRetryCount(amqp.Table{HeaderRetryCount: "3"}))
}

func TestDeadLetterSink_InsertsAndAcks(t *testing.T) {
	store := &fakeDLQStore{}
	log := logger.New("test")

	d := amqp.Delivery{
		Body: []byte(`{"bookingId":"abc"}`),
		Headers: amqp.Table{
			HeaderOriginalQueue: "inventory_reserved",
			HeaderErrorMessage:  "connection reset",
			HeaderRetryCount:    "3",
		},
	}

	outcome := DeadLetterSink(store, "inventory", log, nil)(context.Background(), d)
	assert.Equal(t, broker.Ack, outcome)
	require.Len(t, store.inserted, 1)
	assert.Equal(t, "inventory_reserved", store.inserted[0].SourceQueue)
	assert.Equal(t, 3, store.inserted[0].AttemptCount)
}

func TestDeadLetterSink_RequeuesOnStoreFailure(t *testing.T) {
	store := &fakeDLQStore{failInsert: true}
	log := logger.New("test")
	m := metrics.NewSagaMetrics("consumerrt_test_requeue")

	outcome := DeadLetterSink(store, "inventory", log, m)(context.Background(), amqp.Delivery{})
	assert.Equal(t, broker.Requeue, outcome)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConsumerRequeued.WithLabelValues("")))
}

type fakeDLQStore struct {
	inserted   []deadletter.Message
	failInsert bool
}

func (f *fakeDLQStore) Insert(ctx context.Context, msg deadletter.Message) error {
	if f.failInsert {
		return errors.New("store unavailable")
	}
	f.inserted = append(f.inserted, msg)
	return nil
}

func (f *fakeDLQStore) Resolve(ctx context.Context, id uuid.UUID, resolvedBy, notes string) error {
	return nil
}
