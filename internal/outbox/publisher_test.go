package outbox

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

	"github.com/harborline/bookingsaga/internal/deadletter"
	"github.com/harborline/bookingsaga/internal/logger"
	"github.com/harborline/bookingsaga/internal/metrics"
)

type fakeStore struct {
	unpublished []Message
	published   []uuid.UUID
	failures    map[uuid.UUID]int
}

func newFakeStore(msgs ...Message) *fakeStore {
	return &fakeStore{unpublished: msgs, failures: make(map[uuid.UUID]int)}
}

func (f *fakeStore) FetchUnpublished(ctx context.Context, limit int) ([]Message, error) {
	if limit < len(f.unpublished) {
		return f.unpublished[:limit], nil
	}
	return f.unpublished, nil
}

func (f *fakeStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeStore) RecordFailure(ctx context.Context, id uuid.UUID, errMsg string) (int, error) {
	f.failures[id]++
	return f.failures[id], nil
}

type fakeEventPublisher struct {
	published []string
	failWith  error
}

func (f *fakeEventPublisher) Publish(ctx context.Context, queue string, payload []byte, headers amqp.Table) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.published = append(f.published, queue)
	return nil
}

type fakeDLQ struct {
	inserted []deadletter.Message
}

func (f *fakeDLQ) Insert(ctx context.Context, msg deadletter.Message) error {
	f.inserted = append(f.inserted, msg)
	return nil
}

func (f *fakeDLQ) Resolve(ctx context.Context, id uuid.UUID, resolvedBy, notes string) error {
	return nil
}

func outboxMessage(eventType string, retryCount int) Message {
	return Message{
		ID:            uuid.New(),
		EventType:     eventType,
		Payload:       []byte(`{"eventId":"x"}`),
		CorrelationID: uuid.New(),
		CreatedAt:     time.Now().UTC().Add(-time.Minute),
		RetryCount:    retryCount,
	}
}

func TestPublisherConfig_WithDefaults(t *testing.T) {
	cfg := PublisherConfig{}.withDefaults()
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestPublisher_DrainMarksPublishedOnBrokerAccept(t *testing.T) {
	msg := outboxMessage("booking_created", 0)
	store := newFakeStore(msg)
	pub := &fakeEventPublisher{}
	dlq := &fakeDLQ{}
	m := metrics.NewSagaMetrics("outbox_test_accept")

	p := NewPublisher(store, pub, dlq, PublisherConfig{}, logger.New("test"), "booking", m)
	require.NoError(t, p.drainOnce(context.Background()))

	assert.Equal(t, []string{"booking_created"}, pub.published)
	assert.Equal(t, []uuid.UUID{msg.ID}, store.published)
	assert.Empty(t, dlq.inserted)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OutboxPublished.WithLabelValues("booking_created")))
}

func TestPublisher_RecordsFailureBelowMaxRetries(t *testing.T) {
	msg := outboxMessage("payment_failed", 0)
	store := newFakeStore(msg)
	pub := &fakeEventPublisher{failWith: errors.New("broker unreachable")}
	dlq := &fakeDLQ{}

	p := NewPublisher(store, pub, dlq, PublisherConfig{MaxRetries: 3}, logger.New("test"), "payment", nil)
	require.NoError(t, p.drainOnce(context.Background()))

	assert.Equal(t, 1, store.failures[msg.ID], "a failed attempt is recorded")
	assert.Empty(t, store.published, "the row stays in the work set")
	assert.Empty(t, dlq.inserted)
}

func TestPublisher_SpillsToDeadLetterOnExhaustion(t *testing.T) {
	msg := outboxMessage("payment_failed", 2)
	store := newFakeStore(msg)
	store.failures[msg.ID] = 2
	pub := &fakeEventPublisher{failWith: errors.New("broker unreachable")}
	dlq := &fakeDLQ{}
	m := metrics.NewSagaMetrics("outbox_test_spill")

	p := NewPublisher(store, pub, dlq, PublisherConfig{MaxRetries: 3}, logger.New("test"), "payment", m)
	require.NoError(t, p.drainOnce(context.Background()))

	require.Len(t, dlq.inserted, 1)
	spilled := dlq.inserted[0]
	assert.Equal(t, "outbox_payment_failed", spilled.SourceQueue)
	assert.Equal(t, "payment_failed", spilled.EventType)
	assert.Equal(t, msg.Payload, spilled.Payload)
	assert.Equal(t, 3, spilled.AttemptCount)
	assert.Equal(t, msg.CreatedAt, spilled.FirstAttemptAt)
	assert.False(t, spilled.Resolved)

	assert.Equal(t, []uuid.UUID{msg.ID}, store.published, "a spilled row leaves the work set")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OutboxSpilled.WithLabelValues("payment_failed")))
}
