package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/harborline/bookingsaga/internal/events"
	"github.com/harborline/bookingsaga/internal/failure"
	"github.com/harborline/bookingsaga/internal/logger"
	"github.com/harborline/bookingsaga/internal/metrics"
)

// ConsumerHandlers wires the events inventory reacts to: BookingCreated
// triggers the reservation attempt, PaymentSucceeded confirms it,
// PaymentFailed releases it.
type ConsumerHandlers struct {
	store   *CachedStore
	log     *slog.Logger
	metrics *metrics.SagaMetrics
}

// m may be nil, in which case reservation outcomes simply aren't counted.
func NewConsumerHandlers(store *CachedStore, log *slog.Logger, m *metrics.SagaMetrics) *ConsumerHandlers {
	return &ConsumerHandlers{store: store, log: log, metrics: m}
}

func (c *ConsumerHandlers) HandleBookingCreated(ctx context.Context, d amqp.Delivery) error {
	var env events.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return failure.NewBusiness("malformed event envelope", err)
	}
	var data events.BookingCreatedData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return failure.NewBusiness("malformed booking created payload", err)
	}
	log := logger.WithCorrelation(c.log, env.CorrelationID.String(), data.BookingID.String())

	res, err := c.store.Reserve(ctx, data.BookingID, data.RoomID, 1, data.Amount)
	c.store.InvalidateAfterMutation(ctx, data.RoomID)
	if errors.Is(err, ErrItemNotFound) {
		// A room nobody stocked can never be reserved; retrying won't
		// change that.
		return failure.NewBusiness("unknown inventory item "+data.RoomID, err)
	}
	if err != nil {
		return fmt.Errorf("inventory consumer: reserve: %w", err)
	}

	if c.metrics != nil {
		outcome := "reserved"
		if res.ReservationID == uuid.Nil {
			outcome = "insufficient"
		}
		c.metrics.ReservationOutcome.WithLabelValues(outcome).Inc()
	}

	log.Info("processed booking created", slog.String("room_id", data.RoomID))
	return nil
}

func (c *ConsumerHandlers) HandlePaymentSucceeded(ctx context.Context, d amqp.Delivery) error {
	var env events.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return failure.NewBusiness("malformed event envelope", err)
	}
	var data events.PaymentSucceededData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return failure.NewBusiness("malformed payment succeeded payload", err)
	}
	log := logger.WithCorrelation(c.log, env.CorrelationID.String(), data.BookingID.String())

	if err := c.store.Confirm(ctx, data.BookingID); err != nil {
		return fmt.Errorf("inventory consumer: confirm reservation: %w", err)
	}

	log.Info("confirmed reservation")
	return nil
}

func (c *ConsumerHandlers) HandlePaymentFailed(ctx context.Context, d amqp.Delivery) error {
	var env events.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return failure.NewBusiness("malformed event envelope", err)
	}
	var data events.PaymentFailedData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return failure.NewBusiness("malformed payment failed payload", err)
	}
	log := logger.WithCorrelation(c.log, env.CorrelationID.String(), data.BookingID.String())

	if err := c.store.Release(ctx, data.BookingID, "payment failed: "+data.ErrorMessage); err != nil {
		return fmt.Errorf("inventory consumer: release reservation: %w", err)
	}

	log.Info("released reservation on payment failure")
	return nil
}
