package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/harborline/bookingsaga/internal/events"
	"github.com/harborline/bookingsaga/internal/failure"
	"github.com/harborline/bookingsaga/internal/logger"
)

// ConsumerHandlers wires the three compensating/confirming events a booking
// reacts to, per the saga's event table: PaymentSucceeded confirms,
// PaymentFailed and InventoryReservationFailed both cancel.
type ConsumerHandlers struct {
	store *Store
	log   *slog.Logger
}

func NewConsumerHandlers(store *Store, log *slog.Logger) *ConsumerHandlers {
	return &ConsumerHandlers{store: store, log: log}
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
		return fmt.Errorf("booking consumer: confirm booking: %w", err)
	}

	log.Info("booking confirmed")
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

	reason := "Payment failed: " + data.ErrorMessage
	if err := c.store.Cancel(ctx, data.BookingID, reason); err != nil {
		return fmt.Errorf("booking consumer: cancel booking: %w", err)
	}

	log.Info("booking cancelled on payment failure")
	return nil
}

func (c *ConsumerHandlers) HandleInventoryReservationFailed(ctx context.Context, d amqp.Delivery) error {
	var env events.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return failure.NewBusiness("malformed event envelope", err)
	}
	var data events.InventoryReservationFailedData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return failure.NewBusiness("malformed reservation failed payload", err)
	}
	log := logger.WithCorrelation(c.log, env.CorrelationID.String(), data.BookingID.String())

	reason := "Inventory reservation failed: " + data.Reason
	if err := c.store.Cancel(ctx, data.BookingID, reason); err != nil {
		return fmt.Errorf("booking consumer: cancel booking: %w", err)
	}

	log.Info("booking cancelled on reservation failure")
	return nil
}
