package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/harborline/bookingsaga/internal/events"
	"github.com/harborline/bookingsaga/internal/failure"
	"github.com/harborline/bookingsaga/internal/logger"
)

// ConsumerHandlers processes InventoryReserved to drive an automatic charge
// attempt. This system wires payment to follow InventoryReserved rather
// than BookingCreated, preserving saga ordering: a charge never fires ahead
// of a successful reservation.
type ConsumerHandlers struct {
	store     *Store
	processor Processor
	log       *slog.Logger
}

func NewConsumerHandlers(store *Store, processor Processor, log *slog.Logger) *ConsumerHandlers {
	return &ConsumerHandlers{store: store, processor: processor, log: log}
}

func (c *ConsumerHandlers) HandleInventoryReserved(ctx context.Context, d amqp.Delivery) error {
	var env events.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return failure.NewBusiness("malformed event envelope", err)
	}
	var data events.InventoryReservedData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return failure.NewBusiness("malformed inventory reserved payload", err)
	}
	log := logger.WithCorrelation(c.log, env.CorrelationID.String(), data.BookingID.String())

	existing, err := c.store.GetByBooking(ctx, data.BookingID)
	if err == nil && existing.IsTerminal() {
		log.Info("payment already terminal, skipping duplicate delivery")
		return nil
	}

	now := time.Now().UTC()
	pending := Payment{
		ID:        uuid.New(),
		BookingID: data.BookingID,
		Amount:    data.Amount,
		Method:    "default",
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	pending, err = c.store.UpsertPending(ctx, pending)
	if err != nil {
		return fmt.Errorf("payment consumer: upsert pending: %w", err)
	}

	txID, chargeErr := c.processor.Charge(ctx, pending)
	if _, err := c.store.RecordOutcome(ctx, data.BookingID, txID, chargeErr); err != nil {
		return fmt.Errorf("payment consumer: record outcome: %w", err)
	}

	log.Info("processed inventory reserved", slog.Bool("succeeded", chargeErr == nil))
	return nil
}
