// Package events defines the wire envelope shared by every event in the saga
// and the static event-type registry that replaces runtime reflection.
//
// Each event is a tagged variant: an EventName string plus a typed payload.
// Each service registers one decode+handle function per queue in its
// cmd/*/app.go; there is no generic/reflective dispatch anywhere in the
// runtime.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Canonical event names. These double as the canonical queue names: one
// queue per event type, plus a "<name>_dlq" counterpart.
const (
	BookingCreated             = "booking_created"
	InventoryReserved          = "inventory_reserved"
	InventoryReservationFailed = "inventory_reservation_failed"
	InventoryReleased          = "inventory_released"
	PaymentSucceeded           = "payment_succeeded"
	PaymentFailed              = "payment_failed"
	BookingCancelled           = "booking_cancelled"
)

// Envelope is the wire format for every event on every queue: a UTF-8 JSON
// document carrying a unique event ID, the event's name, the saga's
// correlation ID, a timestamp, and the event-specific body.
type Envelope struct {
	EventID       uuid.UUID       `json:"eventId"`
	EventName     string          `json:"eventName"`
	CorrelationID uuid.UUID       `json:"correlationId"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope marshals data into an Envelope, minting a fresh event ID and
// stamping the current time. correlationID is copied from the triggering
// event, never recomputed, so every event in one saga instance shares it.
func NewEnvelope(eventName string, correlationID uuid.UUID, data interface{}) (Envelope, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.New(),
		EventName:     eventName,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          body,
	}, nil
}

// BookingCreatedData is the payload of a BookingCreated event.
type BookingCreatedData struct {
	BookingID uuid.UUID `json:"bookingId"`
	UserID    string    `json:"userId"`
	RoomID    string    `json:"roomId"`
	Amount    int64     `json:"amount"` // minor units
}

// InventoryReservedData is the payload of an InventoryReserved event.
type InventoryReservedData struct {
	ReservationID uuid.UUID `json:"reservationId"`
	BookingID     uuid.UUID `json:"bookingId"`
	ItemID        string    `json:"itemId"`
	Quantity      int32     `json:"quantity"`
	Amount        int64     `json:"amount"` // carried through from BookingCreated so payment can charge the right amount
}

// InventoryReservationFailedData is the payload of an
// InventoryReservationFailed event.
type InventoryReservationFailedData struct {
	BookingID uuid.UUID `json:"bookingId"`
	ItemID    string    `json:"itemId"`
	Reason    string    `json:"reason"`
}

// InventoryReleasedData is the payload of an InventoryReleased event.
type InventoryReleasedData struct {
	ReservationID uuid.UUID `json:"reservationId"`
	BookingID     uuid.UUID `json:"bookingId"`
	ItemID        string    `json:"itemId"`
	Quantity      int32     `json:"quantity"`
	Reason        string    `json:"reason"`
}

// PaymentSucceededData is the payload of a PaymentSucceeded event.
type PaymentSucceededData struct {
	PaymentID     uuid.UUID `json:"paymentId"`
	BookingID     uuid.UUID `json:"bookingId"`
	TransactionID string    `json:"transactionId"`
	Amount        int64     `json:"amount"`
}

// PaymentFailedData is the payload of a PaymentFailed event.
type PaymentFailedData struct {
	PaymentID    uuid.UUID `json:"paymentId"`
	BookingID    uuid.UUID `json:"bookingId"`
	ErrorMessage string    `json:"errorMessage"`
}

// BookingCancelledData is the payload of a BookingCancelled event.
type BookingCancelledData struct {
	BookingID uuid.UUID `json:"bookingId"`
	Reason    string    `json:"reason"`
}
