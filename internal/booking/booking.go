// Package booking is the entry point of the saga: it owns the Booking
// aggregate and its state machine, and is the service every reservation and
// payment outcome eventually reports back to. Grounded on orders/types.go
// and orders/service.go, generalized from Mongo/gRPC to the Postgres +
// broker-only shape this system uses for the booking service.
package booking

import (
	"time"

	"github.com/google/uuid"
)

// Status is the Booking state machine: PENDING is the only state with
// outgoing edges, CONFIRMED and CANCELLED are terminal sinks.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

// Booking is the aggregate root the rest of the saga coordinates around.
type Booking struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             string     `json:"userId"`
	RoomID             string     `json:"roomId"`
	Amount             int64      `json:"amount"`
	Status             Status     `json:"status"`
	CancellationReason *string    `json:"cancellationReason,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	ConfirmedAt        *time.Time `json:"confirmedAt,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
}

// CanTransitionTo reports whether the booking state machine permits moving
// from b.Status to next.
func (b *Booking) CanTransitionTo(next Status) bool {
	if b.Status != StatusPending {
		return false
	}
	return next == StatusConfirmed || next == StatusCancelled
}
