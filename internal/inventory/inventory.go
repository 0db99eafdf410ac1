// Package inventory is the only component in the saga with contended
// mutable shared state: it mutates InventoryItem quantities and
// InventoryReservation rows atomically under concurrent BookingCreated
// deliveries. Grounded on stock/store_postgres.go and
// stock/store_reservations.go, generalized from a multi-item
// quantity-per-order model to the one-reservation-per-booking model this
// saga uses.
package inventory

import (
	"time"

	"github.com/google/uuid"
)

// ReservationTTL is how long a RESERVED row stays active before the expiry
// sweep releases it, grounded on stock/store_reservations.go's
// ReservationTTL constant.
const ReservationTTL = 15 * time.Minute

// Item is a unit of bookable stock, keyed by a business ID (e.g. "ROOM-101")
// rather than a surrogate key — that business key is what reservations
// reference.
type Item struct {
	ItemID            string `json:"itemId"`
	TotalQuantity     int32  `json:"totalQuantity"`
	AvailableQuantity int32  `json:"availableQuantity"`
	ReservedQuantity  int32  `json:"reservedQuantity"`
}

// ReservationStatus is a reservation's lifecycle.
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Reservation is one booking's claim against an Item. bookingId is unique:
// that uniqueness is the idempotency pivot a duplicate BookingCreated
// delivery relies on.
type Reservation struct {
	ReservationID uuid.UUID         `json:"reservationId"`
	BookingID     uuid.UUID         `json:"bookingId"`
	ItemID        string            `json:"itemId"`
	Quantity      int32             `json:"quantity"`
	Status        ReservationStatus `json:"status"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	ConfirmedAt   *time.Time        `json:"confirmedAt,omitempty"`
	ReleasedAt    *time.Time        `json:"releasedAt,omitempty"`
	ReleaseReason *string           `json:"releaseReason,omitempty"`
}
