// Package payment is the saga's terminal effect: it captures funds against
// a booking and reports the outcome that confirms or compensates the rest
// of the saga. Grounded on payments/service.go and payments/processor, with
// the Stripe processor replaced by a simulated in-process effect and the
// gRPC fanning-out callback replaced by the broker-only event wiring.
package payment

import (
	"time"

	"github.com/google/uuid"
)

// Status is the Payment state machine.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusSuccess           Status = "SUCCESS"
	StatusFailed            Status = "FAILED"
	StatusPermanentlyFailed Status = "PERMANENTLY_FAILED"
)

// MaxRetries bounds the manual /payments/retry path; exceeding it moves the
// payment to PERMANENTLY_FAILED instead of raising to the caller.
const MaxRetries = 3

// Payment is at most one active record per booking; retries mutate this
// record rather than inserting new rows.
type Payment struct {
	ID            uuid.UUID  `json:"id"`
	BookingID     uuid.UUID  `json:"bookingId"`
	Amount        int64      `json:"amount"`
	Method        string     `json:"method"`
	Status        Status     `json:"status"`
	TransactionID *string    `json:"transactionId,omitempty"`
	ErrorMessage  *string    `json:"errorMessage,omitempty"`
	RetryCount    int        `json:"retryCount"`
	LastRetryAt   *time.Time `json:"lastRetryAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ProcessedAt   *time.Time `json:"processedAt,omitempty"`
}

// IsTerminal reports whether no further processing or retry should touch
// this payment.
func (p *Payment) IsTerminal() bool {
	return p.Status == StatusSuccess || p.Status == StatusPermanentlyFailed
}
