// Package outbox implements the transactional outbox pattern: a per-service
// table/collection written in the same local transaction as the business
// change it reports, drained by a single polling publisher loop that spills
// to the dead-letter store on retry exhaustion.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is one row/document in a service's outbox.
type Message struct {
	ID            uuid.UUID
	EventType     string
	Payload       []byte
	CorrelationID uuid.UUID
	CreatedAt     time.Time
	Published     bool
	PublishedAt   *time.Time
	RetryCount    int
	LastError     *string
	LastAttemptAt *time.Time
}

// Store is the read/update side of the outbox the publisher loop needs.
// Insertion happens inline with the business transaction in each service's
// own store and is therefore not part of this interface.
type Store interface {
	// FetchUnpublished returns up to limit unpublished rows ordered by
	// CreatedAt ascending.
	FetchUnpublished(ctx context.Context, limit int) ([]Message, error)
	// MarkPublished sets published=true, publishedAt=now for id.
	MarkPublished(ctx context.Context, id uuid.UUID) error
	// RecordFailure increments retryCount and stores the error and attempt
	// timestamp, returning the new retry count.
	RecordFailure(ctx context.Context, id uuid.UUID, errMsg string) (int, error)
}
