// Package deadletter is the single sink for every message the system cannot
// process, regardless of whether the failure originated in the outbox
// publisher, a consumer's bounded retry, or a business-rule termination
// like a payment's exhausted manual retries.
package deadletter

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is one dead-letter entry.
type Message struct {
	ID              uuid.UUID
	SourceQueue     string
	EventType       string
	Payload         []byte
	ErrorMessage    string
	AttemptCount    int
	FirstAttemptAt  time.Time
	FailedAt        time.Time
	Resolved        bool
	ResolvedAt      *time.Time
	ResolvedBy      *string
	ResolutionNotes *string
}

// Store appends poison messages and lets an operator resolve them later.
// Replay is deliberately not modeled here — it is an explicit operator
// action outside this core.
type Store interface {
	// Insert appends a new, unresolved dead-letter entry.
	Insert(ctx context.Context, msg Message) error
	// Resolve marks an entry resolved with operator-supplied notes. This is
	// intentionally not reachable from any HTTP route — resolution is a
	// privileged update performed outside this core.
	Resolve(ctx context.Context, id uuid.UUID, resolvedBy, notes string) error
}
