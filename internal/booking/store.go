package booking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/harborline/bookingsaga/internal/deadletter"
	"github.com/harborline/bookingsaga/internal/events"
	"github.com/harborline/bookingsaga/internal/outbox"
)

var ErrNotFound = errors.New("booking: not found")

// Store is the Postgres-backed persistence layer for bookings, grounded on
// stock/store_postgres.go's connection handling and
// stock/store_reservations.go's transaction style. It also owns the outbox
// and dead-letter tables so a booking write and its event commit atomically.
type Store struct {
	db *sql.DB
}

func NewStore(connectionString string) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("booking store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("booking store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Schema matches the DDL a migration for this service would run; kept here
// as the authoritative column list the rest of this file assumes.
const Schema = `
CREATE TABLE IF NOT EXISTS bookings (
	id uuid PRIMARY KEY,
	user_id text NOT NULL,
	room_id text NOT NULL,
	amount bigint NOT NULL,
	status text NOT NULL,
	cancellation_reason text,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now(),
	confirmed_at timestamptz,
	cancelled_at timestamptz
);

CREATE TABLE IF NOT EXISTS outbox_messages (
	id uuid PRIMARY KEY,
	event_type text NOT NULL,
	payload jsonb NOT NULL,
	correlation_id uuid NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	published boolean NOT NULL DEFAULT false,
	published_at timestamptz,
	retry_count int NOT NULL DEFAULT 0,
	last_error text,
	last_attempt_at timestamptz
);
CREATE INDEX IF NOT EXISTS outbox_messages_unpublished_idx ON outbox_messages (created_at) WHERE NOT published;

CREATE TABLE IF NOT EXISTS dead_letter_messages (
	id uuid PRIMARY KEY,
	source_queue text NOT NULL,
	event_type text NOT NULL,
	payload jsonb NOT NULL,
	error_message text NOT NULL,
	attempt_count int NOT NULL,
	first_attempt_at timestamptz NOT NULL,
	failed_at timestamptz NOT NULL,
	resolved boolean NOT NULL DEFAULT false,
	resolved_at timestamptz,
	resolved_by text,
	resolution_notes text
);
CREATE INDEX IF NOT EXISTS dead_letter_messages_unresolved_idx ON dead_letter_messages (resolved, failed_at);
CREATE INDEX IF NOT EXISTS dead_letter_messages_event_type_idx ON dead_letter_messages (event_type);
CREATE INDEX IF NOT EXISTS dead_letter_messages_source_queue_idx ON dead_letter_messages (source_queue);
`

// Create inserts a new PENDING booking and its BookingCreated outbox message
// in one transaction, so the two can never diverge.
func (s *Store) Create(ctx context.Context, b Booking) error {
	payload, err := events.NewEnvelope(events.BookingCreated, b.ID, events.BookingCreatedData{
		BookingID: b.ID,
		UserID:    b.UserID,
		RoomID:    b.RoomID,
		Amount:    b.Amount,
	})
	if err != nil {
		return fmt.Errorf("booking store: build envelope: %w", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("booking store: marshal envelope: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("booking store: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bookings (id, user_id, room_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		b.ID, b.UserID, b.RoomID, b.Amount, b.Status, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("booking store: insert booking: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, event_type, payload, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		payload.EventID, payload.EventName, payloadJSON, payload.CorrelationID, payload.Timestamp)
	if err != nil {
		return fmt.Errorf("booking store: insert outbox message: %w", err)
	}

	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (Booking, error) {
	var b Booking

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, room_id, amount, status, cancellation_reason,
		       created_at, updated_at, confirmed_at, cancelled_at
		FROM bookings WHERE id = $1`, id).
		Scan(&b.ID, &b.UserID, &b.RoomID, &b.Amount, &b.Status, &b.CancellationReason,
			&b.CreatedAt, &b.UpdatedAt, &b.ConfirmedAt, &b.CancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Booking{}, ErrNotFound
	}
	if err != nil {
		return Booking{}, fmt.Errorf("booking store: get: %w", err)
	}
	return b, nil
}

// Confirm moves a booking PENDING -> CONFIRMED on PaymentSucceeded. It is a
// no-op if the booking is already terminal, since the triggering event may
// be redelivered.
func (s *Store) Confirm(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE bookings SET status = $1, confirmed_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4`,
		StatusConfirmed, now, id, StatusPending)
	if err != nil {
		return fmt.Errorf("booking store: confirm: %w", err)
	}
	return nil
}

// Cancel moves a booking PENDING -> CANCELLED on PaymentFailed or
// InventoryReservationFailed, and in the same transaction inserts the
// follow-on BookingCancelled outbox row. No-op if already terminal.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("booking store: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE bookings SET status = $1, cancellation_reason = $2, cancelled_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5`,
		StatusCancelled, reason, now, id, StatusPending)
	if err != nil {
		return fmt.Errorf("booking store: cancel: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("booking store: rows affected: %w", err)
	}
	if rows == 0 {
		return nil
	}

	envelope, err := events.NewEnvelope(events.BookingCancelled, id, events.BookingCancelledData{
		BookingID: id,
		Reason:    reason,
	})
	if err != nil {
		return fmt.Errorf("booking store: build cancellation envelope: %w", err)
	}
	payloadJSON, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("booking store: marshal cancellation envelope: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, event_type, payload, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		envelope.EventID, envelope.EventName, payloadJSON, envelope.CorrelationID, envelope.Timestamp)
	if err != nil {
		return fmt.Errorf("booking store: insert cancellation outbox message: %w", err)
	}

	return tx.Commit()
}

// FetchUnpublished implements outbox.Store.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]outbox.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, payload, correlation_id, created_at, retry_count
		FROM outbox_messages WHERE NOT published ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("booking store: fetch unpublished: %w", err)
	}
	defer rows.Close()

	var out []outbox.Message
	for rows.Next() {
		var m outbox.Message
		if err := rows.Scan(&m.ID, &m.EventType, &m.Payload, &m.CorrelationID, &m.CreatedAt, &m.RetryCount); err != nil {
			return nil, fmt.Errorf("booking store: scan outbox message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkPublished implements outbox.Store.
func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages SET published = true, published_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("booking store: mark published: %w", err)
	}
	return nil
}

// RecordFailure implements outbox.Store.
func (s *Store) RecordFailure(ctx context.Context, id uuid.UUID, errMsg string) (int, error) {
	var retryCount int
	err := s.db.QueryRowContext(ctx, `
		UPDATE outbox_messages
		SET retry_count = retry_count + 1, last_error = $1, last_attempt_at = now()
		WHERE id = $2
		RETURNING retry_count`, errMsg, id).Scan(&retryCount)
	if err != nil {
		return 0, fmt.Errorf("booking store: record failure: %w", err)
	}
	return retryCount, nil
}

// Insert implements deadletter.Store.
func (s *Store) Insert(ctx context.Context, msg deadletter.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letter_messages
			(id, source_queue, event_type, payload, error_message, attempt_count, first_attempt_at, failed_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false)`,
		msg.ID, msg.SourceQueue, msg.EventType, msg.Payload, msg.ErrorMessage, msg.AttemptCount, msg.FirstAttemptAt, msg.FailedAt)
	if err != nil {
		return fmt.Errorf("booking store: insert dead letter: %w", err)
	}
	return nil
}

// Resolve implements deadletter.Store.
func (s *Store) Resolve(ctx context.Context, id uuid.UUID, resolvedBy, notes string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_messages
		SET resolved = true, resolved_at = now(), resolved_by = $1, resolution_notes = $2
		WHERE id = $3 AND NOT resolved`, resolvedBy, notes, id)
	if err != nil {
		return fmt.Errorf("booking store: resolve dead letter: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("booking store: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("booking store: dead letter %s not found or already resolved", id)
	}
	return nil
}
