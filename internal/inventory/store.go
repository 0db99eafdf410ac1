package inventory

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

var (
	ErrItemNotFound        = errors.New("inventory: item not found")
	ErrReservationNotFound = errors.New("inventory: reservation not found")
)

// Store is the Postgres-backed reservation engine. Every mutation of an
// item's quantities runs inside a transaction that takes a row-level write
// lock via SELECT ... FOR UPDATE, matching the serializable-update-path
// requirement on shared stock without paying for full SERIALIZABLE
// isolation — the actual idempotency guard is the UNIQUE constraint on
// reservations.booking_id, not the isolation level.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// NewStore opens the Postgres connection. ttl is how long a fresh
// reservation stays active before the expiry sweep releases it; values
// <= 0 take the ReservationTTL default.
func NewStore(connectionString string, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("inventory store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("inventory store: ping: %w", err)
	}
	return &Store{db: db, ttl: ttl}, nil
}

func (s *Store) reservationTTL() time.Duration {
	if s.ttl > 0 {
		return s.ttl
	}
	return ReservationTTL
}

func (s *Store) Close() error { return s.db.Close() }

const Schema = `
CREATE TABLE IF NOT EXISTS items (
	item_id text PRIMARY KEY,
	total_quantity int NOT NULL,
	available_quantity int NOT NULL,
	reserved_quantity int NOT NULL DEFAULT 0,
	updated_at timestamptz NOT NULL DEFAULT now(),
	CHECK (available_quantity >= 0),
	CHECK (reserved_quantity >= 0),
	CHECK (available_quantity + reserved_quantity = total_quantity)
);

CREATE TABLE IF NOT EXISTS reservations (
	reservation_id uuid PRIMARY KEY,
	booking_id uuid NOT NULL UNIQUE,
	item_id text NOT NULL REFERENCES items(item_id),
	quantity int NOT NULL,
	status text NOT NULL,
	expires_at timestamptz NOT NULL,
	confirmed_at timestamptz,
	released_at timestamptz,
	release_reason text
);
CREATE INDEX IF NOT EXISTS reservations_expiry_idx ON reservations (expires_at) WHERE status = 'RESERVED';

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

func (s *Store) GetItem(ctx context.Context, itemID string) (Item, error) {
	var it Item
	err := s.db.QueryRowContext(ctx, `
		SELECT item_id, total_quantity, available_quantity, reserved_quantity
		FROM items WHERE item_id = $1`, itemID).
		Scan(&it.ItemID, &it.TotalQuantity, &it.AvailableQuantity, &it.ReservedQuantity)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrItemNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("inventory store: get item: %w", err)
	}
	return it, nil
}

func (s *Store) ListItems(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, total_quantity, available_quantity, reserved_quantity
		FROM items ORDER BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("inventory store: list items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ItemID, &it.TotalQuantity, &it.AvailableQuantity, &it.ReservedQuantity); err != nil {
			return nil, fmt.Errorf("inventory store: scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Reserve implements reserve(bookingId, itemId, quantity): look up an
// existing reservation by bookingId first (the idempotency pivot — a
// duplicate BookingCreated delivery for a reserved booking returns the prior
// reservation unchanged), otherwise take a write lock on the item and either
// reserve or emit a business failure, atomically with the outbox row either
// way. An insufficient-quantity outcome stores no reservation row, so a
// redelivery for that booking is evaluated again against current stock.
func (s *Store) Reserve(ctx context.Context, bookingID uuid.UUID, itemID string, quantity int32, amount int64) (Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, fmt.Errorf("inventory store: begin: %w", err)
	}
	defer tx.Rollback()

	if existing, ok, err := getReservationByBooking(ctx, tx, bookingID); err != nil {
		return Reservation{}, err
	} else if ok {
		return existing, nil
	}

	var available int32
	err = tx.QueryRowContext(ctx, `
		SELECT available_quantity FROM items WHERE item_id = $1 FOR UPDATE`, itemID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, ErrItemNotFound
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("inventory store: lock item: %w", err)
	}

	if available < quantity {
		reason := fmt.Sprintf("insufficient available quantity for %s: requested %d, available %d", itemID, quantity, available)
		if err := insertOutboxEnvelope(ctx, tx, events.InventoryReservationFailed, bookingID, events.InventoryReservationFailedData{
			BookingID: bookingID,
			ItemID:    itemID,
			Reason:    reason,
		}); err != nil {
			return Reservation{}, err
		}
		if err := tx.Commit(); err != nil {
			return Reservation{}, fmt.Errorf("inventory store: commit reservation failure: %w", err)
		}
		return Reservation{}, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE items SET available_quantity = available_quantity - $1, reserved_quantity = reserved_quantity + $1, updated_at = now()
		WHERE item_id = $2`, quantity, itemID)
	if err != nil {
		return Reservation{}, fmt.Errorf("inventory store: decrement available: %w", err)
	}

	res := Reservation{
		ReservationID: uuid.New(),
		BookingID:     bookingID,
		ItemID:        itemID,
		Quantity:      quantity,
		Status:        ReservationReserved,
		ExpiresAt:     time.Now().UTC().Add(s.reservationTTL()),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (reservation_id, booking_id, item_id, quantity, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		res.ReservationID, res.BookingID, res.ItemID, res.Quantity, res.Status, res.ExpiresAt)
	if err != nil {
		return Reservation{}, fmt.Errorf("inventory store: insert reservation: %w", err)
	}

	if err := insertOutboxEnvelope(ctx, tx, events.InventoryReserved, bookingID, events.InventoryReservedData{
		ReservationID: res.ReservationID,
		BookingID:     bookingID,
		ItemID:        itemID,
		Quantity:      quantity,
		Amount:        amount,
	}); err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(); err != nil {
		return Reservation{}, fmt.Errorf("inventory store: commit reservation: %w", err)
	}
	return res, nil
}

// Confirm transitions RESERVED -> CONFIRMED on PaymentSucceeded. Quantities
// are left unchanged: CONFIRMED stock is treated as consumed, already
// reflected by the decrement Reserve made.
func (s *Store) Confirm(ctx context.Context, bookingID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET status = $1, confirmed_at = now()
		WHERE booking_id = $2 AND status = $3`,
		ReservationConfirmed, bookingID, ReservationReserved)
	if err != nil {
		return fmt.Errorf("inventory store: confirm reservation: %w", err)
	}
	return nil
}

// Release restores an item's quantities and marks the reservation RELEASED,
// in one transaction, on PaymentFailed or reservation expiry. No-op if the
// reservation is already terminal.
func (s *Store) Release(ctx context.Context, bookingID uuid.UUID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("inventory store: begin: %w", err)
	}
	defer tx.Rollback()

	var reservationID uuid.UUID
	var itemID string
	var quantity int32
	err = tx.QueryRowContext(ctx, `
		SELECT reservation_id, item_id, quantity FROM reservations
		WHERE booking_id = $1 AND status = $2 FOR UPDATE`, bookingID, ReservationReserved).
		Scan(&reservationID, &itemID, &quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inventory store: lock reservation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE reservations SET status = $1, released_at = now(), release_reason = $2
		WHERE reservation_id = $3`, ReservationReleased, reason, reservationID)
	if err != nil {
		return fmt.Errorf("inventory store: release reservation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE items SET available_quantity = available_quantity + $1, reserved_quantity = reserved_quantity - $1, updated_at = now()
		WHERE item_id = $2`, quantity, itemID)
	if err != nil {
		return fmt.Errorf("inventory store: restore quantities: %w", err)
	}

	if err := insertOutboxEnvelope(ctx, tx, events.InventoryReleased, bookingID, events.InventoryReleasedData{
		ReservationID: reservationID,
		BookingID:     bookingID,
		ItemID:        itemID,
		Quantity:      quantity,
		Reason:        reason,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// ExpireOverdue releases every RESERVED row past its expiry, for the
// background sweep in cmd/inventory.
func (s *Store) ExpireOverdue(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT booking_id FROM reservations WHERE status = $1 AND expires_at < now()`, ReservationReserved)
	if err != nil {
		return 0, fmt.Errorf("inventory store: find expired: %w", err)
	}
	var bookingIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("inventory store: scan expired: %w", err)
		}
		bookingIDs = append(bookingIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, id := range bookingIDs {
		if err := s.Release(ctx, id, "reservation expired"); err != nil {
			return count, fmt.Errorf("inventory store: release expired %s: %w", id, err)
		}
		count++
	}
	return count, nil
}

func getReservationByBooking(ctx context.Context, tx *sql.Tx, bookingID uuid.UUID) (Reservation, bool, error) {
	var r Reservation
	err := tx.QueryRowContext(ctx, `
		SELECT reservation_id, booking_id, item_id, quantity, status, expires_at, confirmed_at, released_at, release_reason
		FROM reservations WHERE booking_id = $1`, bookingID).
		Scan(&r.ReservationID, &r.BookingID, &r.ItemID, &r.Quantity, &r.Status, &r.ExpiresAt, &r.ConfirmedAt, &r.ReleasedAt, &r.ReleaseReason)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, false, nil
	}
	if err != nil {
		return Reservation{}, false, fmt.Errorf("inventory store: lookup reservation by booking: %w", err)
	}
	return r, true, nil
}

func insertOutboxEnvelope(ctx context.Context, tx *sql.Tx, eventName string, correlationID uuid.UUID, data interface{}) error {
	env, err := events.NewEnvelope(eventName, correlationID, data)
	if err != nil {
		return fmt.Errorf("inventory store: build envelope: %w", err)
	}
	payloadJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("inventory store: marshal envelope: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, event_type, payload, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		env.EventID, env.EventName, payloadJSON, env.CorrelationID, env.Timestamp)
	if err != nil {
		return fmt.Errorf("inventory store: insert outbox message: %w", err)
	}
	return nil
}

// FetchUnpublished implements outbox.Store.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]outbox.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, payload, correlation_id, created_at, retry_count
		FROM outbox_messages WHERE NOT published ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("inventory store: fetch unpublished: %w", err)
	}
	defer rows.Close()

	var out []outbox.Message
	for rows.Next() {
		var m outbox.Message
		if err := rows.Scan(&m.ID, &m.EventType, &m.Payload, &m.CorrelationID, &m.CreatedAt, &m.RetryCount); err != nil {
			return nil, fmt.Errorf("inventory store: scan outbox message: %w", err)
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
		return fmt.Errorf("inventory store: mark published: %w", err)
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
		return 0, fmt.Errorf("inventory store: record failure: %w", err)
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
		return fmt.Errorf("inventory store: insert dead letter: %w", err)
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
		return fmt.Errorf("inventory store: resolve dead letter: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("inventory store: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("inventory store: dead letter %s not found or already resolved", id)
	}
	return nil
}
