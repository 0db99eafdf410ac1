package inventory

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockStore(t *testing.T) (sqlmock.Sqlmock, *Store) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err, "failed to create mock database")
	t.Cleanup(func() { db.Close() })
	return mock, &Store{db: db}
}

// anyUUID matches any UUID-shaped value when the exact generated
// reservation ID isn't known ahead of the call. database/sql has already
// run uuid.UUID through its Valuer by the time sqlmock compares, so the
// driver-level value is the string form.
type anyUUID struct{}

func (anyUUID) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func TestStore_Reserve_Success(t *testing.T) {
	mock, store := setupMockStore(t)

	bookingID := uuid.New()
	itemID := "ROOM-101"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT reservation_id, booking_id, item_id, quantity, status, expires_at, confirmed_at, released_at, release_reason\s+FROM reservations WHERE booking_id = \$1`).
		WithArgs(bookingID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT available_quantity FROM items WHERE item_id = \$1 FOR UPDATE`).
		WithArgs(itemID).
		WillReturnRows(sqlmock.NewRows([]string{"available_quantity"}).AddRow(int32(5)))
	mock.ExpectExec(`UPDATE items SET available_quantity = available_quantity - \$1, reserved_quantity = reserved_quantity \+ \$1`).
		WithArgs(int32(2), itemID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO reservations`).
		WithArgs(anyUUID{}, bookingID, itemID, int32(2), ReservationReserved, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO outbox_messages`).
		WithArgs(anyUUID{}, "inventory_reserved", sqlmock.AnyArg(), bookingID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.Reserve(context.Background(), bookingID, itemID, 2, 500)
	require.NoError(t, err)
	assert.Equal(t, bookingID, res.BookingID)
	assert.Equal(t, ReservationReserved, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Reserve_DuplicateBookingIsIdempotent(t *testing.T) {
	mock, store := setupMockStore(t)

	bookingID := uuid.New()
	reservationID := uuid.New()
	expiresAt := time.Now().UTC().Add(ReservationTTL)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT reservation_id, booking_id, item_id, quantity, status, expires_at, confirmed_at, released_at, release_reason`).
		WithArgs(bookingID).
		WillReturnRows(sqlmock.NewRows([]string{
			"reservation_id", "booking_id", "item_id", "quantity", "status", "expires_at", "confirmed_at", "released_at", "release_reason",
		}).AddRow(reservationID, bookingID, "ROOM-101", int32(2), ReservationReserved, expiresAt, nil, nil, nil))

	res, err := store.Reserve(context.Background(), bookingID, "ROOM-101", 2, 500)
	require.NoError(t, err)
	assert.Equal(t, reservationID, res.ReservationID)
	assert.Equal(t, ReservationReserved, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Reserve_InsufficientQuantityIsBusinessFailure(t *testing.T) {
	mock, store := setupMockStore(t)

	bookingID := uuid.New()
	itemID := "ROOM-101"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT reservation_id, booking_id, item_id, quantity, status, expires_at, confirmed_at, released_at, release_reason`).
		WithArgs(bookingID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT available_quantity FROM items WHERE item_id = \$1 FOR UPDATE`).
		WithArgs(itemID).
		WillReturnRows(sqlmock.NewRows([]string{"available_quantity"}).AddRow(int32(1)))
	mock.ExpectExec(`INSERT INTO outbox_messages`).
		WithArgs(anyUUID{}, "inventory_reservation_failed", sqlmock.AnyArg(), bookingID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.Reserve(context.Background(), bookingID, itemID, 5, 500)
	require.NoError(t, err, "insufficient quantity is a business outcome, not a technical error")
	assert.Equal(t, Reservation{}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Reserve_ItemNotFound(t *testing.T) {
	mock, store := setupMockStore(t)

	bookingID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT reservation_id, booking_id, item_id, quantity, status, expires_at, confirmed_at, released_at, release_reason`).
		WithArgs(bookingID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT available_quantity FROM items WHERE item_id = \$1 FOR UPDATE`).
		WithArgs("GHOST").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Reserve(context.Background(), bookingID, "GHOST", 1, 500)
	assert.ErrorIs(t, err, ErrItemNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Release_RestoresQuantitiesAndEmitsEvent(t *testing.T) {
	mock, store := setupMockStore(t)

	bookingID := uuid.New()
	reservationID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT reservation_id, item_id, quantity FROM reservations\s+WHERE booking_id = \$1 AND status = \$2 FOR UPDATE`).
		WithArgs(bookingID, ReservationReserved).
		WillReturnRows(sqlmock.NewRows([]string{"reservation_id", "item_id", "quantity"}).
			AddRow(reservationID, "ROOM-101", int32(2)))
	mock.ExpectExec(`UPDATE reservations SET status = \$1, released_at = now\(\), release_reason = \$2`).
		WithArgs(ReservationReleased, "payment failed", reservationID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE items SET available_quantity = available_quantity \+ \$1, reserved_quantity = reserved_quantity - \$1`).
		WithArgs(int32(2), "ROOM-101").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO outbox_messages`).
		WithArgs(anyUUID{}, "inventory_released", sqlmock.AnyArg(), bookingID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Release(context.Background(), bookingID, "payment failed")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Release_NoReservationIsNoOp(t *testing.T) {
	mock, store := setupMockStore(t)

	bookingID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT reservation_id, item_id, quantity FROM reservations`).
		WithArgs(bookingID, ReservationReserved).
		WillReturnError(sql.ErrNoRows)

	err := store.Release(context.Background(), bookingID, "already settled")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Confirm_TransitionsReservedToConfirmed(t *testing.T) {
	mock, store := setupMockStore(t)

	bookingID := uuid.New()

	mock.ExpectExec(`UPDATE reservations SET status = \$1, confirmed_at = now\(\)`).
		WithArgs(ReservationConfirmed, bookingID, ReservationReserved).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Confirm(context.Background(), bookingID)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Resolve_NotFoundReturnsError(t *testing.T) {
	mock, store := setupMockStore(t)

	id := uuid.New()
	mock.ExpectExec(`UPDATE dead_letter_messages`).
		WithArgs("operator", "handled manually", id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Resolve(context.Background(), id, "operator", "handled manually")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
