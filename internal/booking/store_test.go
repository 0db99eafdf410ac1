package booking

import (
	"context"
	"database/sql"
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

func TestStore_Create_InsertsBookingAndOutboxInOneTransaction(t *testing.T) {
	mock, store := setupMockStore(t)

	b := Booking{
		ID:        uuid.New(),
		UserID:    "user-1",
		RoomID:    "ROOM-101",
		Amount:    15000,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO bookings`).
		WithArgs(b.ID, b.UserID, b.RoomID, b.Amount, b.Status, b.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO outbox_messages`).
		WithArgs(sqlmock.AnyArg(), "booking_created", sqlmock.AnyArg(), b.ID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Create(context.Background(), b)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get_NotFound(t *testing.T) {
	mock, store := setupMockStore(t)

	id := uuid.New()
	mock.ExpectQuery(`SELECT id, user_id, room_id, amount, status, cancellation_reason`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Confirm_OnlyAffectsPendingBookings(t *testing.T) {
	mock, store := setupMockStore(t)

	id := uuid.New()
	mock.ExpectExec(`UPDATE bookings SET status = \$1, confirmed_at = \$2, updated_at = \$2`).
		WithArgs(StatusConfirmed, sqlmock.AnyArg(), id, StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Confirm(context.Background(), id)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Cancel_EmitsBookingCancelledWhenRowAffected(t *testing.T) {
	mock, store := setupMockStore(t)

	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE bookings SET status = \$1, cancellation_reason = \$2, cancelled_at = \$3, updated_at = \$3`).
		WithArgs(StatusCancelled, "payment failed", sqlmock.AnyArg(), id, StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO outbox_messages`).
		WithArgs(sqlmock.AnyArg(), "booking_cancelled", sqlmock.AnyArg(), id, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Cancel(context.Background(), id, "payment failed")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Cancel_NoOpWhenAlreadyTerminal(t *testing.T) {
	mock, store := setupMockStore(t)

	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE bookings SET status = \$1, cancellation_reason = \$2, cancelled_at = \$3, updated_at = \$3`).
		WithArgs(StatusCancelled, "duplicate delivery", sqlmock.AnyArg(), id, StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Cancel(context.Background(), id, "duplicate delivery")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RecordFailure_ReturnsIncrementedRetryCount(t *testing.T) {
	mock, store := setupMockStore(t)

	id := uuid.New()
	mock.ExpectQuery(`UPDATE outbox_messages\s+SET retry_count = retry_count \+ 1`).
		WithArgs("broker unreachable", id).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(2))

	count, err := store.RecordFailure(context.Background(), id, "broker unreachable")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Resolve_NotFoundReturnsError(t *testing.T) {
	mock, store := setupMockStore(t)

	id := uuid.New()
	mock.ExpectExec(`UPDATE dead_letter_messages`).
		WithArgs("operator", "retried manually", id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Resolve(context.Background(), id, "operator", "retried manually")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
