package events

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stretchr/testify/assert"
)

func TestNewEnvelope_StampsIDAndCopiesCorrelation(t *testing.T) {
	correlationID := uuid.New()
	data := BookingCreatedData{
		BookingID: correlationID,
		UserID:    "user-1",
		RoomID:    "ROOM-101",
		Amount:    2500,
	}

	env, err := NewEnvelope(BookingCreated, correlationID, data)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, env.EventID)
	assert.Equal(t, BookingCreated, env.EventName)
	assert.Equal(t, correlationID, env.CorrelationID)
	assert.False(t, env.Timestamp.IsZero())

	var decoded BookingCreatedData
	require.NoError(t, json.Unmarshal(env.Data, &decoded))
	assert.Equal(t, data, decoded)
}

func TestNewEnvelope_TwoEventsShareCorrelationNotEventID(t *testing.T) {
	correlationID := uuid.New()

	first, err := NewEnvelope(InventoryReserved, correlationID, InventoryReservedData{BookingID: correlationID})
	require.NoError(t, err)
	second, err := NewEnvelope(PaymentSucceeded, correlationID, PaymentSucceededData{BookingID: correlationID})
	require.NoError(t, err)

	assert.Equal(t, first.CorrelationID, second.CorrelationID)
	assert.NotEqual(t, first.EventID, second.EventID)
}

func TestEventTypesAreDistinctStrings(t *testing.T) {
	names := []string{
		BookingCreated, InventoryReserved, InventoryReservationFailed,
		InventoryReleased, PaymentSucceeded, PaymentFailed, BookingCancelled,
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		assert.False(t, seen[n], "duplicate event name %q", n)
		seen[n] = true
	}
}
