package payment

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSimulatedProcessor_DeterministicForGivenSeed(t *testing.T) {
	p := Payment{BookingID: uuid.New(), Amount: 1000}

	procA := NewSimulatedProcessor(0.5, 42)
	procB := NewSimulatedProcessor(0.5, 42)

	for i := 0; i < 20; i++ {
		txA, errA := procA.Charge(context.Background(), p)
		txB, errB := procB.Charge(context.Background(), p)
		assert.Equal(t, errA == nil, errB == nil, "same seed must produce the same outcome sequence")
		if errA == nil {
			assert.NotEmpty(t, txA)
			assert.NotEmpty(t, txB)
		}
	}
}

func TestSimulatedProcessor_AlwaysSucceedsAtRatioOne(t *testing.T) {
	proc := NewSimulatedProcessor(1, 1)
	p := Payment{BookingID: uuid.New()}

	for i := 0; i < 10; i++ {
		txID, err := proc.Charge(context.Background(), p)
		assert.NoError(t, err)
		assert.NotEmpty(t, txID)
	}
}

func TestSimulatedProcessor_AlwaysFailsAtRatioZero(t *testing.T) {
	proc := NewSimulatedProcessor(0, 1)
	p := Payment{BookingID: uuid.New()}

	for i := 0; i < 10; i++ {
		txID, err := proc.Charge(context.Background(), p)
		assert.Error(t, err)
		assert.Empty(t, txID)
	}
}
