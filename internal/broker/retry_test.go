package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffPolicy_Delay_BoundedByMaxDelay(t *testing.T) {
	p := BackoffPolicy{BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second, Factor: 2, MaxAttempts: 10}

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, p.MaxDelay)
	}
}

func TestBackoffPolicy_Delay_GrowsWithAttempt(t *testing.T) {
	p := BackoffPolicy{BaseDelay: 1 * time.Second, MaxDelay: 1 * time.Hour, Factor: 2, MaxAttempts: 5}

	// Raw (pre-jitter) ceiling at each attempt should double, so the delay
	// at a later attempt is capped by a strictly larger bound.
	assert.Less(t, p.Delay(0), 2*time.Second)
	assert.Less(t, p.Delay(3), 16*time.Second)
}

func TestDefaultConnectBackoff(t *testing.T) {
	p := DefaultConnectBackoff()
	assert.Equal(t, 5*time.Second, p.BaseDelay)
	assert.Equal(t, 60*time.Second, p.MaxDelay)
	assert.Equal(t, float64(2), p.Factor)
	assert.Equal(t, 10, p.MaxAttempts)
}

func TestRetry_SucceedsWithoutExhausting(t *testing.T) {
	attempts := 0
	p := BackoffPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1, MaxAttempts: 5}

	err := Retry(context.Background(), p, func(attempt int) error {
		attempts++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_ReturnsLastErrorOnExhaustion(t *testing.T) {
	p := BackoffPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1, MaxAttempts: 3}
	wantErr := errors.New("still failing")

	err := Retry(context.Background(), p, func(attempt int) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestRetry_StopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := BackoffPolicy{BaseDelay: time.Hour, MaxDelay: time.Hour, Factor: 1, MaxAttempts: 5}

	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, p, func(attempt int) error {
		attempts++
		return errors.New("keeps failing")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
