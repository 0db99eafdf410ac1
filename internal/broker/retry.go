package broker

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy describes an exponential-backoff-with-jitter retry shape.
type BackoffPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	MaxAttempts int
}

// DefaultConnectBackoff is the connection-establishment retry shape: base
// 5s, factor 2, cap 60s, 10 attempts: at most 375s (~6 min) of backoff
// sleep across the 9 waits between attempts.
func DefaultConnectBackoff() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:   5 * time.Second,
		MaxDelay:    60 * time.Second,
		Factor:      2,
		MaxAttempts: 10,
	}
}

// Delay returns the backoff delay for the given attempt (0-indexed), with
// full jitter applied: a random duration in [0, computedDelay].
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	raw := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt))
	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	if raw <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(raw)) + 1)
}

// Retry runs fn up to p.MaxAttempts times, sleeping p.Delay(attempt) between
// attempts, until fn returns a nil error, ctx is cancelled, or attempts are
// exhausted (in which case the last error is returned).
func Retry(ctx context.Context, p BackoffPolicy, fn func(attempt int) error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return err
}
