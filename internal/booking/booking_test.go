package booking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBooking_CanTransitionTo(t *testing.T) {
	cases := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to confirmed", StatusPending, StatusConfirmed, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to pending", StatusPending, StatusPending, false},
		{"confirmed is terminal", StatusConfirmed, StatusCancelled, false},
		{"cancelled is terminal", StatusCancelled, StatusConfirmed, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &Booking{Status: tc.from}
			assert.Equal(t, tc.want, b.CanTransitionTo(tc.to))
		})
	}
}
