package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBusiness(t *testing.T) {
	base := errors.New("insufficient stock")

	assert.True(t, IsBusiness(NewBusiness("insufficient stock", base)))
	assert.True(t, IsBusiness(fmt.Errorf("wrapped: %w", NewBusiness("insufficient stock", base))))
	assert.False(t, IsBusiness(NewTechnical(base)))
	assert.False(t, IsBusiness(base))
}

func TestBusiness_Error(t *testing.T) {
	withCause := NewBusiness("payment not eligible for retry", errors.New("already settled"))
	assert.Equal(t, "payment not eligible for retry: already settled", withCause.Error())

	withoutCause := NewBusiness("booking already terminal", nil)
	assert.Equal(t, "booking already terminal", withoutCause.Error())
}

func TestBusiness_Unwrap(t *testing.T) {
	cause := errors.New("already settled")
	b := NewBusiness("payment not eligible for retry", cause)
	assert.ErrorIs(t, b, cause)
}

func TestTechnical_Error(t *testing.T) {
	cause := errors.New("connection reset")
	techErr := NewTechnical(cause)
	assert.Equal(t, "connection reset", techErr.Error())
	assert.ErrorIs(t, techErr, cause)
}
