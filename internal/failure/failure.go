// Package failure classifies saga handler errors into business failures
// (expected domain outcomes) and technical failures (infrastructure
// trouble): only technical failures enter the consumer runtime's retry
// pipeline.
package failure

import "errors"

// Business wraps an expected domain outcome — insufficient inventory, a
// booking already in a terminal state, a payment not eligible for retry.
// The consumer runtime never retries a Business failure: it publishes the
// delivery to the queue's "_dlq" counterpart on the first attempt and acks
// the original.
type Business struct {
	Reason string
	Err    error
}

func (b *Business) Error() string {
	if b.Err != nil {
		return b.Reason + ": " + b.Err.Error()
	}
	return b.Reason
}

func (b *Business) Unwrap() error { return b.Err }

// NewBusiness builds a Business failure with a human-readable reason.
func NewBusiness(reason string, err error) *Business {
	return &Business{Reason: reason, Err: err}
}

// Technical wraps an infrastructure fault — database timeout, broker
// unreachable, network loss. The consumer runtime retries these up to the
// bounded attempt count before routing to the DLQ.
type Technical struct {
	Err error
}

func (t *Technical) Error() string { return t.Err.Error() }
func (t *Technical) Unwrap() error { return t.Err }

// NewTechnical wraps err as a Technical failure.
func NewTechnical(err error) *Technical {
	return &Technical{Err: err}
}

// IsBusiness reports whether err (or anything it wraps) is a Business failure.
func IsBusiness(err error) bool {
	var b *Business
	return errors.As(err, &b)
}
