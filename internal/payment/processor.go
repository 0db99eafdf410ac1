package payment

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

// Processor captures funds for a payment and reports a transaction ID or an
// error, grounded on payments/processor.Processor's single-method shape —
// generalized from a Stripe checkout-session call to a pluggable effect.
type Processor interface {
	Charge(ctx context.Context, p Payment) (transactionID string, err error)
}

// SimulatedProcessor stands in for a real card-network integration: it
// succeeds with probability SuccessRatio and otherwise returns an error, so
// tests can exercise both outcomes deterministically via a seeded ratio
// rather than a real payment network.
type SimulatedProcessor struct {
	SuccessRatio float64

	// The HTTP surface and the saga consumer share one processor; rand.Rand
	// is not safe for concurrent use.
	mu   sync.Mutex
	rand *rand.Rand
}

func NewSimulatedProcessor(successRatio float64, seed int64) *SimulatedProcessor {
	return &SimulatedProcessor{
		SuccessRatio: successRatio,
		rand:         rand.New(rand.NewSource(seed)),
	}
}

func (p *SimulatedProcessor) Charge(ctx context.Context, payment Payment) (string, error) {
	p.mu.Lock()
	roll := p.rand.Float64()
	p.mu.Unlock()

	if roll < p.SuccessRatio {
		return uuid.New().String(), nil
	}
	return "", fmt.Errorf("simulated processor declined charge for booking %s", payment.BookingID)
}
