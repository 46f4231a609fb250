package participant

import (
	"context"
	"math/rand/v2"

	"github.com/google/uuid"
)

// FailureInjector decides whether a participant's local operation fails.
// It stands in for the downstream system a real participant would call.
type FailureInjector interface {
	ShouldFail(ctx context.Context, orderID uuid.UUID) bool
}

// InjectorFunc adapts a function to FailureInjector.
type InjectorFunc func(ctx context.Context, orderID uuid.UUID) bool

func (f InjectorFunc) ShouldFail(ctx context.Context, orderID uuid.UUID) bool {
	return f(ctx, orderID)
}

// Fixed always or never fails.
type Fixed bool

const (
	Always Fixed = true
	Never  Fixed = false
)

func (f Fixed) ShouldFail(context.Context, uuid.UUID) bool { return bool(f) }

// Probabilistic fails with probability Rate.
type Probabilistic struct {
	Rate float64
	// Float returns a number in [0,1). Defaults to math/rand/v2.Float64.
	Float func() float64
}

func NewProbabilistic(rate float64) *Probabilistic {
	return &Probabilistic{Rate: rate, Float: rand.Float64}
}

func (p *Probabilistic) ShouldFail(context.Context, uuid.UUID) bool {
	if p.Rate <= 0 {
		return false
	}
	if p.Rate >= 1 {
		return true
	}
	f := p.Float
	if f == nil {
		f = rand.Float64
	}
	return f() < p.Rate
}

// OrderSet fails exactly for the orders it contains. It must not be modified
// once in use.
type OrderSet map[uuid.UUID]struct{}

func NewOrderSet(ids ...uuid.UUID) OrderSet {
	s := make(OrderSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s OrderSet) ShouldFail(_ context.Context, orderID uuid.UUID) bool {
	_, ok := s[orderID]
	return ok
}
