package participant

import (
	"context"
	"fmt"

	"ordersaga/internal/platform/observability"
	"ordersaga/internal/saga"
	"ordersaga/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type chargeState string

const (
	chargeCaptured chargeState = "captured"
	chargeDeclined chargeState = "declined"
	chargeRefunded chargeState = "refunded"
)

// Charge is the payment ledger entry for an order.
type Charge struct {
	Amount float64
	State  chargeState
	Reason string
}

// PaymentService captures and refunds payments.
type PaymentService struct {
	base
	charges  store.Store[uuid.UUID, Charge]
	injector FailureInjector
}

func NewPaymentService(charges store.Store[uuid.UUID, Charge], injector FailureInjector, logger observability.Logger, tracer observability.Tracer) *PaymentService {
	s := &PaymentService{charges: charges, injector: injector}
	s.base = base{
		name:   saga.PaymentParticipant,
		logger: logger,
		tracer: tracer,
		handlers: map[saga.MessageType]handlerFunc{
			saga.ProcessPayment: s.process,
			saga.RefundPayment:  s.refund,
		},
	}
	return s
}

func (s *PaymentService) process(ctx context.Context, span trace.Span, cmd saga.Envelope) ([]saga.Envelope, error) {
	p, err := saga.Decode[saga.ProcessPaymentPayload](cmd)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Float64("payment.amount", p.Amount))

	var charge Charge
	err = s.charges.Update(ctx, cmd.OrderID, func(cur Charge, found bool) (Charge, store.Mutation, error) {
		if found {
			charge = cur
			return cur, store.Skip, nil
		}
		charge = Charge{Amount: p.Amount, State: chargeCaptured}
		if s.injector.ShouldFail(ctx, cmd.OrderID) {
			charge.State = chargeDeclined
			charge.Reason = saga.ReasonCardDeclined
		}
		return charge, store.Put, nil
	})
	if err != nil {
		return nil, fmt.Errorf("charge %s: %w", cmd.OrderID, err)
	}

	if charge.State == chargeDeclined {
		return emit(saga.PaymentFailed, cmd, saga.FailurePayload{Reason: charge.Reason})
	}
	return emit(saga.PaymentSucceeded, cmd, saga.PaymentSucceededPayload{Amount: charge.Amount})
}

// refund reverses a captured charge. Refunds are assumed to succeed. A
// redelivered refund replays PAYMENT_REFUNDED; without a captured charge
// there is nothing to do.
func (s *PaymentService) refund(ctx context.Context, _ trace.Span, cmd saga.Envelope) ([]saga.Envelope, error) {
	p, err := saga.Decode[saga.FailurePayload](cmd)
	if err != nil {
		return nil, err
	}

	var (
		charge   Charge
		refunded bool
	)
	err = s.charges.Update(ctx, cmd.OrderID, func(cur Charge, found bool) (Charge, store.Mutation, error) {
		switch {
		case found && cur.State == chargeRefunded:
			charge, refunded = cur, true
			return cur, store.Skip, nil
		case !found || cur.State != chargeCaptured:
			return cur, store.Skip, nil
		}
		cur.State = chargeRefunded
		cur.Reason = p.Reason
		charge, refunded = cur, true
		return cur, store.Put, nil
	})
	if err != nil {
		return nil, fmt.Errorf("refund %s: %w", cmd.OrderID, err)
	}
	if !refunded {
		return nil, nil
	}
	return emit(saga.PaymentRefunded, cmd, saga.PaymentRefundedPayload{Amount: charge.Amount, Reason: charge.Reason})
}

// Charge returns the ledger entry for id.
func (s *PaymentService) Charge(ctx context.Context, id uuid.UUID) (Charge, bool, error) {
	return s.charges.Get(ctx, id)
}
