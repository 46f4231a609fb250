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

type orderState string

const (
	orderPlaced    orderState = "placed"
	orderRejected  orderState = "rejected"
	orderCancelled orderState = "cancelled"
	orderConfirmed orderState = "confirmed"
	// orderVoided marks an order cancelled before its create arrived. The
	// row only blocks a late create.
	orderVoided orderState = "voided"
)

// OrderRecord is the order service's own row for an order. It is separate
// from the coordinator's saga status.
type OrderRecord struct {
	ProductID int64
	Quantity  int
	Amount    float64
	State     orderState
	Reason    string
}

// OrderService creates, cancels and confirms orders.
type OrderService struct {
	base
	records  store.Store[uuid.UUID, OrderRecord]
	injector FailureInjector
}

func NewOrderService(records store.Store[uuid.UUID, OrderRecord], injector FailureInjector, logger observability.Logger, tracer observability.Tracer) *OrderService {
	s := &OrderService{records: records, injector: injector}
	s.base = base{
		name:   saga.OrderParticipant,
		logger: logger,
		tracer: tracer,
		handlers: map[saga.MessageType]handlerFunc{
			saga.CreateOrder:  s.create,
			saga.CancelOrder:  s.cancel,
			saga.ConfirmOrder: s.confirm,
		},
	}
	return s
}

// create writes the order row. Redelivery of the same request replays the
// first outcome; a second request for the same id with different attributes
// violates the uniqueness constraint and is rejected without touching the row.
// Requests no participant could satisfy are recorded as rejected, and so is a
// create that arrives after the order was voided.
func (s *OrderService) create(ctx context.Context, span trace.Span, cmd saga.Envelope) ([]saga.Envelope, error) {
	p, err := saga.Decode[saga.CreateOrderPayload](cmd)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("order.product_id", p.ProductID),
		attribute.Int("order.quantity", p.Quantity),
		attribute.Float64("order.amount", p.Amount),
	)

	invalid := p.Validate()
	var rec OrderRecord
	duplicate := false
	err = s.records.Update(ctx, cmd.OrderID, func(cur OrderRecord, found bool) (OrderRecord, store.Mutation, error) {
		if found {
			rec = cur
			duplicate = cur.State != orderVoided &&
				(cur.ProductID != p.ProductID || cur.Quantity != p.Quantity || cur.Amount != p.Amount)
			return cur, store.Skip, nil
		}
		rec = OrderRecord{ProductID: p.ProductID, Quantity: p.Quantity, Amount: p.Amount, State: orderPlaced}
		if invalid != nil {
			rec.State = orderRejected
			rec.Reason = saga.ReasonInvalidOrder
			return rec, store.Put, nil
		}
		if s.injector.ShouldFail(ctx, cmd.OrderID) {
			rec.State = orderRejected
			rec.Reason = saga.ReasonConstraintViolated
		}
		return rec, store.Put, nil
	})
	if err != nil {
		return nil, fmt.Errorf("write order %s: %w", cmd.OrderID, err)
	}

	switch {
	case duplicate:
		return emit(saga.OrderCreateFailed, cmd, saga.FailurePayload{Reason: saga.ReasonDuplicateOrder})
	case rec.State == orderRejected || rec.State == orderVoided:
		if invalid != nil {
			span.SetAttributes(attribute.String("order.invalid", invalid.Error()))
		}
		return emit(saga.OrderCreateFailed, cmd, saga.FailurePayload{Reason: rec.Reason})
	}
	return emit(saga.OrderCreated, cmd, saga.OrderCreatedPayload{
		ProductID: rec.ProductID,
		Quantity:  rec.Quantity,
		Amount:    rec.Amount,
	})
}

func (s *OrderService) cancel(ctx context.Context, _ trace.Span, cmd saga.Envelope) ([]saga.Envelope, error) {
	p, err := saga.Decode[saga.FailurePayload](cmd)
	if err != nil {
		return nil, err
	}
	if err := s.mark(ctx, cmd.OrderID, orderCancelled, p.Reason); err != nil {
		return nil, err
	}
	return emit(saga.OrderCancelled, cmd, saga.FailurePayload{Reason: p.Reason})
}

func (s *OrderService) confirm(ctx context.Context, _ trace.Span, cmd saga.Envelope) ([]saga.Envelope, error) {
	if _, err := saga.Decode[saga.EmptyPayload](cmd); err != nil {
		return nil, err
	}
	if err := s.mark(ctx, cmd.OrderID, orderConfirmed, ""); err != nil {
		return nil, err
	}
	return emit(saga.OrderConfirmed, cmd, saga.EmptyPayload{})
}

// mark records the final state of a placed order. Rows that were already
// finalized are left alone. Cancelling an order that does not exist yet voids
// it, so a create still in flight cannot place it afterwards.
func (s *OrderService) mark(ctx context.Context, id uuid.UUID, state orderState, reason string) error {
	err := s.records.Update(ctx, id, func(cur OrderRecord, found bool) (OrderRecord, store.Mutation, error) {
		if !found && state == orderCancelled {
			return OrderRecord{State: orderVoided, Reason: reason}, store.Put, nil
		}
		if !found || cur.State != orderPlaced {
			return cur, store.Skip, nil
		}
		cur.State = state
		cur.Reason = reason
		return cur, store.Put, nil
	})
	if err != nil {
		return fmt.Errorf("mark order %s %s: %w", id, state, err)
	}
	return nil
}

// Record returns the order service's row for id.
func (s *OrderService) Record(ctx context.Context, id uuid.UUID) (OrderRecord, bool, error) {
	return s.records.Get(ctx, id)
}
