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

type holdState string

const (
	holdReserved  holdState = "reserved"
	holdRefused   holdState = "refused"
	holdReleased  holdState = "released"
	holdCommitted holdState = "committed"
)

// Hold is the inventory service's ledger entry for an order. It outlives the
// reservation so redelivered commands replay their first outcome.
type Hold struct {
	ProductID int64
	Quantity  int
	Amount    float64
	State     holdState
	Reason    string
}

// InventoryService reserves, releases and commits stock. Live reservations
// are kept in the reservation store; at most one exists per order.
type InventoryService struct {
	base
	holds        store.Store[uuid.UUID, Hold]
	reservations saga.ReservationStore
	injector     FailureInjector
}

func NewInventoryService(holds store.Store[uuid.UUID, Hold], reservations saga.ReservationStore, injector FailureInjector, logger observability.Logger, tracer observability.Tracer) *InventoryService {
	s := &InventoryService{holds: holds, reservations: reservations, injector: injector}
	s.base = base{
		name:   saga.InventoryParticipant,
		logger: logger,
		tracer: tracer,
		handlers: map[saga.MessageType]handlerFunc{
			saga.ReserveInventory: s.reserve,
			saga.ReleaseInventory: s.release,
			saga.CommitInventory:  s.commit,
		},
	}
	return s
}

func (s *InventoryService) reserve(ctx context.Context, span trace.Span, cmd saga.Envelope) ([]saga.Envelope, error) {
	p, err := saga.Decode[saga.ReserveInventoryPayload](cmd)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("inventory.operation", "reserve"),
		attribute.Int64("inventory.product_id", p.ProductID),
		attribute.Int("inventory.quantity", p.Quantity),
	)

	var hold Hold
	err = s.holds.Update(ctx, cmd.OrderID, func(cur Hold, found bool) (Hold, store.Mutation, error) {
		if found {
			hold = cur
			return cur, store.Skip, nil
		}
		hold = Hold{ProductID: p.ProductID, Quantity: p.Quantity, Amount: p.Amount, State: holdReserved}
		if s.injector.ShouldFail(ctx, cmd.OrderID) {
			hold.State = holdRefused
			hold.Reason = saga.ReasonOutOfStock
			return hold, store.Put, nil
		}
		res := saga.Reservation{OrderID: cmd.OrderID, ProductID: p.ProductID, Quantity: p.Quantity}
		if err := s.reservations.Set(ctx, cmd.OrderID, res); err != nil {
			return cur, store.Skip, err
		}
		return hold, store.Put, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reserve stock for %s: %w", cmd.OrderID, err)
	}

	span.SetAttributes(attribute.Bool("inventory.available", hold.State != holdRefused))
	if hold.State == holdRefused {
		return emit(saga.InventoryFailed, cmd, saga.FailurePayload{Reason: hold.Reason})
	}
	return emit(saga.InventoryReserved, cmd, saga.InventoryReservedPayload{
		ProductID: hold.ProductID,
		Quantity:  hold.Quantity,
		Amount:    hold.Amount,
	})
}

// release gives back a held reservation. A redelivered release replays the
// recorded INVENTORY_RELEASED; without a hold it does nothing.
func (s *InventoryService) release(ctx context.Context, span trace.Span, cmd saga.Envelope) ([]saga.Envelope, error) {
	p, err := saga.Decode[saga.FailurePayload](cmd)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("inventory.operation", "release"))

	hold, ok, err := s.settle(ctx, cmd.OrderID, holdReleased, p.Reason)
	if err != nil || !ok {
		return nil, err
	}
	return emit(saga.InventoryReleased, cmd, saga.InventoryReleasedPayload{
		ProductID: hold.ProductID,
		Quantity:  hold.Quantity,
		Reason:    hold.Reason,
	})
}

// commit turns the reservation into an allocation once the order is paid.
func (s *InventoryService) commit(ctx context.Context, span trace.Span, cmd saga.Envelope) ([]saga.Envelope, error) {
	if _, err := saga.Decode[saga.EmptyPayload](cmd); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("inventory.operation", "commit"))

	hold, ok, err := s.settle(ctx, cmd.OrderID, holdCommitted, "")
	if err != nil || !ok {
		return nil, err
	}
	return emit(saga.InventoryCommitted, cmd, saga.InventoryCommittedPayload{
		ProductID: hold.ProductID,
		Quantity:  hold.Quantity,
	})
}

// settle moves a reserved hold to state and drops the live reservation. A
// hold already in state comes back as it was recorded, so the caller replays
// its event. ok is false for a missing hold or one settled the other way.
func (s *InventoryService) settle(ctx context.Context, id uuid.UUID, state holdState, reason string) (Hold, bool, error) {
	var (
		hold Hold
		ok   bool
	)
	err := s.holds.Update(ctx, id, func(cur Hold, found bool) (Hold, store.Mutation, error) {
		switch {
		case !found:
			return cur, store.Skip, nil
		case cur.State == state:
			hold, ok = cur, true
			return cur, store.Skip, nil
		case cur.State != holdReserved:
			return cur, store.Skip, nil
		}
		if err := s.reservations.Delete(ctx, id); err != nil {
			return cur, store.Skip, err
		}
		cur.State = state
		cur.Reason = reason
		hold, ok = cur, true
		return cur, store.Put, nil
	})
	if err != nil {
		return Hold{}, false, fmt.Errorf("settle reservation for %s: %w", id, err)
	}
	return hold, ok, nil
}

// Reservation returns the live reservation for id, if any.
func (s *InventoryService) Reservation(ctx context.Context, id uuid.UUID) (saga.Reservation, bool, error) {
	return s.reservations.Get(ctx, id)
}
