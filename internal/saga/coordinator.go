package saga

import (
	"context"
	"fmt"
	"time"

	"ordersaga/internal/platform/observability"
	"ordersaga/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Coordinator applies events to the order state store and decides which
// commands come next.
type Coordinator interface {
	// Begin registers a pending record for a saga that was just started.
	Begin(ctx context.Context, id uuid.UUID, req CreateOrderPayload) error
	HandleEvent(ctx context.Context, env Envelope) ([]Command, error)
	Mode() Mode
}

// OrderStore is the order state register, keyed by order id.
type OrderStore = store.Store[uuid.UUID, Order]

// ReservationStore holds live reservations, keyed by order id.
type ReservationStore = store.Store[uuid.UUID, Reservation]

var (
	_ Coordinator = (*Orchestrator)(nil)
	_ Coordinator = (*Choreographer)(nil)
)

type engine struct {
	mode    Mode
	orders  OrderStore
	logger  observability.Logger
	metrics *Metrics
	now     func() time.Time
}

// Option customizes a coordinator.
type Option func(*engine)

// WithMetrics records terminal outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(e *engine) { e.metrics = m }
}

// WithClock replaces time.Now for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(e *engine) { e.now = now }
}

func newEngine(mode Mode, orders OrderStore, logger observability.Logger, opts ...Option) engine {
	e := engine{
		mode:   mode,
		orders: orders,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func (e *engine) Mode() Mode { return e.mode }

// Begin writes the pending record for id so the order is visible, and can be
// swept, before the order participant answers. A record that already exists
// means an event got there first and is left alone.
func (e *engine) Begin(ctx context.Context, id uuid.UUID, req CreateOrderPayload) error {
	registered := false
	err := e.orders.Update(ctx, id, func(cur Order, found bool) (Order, store.Mutation, error) {
		if found {
			return cur, store.Skip, nil
		}
		registered = true
		return Order{
			ID:        id,
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			Amount:    req.Amount,
			UpdatedAt: e.now(),
		}, store.Put, nil
	})
	if err != nil {
		return fmt.Errorf("register order %s: %w", id, err)
	}
	e.logger.Debug("Saga registered",
		zap.String("order_id", id.String()),
		zap.Bool("pending", registered),
	)
	return nil
}

// handle runs Decide inside a per-order atomic update, so two deliveries for
// the same order never interleave their read and write.
func (e *engine) handle(ctx context.Context, env Envelope) (Transition, error) {
	var tr Transition
	err := e.orders.Update(ctx, env.OrderID, func(cur Order, _ bool) (Order, store.Mutation, error) {
		t, err := Decide(e.mode, cur, env)
		if err != nil {
			return cur, store.Skip, err
		}
		if !t.Changed {
			tr = t
			return cur, store.Skip, nil
		}
		t.Order.UpdatedAt = e.now()
		tr = t
		return t.Order, store.Put, nil
	})
	if err != nil {
		if IsProtocolError(err) {
			e.logger.Warn("Dropping event",
				zap.String("event_type", string(env.EventType)),
				zap.String("order_id", env.OrderID.String()),
				zap.Error(err),
			)
		}
		return Transition{}, err
	}

	fields := []zap.Field{
		zap.String("event_type", string(env.EventType)),
		zap.String("order_id", env.OrderID.String()),
		zap.String("status", string(tr.Order.Status)),
		zap.Int("commands", len(tr.Commands)),
	}
	if tr.Changed {
		e.logger.Info("Saga advanced", fields...)
	} else {
		e.logger.Debug("Saga unchanged", fields...)
	}
	if tr.Outcome != OutcomeNone {
		e.metrics.Record(ctx, e.mode, tr.Outcome)
		e.logger.Info("Saga finished",
			zap.String("order_id", env.OrderID.String()),
			zap.Stringer("outcome", tr.Outcome),
		)
	}
	return tr, nil
}

// Orchestrator is the central coordinator: every event comes to it and it
// sends every command, including compensations.
type Orchestrator struct {
	engine
}

func NewOrchestrator(orders OrderStore, logger observability.Logger, opts ...Option) *Orchestrator {
	return &Orchestrator{engine: newEngine(Orchestration, orders, logger, opts...)}
}

// HandleEvent records the transition for env and returns the commands to send.
func (o *Orchestrator) HandleEvent(ctx context.Context, env Envelope) ([]Command, error) {
	tr, err := o.handle(ctx, env)
	if err != nil {
		return nil, err
	}
	return tr.Commands, nil
}

// Choreographer tracks order status in choreography. Participants trigger
// their own commands, so the returned commands are what they will do; callers
// must not send them.
type Choreographer struct {
	engine
}

func NewChoreographer(orders OrderStore, logger observability.Logger, opts ...Option) *Choreographer {
	return &Choreographer{engine: newEngine(Choreography, orders, logger, opts...)}
}

func (c *Choreographer) HandleEvent(ctx context.Context, env Envelope) ([]Command, error) {
	tr, err := c.handle(ctx, env)
	if err != nil {
		return nil, err
	}
	return tr.Commands, nil
}

// New returns the coordinator for mode.
func New(mode Mode, orders OrderStore, logger observability.Logger, opts ...Option) (Coordinator, error) {
	switch mode {
	case Orchestration:
		return NewOrchestrator(orders, logger, opts...), nil
	case Choreography:
		return NewChoreographer(orders, logger, opts...), nil
	}
	_, err := ParseMode(string(mode))
	return nil, err
}
