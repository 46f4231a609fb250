package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordersaga/internal/config"
	"ordersaga/internal/messaging"
	"ordersaga/internal/participant"
	"ordersaga/internal/platform/observability"
	"ordersaga/internal/producer"
	"ordersaga/internal/saga"
	"ordersaga/internal/store"
	"ordersaga/internal/supervisor"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Injectors decide which participant operations fail.
type Injectors struct {
	Order     participant.FailureInjector
	Inventory participant.FailureInjector
	Payment   participant.FailureInjector
}

// Options configure a Runtime.
type Options struct {
	Mode      saga.Mode
	Transport messaging.Transport
	Injectors Injectors
	Logger    observability.Logger
	Tracer    observability.Tracer
	Metrics   *saga.Metrics

	PublishRetries uint
	Deadline       time.Duration
	SweepInterval  time.Duration
}

// Runtime is one saga topology: the participants, the coordinator, the
// supervisor and the consumers that connect them to the transport.
type Runtime struct {
	mode   saga.Mode
	logger observability.Logger

	orders       saga.OrderStore
	reservations saga.ReservationStore

	order     *participant.OrderService
	inventory *participant.InventoryService
	payment   *participant.PaymentService

	coordinator saga.Coordinator
	producer    *producer.Producer
	sweeper     *supervisor.Sweeper
	consumers   []*messaging.ConsumerService
}

func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Transport == nil {
		return nil, errors.New("runtime needs a transport")
	}
	inj := opts.Injectors
	if inj.Order == nil {
		inj.Order = participant.Never
	}
	if inj.Inventory == nil {
		inj.Inventory = participant.Never
	}
	if inj.Payment == nil {
		inj.Payment = participant.Never
	}

	logger := opts.Logger
	publisher := messaging.NewRetryingPublisher(opts.Transport, opts.PublishRetries, logger)

	r := &Runtime{
		mode:         opts.Mode,
		logger:       logger,
		orders:       store.NewUUIDMemory[saga.Order](),
		reservations: store.NewUUIDMemory[saga.Reservation](),
	}

	r.order = participant.NewOrderService(store.NewUUIDMemory[participant.OrderRecord](), inj.Order,
		logger.With(zap.String("participant", string(saga.OrderParticipant))), opts.Tracer)
	r.inventory = participant.NewInventoryService(store.NewUUIDMemory[participant.Hold](), r.reservations, inj.Inventory,
		logger.With(zap.String("participant", string(saga.InventoryParticipant))), opts.Tracer)
	r.payment = participant.NewPaymentService(store.NewUUIDMemory[participant.Charge](), inj.Payment,
		logger.With(zap.String("participant", string(saga.PaymentParticipant))), opts.Tracer)

	coordinator, err := saga.New(opts.Mode, r.orders, logger.With(zap.String("coordinator", string(opts.Mode))),
		saga.WithMetrics(opts.Metrics))
	if err != nil {
		return nil, err
	}
	r.coordinator = coordinator
	r.producer = producer.New(publisher, coordinator, logger, opts.Tracer, opts.Metrics)

	if opts.Deadline > 0 && opts.SweepInterval > 0 {
		r.sweeper = supervisor.NewSweeper(opts.Mode, r.orders, publisher, opts.Deadline, opts.SweepInterval,
			logger.With(zap.String("component", "supervisor")), supervisor.WithMetrics(opts.Metrics))
	}

	type subscription struct {
		topic, group string
		handler      messaging.Handler
	}
	coordinatorListener := messaging.NewCoordinatorListener(coordinator, publisher, logger)
	var subs []subscription
	switch opts.Mode {
	case saga.Orchestration:
		subs = []subscription{
			{config.CommandsTopic, config.OrderGroup, messaging.NewCommandListener(r.order, publisher, logger)},
			{config.CommandsTopic, config.InventoryGroup, messaging.NewCommandListener(r.inventory, publisher, logger)},
			{config.CommandsTopic, config.PaymentGroup, messaging.NewCommandListener(r.payment, publisher, logger)},
			{config.EventsTopic, config.OrchestratorGroup, coordinatorListener},
		}
	case saga.Choreography:
		// Only CREATE_ORDER travels on the command topic; everything after it is
		// a reaction to an event.
		subs = []subscription{
			{config.CommandsTopic, config.OrderGroup, messaging.NewCommandListener(r.order, publisher, logger)},
			{config.EventsTopic, config.OrderEventsGroup, messaging.NewReactionListener(r.order, publisher, logger)},
			{config.EventsTopic, config.InventoryGroup, messaging.NewReactionListener(r.inventory, publisher, logger)},
			{config.EventsTopic, config.PaymentGroup, messaging.NewReactionListener(r.payment, publisher, logger)},
			{config.EventsTopic, config.OrderStatusGroup, coordinatorListener},
		}
	}

	for _, sub := range subs {
		members, err := opts.Transport.Consumers(sub.topic, sub.group)
		if err != nil {
			return nil, fmt.Errorf("join %s on %s: %w", sub.group, sub.topic, err)
		}
		for i, c := range members {
			name := fmt.Sprintf("%s/%s/%d", sub.topic, sub.group, i)
			r.consumers = append(r.consumers, messaging.NewConsumerService(name, c, sub.handler, logger))
		}
	}
	return r, nil
}

// Run starts every consumer and the supervisor and blocks until ctx is
// cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range r.consumers {
		g.Go(func() error { return c.Start(ctx) })
	}
	if r.sweeper != nil {
		g.Go(func() error { return r.sweeper.Run(ctx) })
	}
	r.logger.Info("Saga runtime started",
		zap.String("mode", string(r.mode)),
		zap.Int("consumers", len(r.consumers)),
	)
	return g.Wait()
}

func (r *Runtime) StartSaga(ctx context.Context, productID int64, quantity int, amount float64) (uuid.UUID, error) {
	return r.producer.StartSaga(ctx, productID, quantity, amount)
}

func (r *Runtime) Mode() saga.Mode                                 { return r.mode }
func (r *Runtime) Orders() saga.OrderStore                         { return r.orders }
func (r *Runtime) Reservations() saga.ReservationStore             { return r.reservations }
func (r *Runtime) OrderService() *participant.OrderService         { return r.order }
func (r *Runtime) InventoryService() *participant.InventoryService { return r.inventory }
func (r *Runtime) PaymentService() *participant.PaymentService     { return r.payment }
