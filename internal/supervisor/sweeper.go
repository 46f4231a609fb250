package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"ordersaga/internal/config"
	"ordersaga/internal/messaging"
	"ordersaga/internal/platform/observability"
	"ordersaga/internal/saga"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sweeper finds sagas that stayed in flight past their deadline, including
// ones still pending because the order participant never answered. In
// orchestration it tells the orchestrator with SAGA_TIMED_OUT so the in-flight
// step is compensated; in choreography it escalates.
type Sweeper struct {
	mode      saga.Mode
	orders    saga.OrderStore
	publisher messaging.Publisher
	deadline  time.Duration
	interval  time.Duration
	metrics   *saga.Metrics
	logger    observability.Logger
	now       func() time.Time

	mu sync.Mutex
	// handled remembers the status each stuck order was reported at.
	handled map[uuid.UUID]saga.Status
}

type Option func(*Sweeper)

func WithMetrics(m *saga.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func NewSweeper(mode saga.Mode, orders saga.OrderStore, publisher messaging.Publisher, deadline, interval time.Duration, logger observability.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		mode:      mode,
		orders:    orders,
		publisher: publisher,
		deadline:  deadline,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
		handled:   make(map[uuid.UUID]saga.Status),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Supervisor started",
		zap.String("mode", string(s.mode)),
		zap.Duration("deadline", s.deadline),
		zap.Duration("interval", s.interval),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Supervisor stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

type stuckOrder struct {
	id     uuid.UUID
	status saga.Status
	since  time.Time
}

// Sweep handles every order stuck at the time of the call and returns how
// many it acted on. An order is reported once per status it gets stuck at.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.deadline)

	var stuck []stuckOrder
	err := s.orders.Range(ctx, func(id uuid.UUID, o saga.Order) bool {
		if (o.Status.InFlight() || o.Pending()) && o.UpdatedAt.Before(cutoff) {
			stuck = append(stuck, stuckOrder{id: id, status: o.Status, since: o.UpdatedAt})
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[uuid.UUID]saga.Status, len(stuck))
	acted := 0
	var errs error
	for _, o := range stuck {
		if st, ok := s.handled[o.id]; ok && st == o.status {
			current[o.id] = o.status
			continue
		}
		if err := s.handle(ctx, o); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		current[o.id] = o.status
		acted++
	}
	s.handled = current
	return acted, errs
}

func (s *Sweeper) handle(ctx context.Context, o stuckOrder) error {
	fields := []zap.Field{
		zap.String("order_id", o.id.String()),
		zap.String("status", o.status.Label()),
		zap.Time("since", o.since),
	}
	if s.mode != saga.Orchestration {
		s.metrics.Stuck(ctx, s.mode, o.status)
		s.logger.Error("Saga stuck past deadline, needs operator attention", fields...)
		return nil
	}

	env, err := saga.Encode(saga.SagaTimedOut, o.id, saga.SagaTimedOutPayload{Status: o.status})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, config.EventsTopic, env); err != nil {
		s.logger.Error("Failed to publish timeout", append(fields, zap.Error(err))...)
		return err
	}
	s.metrics.Stuck(ctx, s.mode, o.status)
	s.logger.Warn("Saga timed out", fields...)
	return nil
}
