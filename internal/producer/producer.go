package producer

import (
	"context"
	"errors"
	"fmt"

	"ordersaga/internal/config"
	"ordersaga/internal/messaging"
	"ordersaga/internal/platform/observability"
	"ordersaga/internal/saga"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ErrInvalidOrder wraps validation failures of a saga request.
var ErrInvalidOrder = errors.New("invalid order")

// Registrar records a saga as pending once its first command is out.
type Registrar interface {
	Begin(ctx context.Context, id uuid.UUID, req saga.CreateOrderPayload) error
}

// Producer starts sagas by sending CREATE_ORDER to the order participant.
type Producer struct {
	publisher messaging.Publisher
	registrar Registrar
	logger    observability.Logger
	tracer    observability.Tracer
	metrics   *saga.Metrics
	newID     func() uuid.UUID
}

func New(publisher messaging.Publisher, registrar Registrar, logger observability.Logger, tracer observability.Tracer, metrics *saga.Metrics) *Producer {
	return &Producer{
		publisher: publisher,
		registrar: registrar,
		logger:    logger,
		tracer:    tracer,
		metrics:   metrics,
		newID:     uuid.New,
	}
}

// StartSaga allocates an order id and sends the command that begins the saga.
// It returns as soon as the command is published and the saga registered.
// A failed registration is logged but does not fail the call, because the
// command is already on its way.
func (p *Producer) StartSaga(ctx context.Context, productID int64, quantity int, amount float64) (uuid.UUID, error) {
	req := saga.CreateOrderPayload{ProductID: productID, Quantity: quantity, Amount: amount}
	if err := req.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}

	id := p.newID()
	ctx, span := p.tracer.Start(ctx, "producer.StartSaga")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", id.String()))

	env, err := saga.Encode(saga.CreateOrder, id, req)
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, err
	}
	if err := p.publisher.Publish(ctx, config.CommandsTopic, env); err != nil {
		span.RecordError(err)
		p.logger.Error("Failed to start saga", zap.String("order_id", id.String()), zap.Error(err))
		return uuid.Nil, fmt.Errorf("publish %s: %w", saga.CreateOrder, err)
	}

	if err := p.registrar.Begin(ctx, id, req); err != nil {
		span.RecordError(err)
		p.logger.Error("Failed to register saga", zap.String("order_id", id.String()), zap.Error(err))
	}

	p.metrics.Started(ctx)
	p.logger.Info("Saga started",
		zap.String("order_id", id.String()),
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity),
		zap.Float64("amount", amount),
	)
	return id, nil
}
