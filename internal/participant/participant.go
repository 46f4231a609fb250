package participant

import (
	"context"
	"fmt"

	"ordersaga/internal/platform/observability"
	"ordersaga/internal/saga"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Participant executes the commands addressed to it and returns the events
// they produce. Publishing the events is the caller's job.
//
// Every handled command yields exactly one outcome event, except
// compensations with nothing left to undo, which yield none.
type Participant interface {
	Name() saga.Participant
	Handle(ctx context.Context, cmd saga.Envelope) ([]saga.Envelope, error)
}

type handlerFunc func(ctx context.Context, span trace.Span, cmd saga.Envelope) ([]saga.Envelope, error)

// base carries what every participant shares: logging, tracing and dispatch
// on the command tag.
type base struct {
	name     saga.Participant
	logger   observability.Logger
	tracer   observability.Tracer
	handlers map[saga.MessageType]handlerFunc
}

func (b *base) Name() saga.Participant { return b.name }

func (b *base) Handle(ctx context.Context, cmd saga.Envelope) ([]saga.Envelope, error) {
	h, ok := b.handlers[cmd.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s does not handle %q", saga.ErrUnknownEventType, b.name, cmd.EventType)
	}

	ctx, span := b.tracer.Start(ctx, fmt.Sprintf("%s.%s", b.name, cmd.EventType))
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", cmd.OrderID.String()),
		attribute.String("saga.command", string(cmd.EventType)),
		attribute.String("service.component", string(b.name)),
	)

	events, err := h(ctx, span, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Error("Command failed",
			zap.String("participant", string(b.name)),
			zap.String("command", string(cmd.EventType)),
			zap.String("order_id", cmd.OrderID.String()),
			zap.Error(err),
		)
		return nil, err
	}

	outcome := "none"
	if len(events) > 0 {
		outcome = string(events[0].EventType)
	}
	span.SetAttributes(attribute.String("saga.outcome", outcome))
	if len(events) > 0 && events[0].EventType.IsFailure() {
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetStatus(codes.Ok, "command handled")
	}
	b.logger.Info("Command handled",
		zap.String("participant", string(b.name)),
		zap.String("command", string(cmd.EventType)),
		zap.String("order_id", cmd.OrderID.String()),
		zap.String("outcome", outcome),
	)
	return events, nil
}

func emit(eventType saga.MessageType, cmd saga.Envelope, payload any) ([]saga.Envelope, error) {
	env, err := saga.Encode(eventType, cmd.OrderID, payload)
	if err != nil {
		return nil, err
	}
	return []saga.Envelope{env}, nil
}
