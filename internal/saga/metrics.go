package saga

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics counts saga lifecycle events. A nil *Metrics records nothing.
type Metrics struct {
	started      metric.Int64Counter
	completed    metric.Int64Counter
	cancelled    metric.Int64Counter
	createFailed metric.Int64Counter
	stuck        metric.Int64Counter
}

// NewMetrics registers the saga.* counters on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.started, err = meter.Int64Counter("saga.started",
		metric.WithDescription("Sagas started"),
		metric.WithUnit("{saga}")); err != nil {
		return nil, fmt.Errorf("saga.started counter: %w", err)
	}
	if m.completed, err = meter.Int64Counter("saga.completed",
		metric.WithDescription("Sagas that reached PAYMENT_SUCCEEDED"),
		metric.WithUnit("{saga}")); err != nil {
		return nil, fmt.Errorf("saga.completed counter: %w", err)
	}
	if m.cancelled, err = meter.Int64Counter("saga.cancelled",
		metric.WithDescription("Sagas that were compensated and cancelled"),
		metric.WithUnit("{saga}")); err != nil {
		return nil, fmt.Errorf("saga.cancelled counter: %w", err)
	}
	if m.createFailed, err = meter.Int64Counter("saga.create_failed",
		metric.WithDescription("Sagas whose order creation failed"),
		metric.WithUnit("{saga}")); err != nil {
		return nil, fmt.Errorf("saga.create_failed counter: %w", err)
	}
	if m.stuck, err = meter.Int64Counter("saga.stuck",
		metric.WithDescription("In-flight sagas found past their deadline"),
		metric.WithUnit("{saga}")); err != nil {
		return nil, fmt.Errorf("saga.stuck counter: %w", err)
	}
	return &m, nil
}

func (m *Metrics) Started(ctx context.Context) {
	if m == nil {
		return
	}
	m.started.Add(ctx, 1)
}

// Record counts a terminal outcome reached in mode.
func (m *Metrics) Record(ctx context.Context, mode Mode, outcome Outcome) {
	if m == nil {
		return
	}
	opt := metric.WithAttributes(attribute.String("saga.mode", string(mode)))
	switch outcome {
	case OutcomeCompleted:
		m.completed.Add(ctx, 1, opt)
	case OutcomeCancelled:
		m.cancelled.Add(ctx, 1, opt)
	case OutcomeCreateFailed:
		m.createFailed.Add(ctx, 1, opt)
	}
}

func (m *Metrics) Stuck(ctx context.Context, mode Mode, status Status) {
	if m == nil {
		return
	}
	m.stuck.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga.mode", string(mode)),
		attribute.String("order.status", status.Label()),
	))
}
