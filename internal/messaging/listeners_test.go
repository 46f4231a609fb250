package messaging

import (
	"context"
	"sync"
	"testing"

	"ordersaga/internal/config"
	"ordersaga/internal/participant"
	"ordersaga/internal/saga"
	"ordersaga/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"
)

type published struct {
	topic string
	env   saga.Envelope
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, env saga.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{topic: topic, env: env})
	return nil
}

func (p *recordingPublisher) types(topic string) []saga.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []saga.MessageType
	for _, s := range p.sent {
		if s.topic == topic {
			out = append(out, s.env.EventType)
		}
	}
	return out
}

var testTracer = noop.NewTracerProvider().Tracer("messaging-test")

func TestCommandListener(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	inventory := participant.NewInventoryService(store.NewUUIDMemory[participant.Hold](), store.NewUUIDMemory[saga.Reservation](),
		participant.Never, zaptest.NewLogger(t), testTracer)
	l := NewCommandListener(inventory, pub, zaptest.NewLogger(t))

	id := uuid.New()
	payment := envelopeFor(t, id, saga.ProcessPayment, saga.ProcessPaymentPayload{Amount: 10})
	require.NoError(t, l.Handle(ctx, payment))
	assert.Empty(t, pub.types(config.EventsTopic), "commands for other participants are skipped")

	reserve := envelopeFor(t, id, saga.ReserveInventory, saga.ReserveInventoryPayload{ProductID: 1, Quantity: 2, Amount: 10})
	require.NoError(t, l.Handle(ctx, reserve))
	assert.Equal(t, []saga.MessageType{saga.InventoryReserved}, pub.types(config.EventsTopic))

	event := envelopeFor(t, id, saga.OrderConfirmed, saga.EmptyPayload{})
	assert.ErrorIs(t, l.Handle(ctx, event), saga.ErrUnknownEventType)
}

func TestCoordinatorListener_Orchestration(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	c := saga.NewOrchestrator(store.NewUUIDMemory[saga.Order](), zaptest.NewLogger(t))
	l := NewCoordinatorListener(c, pub, zaptest.NewLogger(t))

	id := uuid.New()
	require.NoError(t, l.Handle(ctx, envelopeFor(t, id, saga.OrderCreated, saga.OrderCreatedPayload{ProductID: 1, Quantity: 2, Amount: 10})))
	assert.Equal(t, []saga.MessageType{saga.ReserveInventory}, pub.types(config.CommandsTopic))

	err := l.Handle(ctx, envelopeFor(t, id, saga.PaymentSucceeded, saga.PaymentSucceededPayload{Amount: 10}))
	assert.ErrorIs(t, err, saga.ErrInvalidTransition)
	assert.Len(t, pub.types(config.CommandsTopic), 1)
}

func TestCoordinatorListener_ChoreographyPublishesNothing(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	orders := store.NewUUIDMemory[saga.Order]()
	l := NewCoordinatorListener(saga.NewChoreographer(orders, zaptest.NewLogger(t)), pub, zaptest.NewLogger(t))

	id := uuid.New()
	require.NoError(t, l.Handle(ctx, envelopeFor(t, id, saga.OrderCreated, saga.OrderCreatedPayload{ProductID: 1, Quantity: 2, Amount: 10})))
	assert.Empty(t, pub.sent)

	o, ok, err := orders.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, saga.StatusCreated, o.Status)
}

func TestReactionListener(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	payments := participant.NewPaymentService(store.NewUUIDMemory[participant.Charge](), participant.Never, zaptest.NewLogger(t), testTracer)
	l := NewReactionListener(payments, pub, zaptest.NewLogger(t))

	id := uuid.New()
	require.NoError(t, l.Handle(ctx, envelopeFor(t, id, saga.OrderCreated, saga.OrderCreatedPayload{ProductID: 1, Quantity: 2, Amount: 10})))
	assert.Empty(t, pub.sent, "payment waits for the reservation")

	reserved := envelopeFor(t, id, saga.InventoryReserved, saga.InventoryReservedPayload{ProductID: 1, Quantity: 2, Amount: 10})
	require.NoError(t, l.Handle(ctx, reserved))
	// Redelivery replays the recorded charge.
	require.NoError(t, l.Handle(ctx, reserved))
	assert.Equal(t, []saga.MessageType{saga.PaymentSucceeded, saga.PaymentSucceeded}, pub.types(config.EventsTopic))

	charge, ok, err := payments.Charge(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10.0, charge.Amount)

	assert.ErrorIs(t, l.Handle(ctx, envelopeFor(t, id, saga.ProcessPayment, saga.ProcessPaymentPayload{Amount: 10})), saga.ErrUnknownEventType)
}
