package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"ordersaga/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider.Meter("saga-test"))
	require.NoError(t, err)
	return m, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestOrchestrator_SuccessPath(t *testing.T) {
	ctx := context.Background()
	orders := store.NewUUIDMemory[Order]()
	metrics, reader := newTestMetrics(t)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	o := NewOrchestrator(orders, zaptest.NewLogger(t), WithMetrics(metrics), WithClock(func() time.Time { return clock }))
	assert.Equal(t, Orchestration, o.Mode())

	cmds, err := o.HandleEvent(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, []MessageType{ReserveInventory}, types(cmds))

	cmds, err = o.HandleEvent(ctx, reserved)
	require.NoError(t, err)
	assert.Equal(t, []MessageType{ProcessPayment}, types(cmds))

	clock = clock.Add(time.Minute)
	cmds, err = o.HandleEvent(ctx, paid)
	require.NoError(t, err)
	assert.Equal(t, []MessageType{CommitInventory, ConfirmOrder}, types(cmds))

	got, ok, err := orders.Get(ctx, testOrderID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusPaymentSucceeded, got.Status)
	assert.Equal(t, clock, got.UpdatedAt)
	assert.Equal(t, int64(1), counterValue(t, reader, "saga.completed"))

	// Redelivery re-issues the commands but neither touches the record nor counts twice.
	clock = clock.Add(time.Minute)
	cmds, err = o.HandleEvent(ctx, paid)
	require.NoError(t, err)
	assert.Equal(t, []MessageType{CommitInventory, ConfirmOrder}, types(cmds))
	again, _, err := orders.Get(ctx, testOrderID)
	require.NoError(t, err)
	assert.Equal(t, got.UpdatedAt, again.UpdatedAt)
	assert.Equal(t, int64(1), counterValue(t, reader, "saga.completed"))
}

func TestOrchestrator_InvalidLeavesStateAlone(t *testing.T) {
	ctx := context.Background()
	orders := store.NewUUIDMemory[Order]()
	o := NewOrchestrator(orders, zaptest.NewLogger(t))

	_, err := o.HandleEvent(ctx, created)
	require.NoError(t, err)

	cmds, err := o.HandleEvent(ctx, paid)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Nil(t, cmds)

	got, _, err := orders.Get(ctx, testOrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)
}

func TestOrchestrator_CreateFailed(t *testing.T) {
	ctx := context.Background()
	orders := store.NewUUIDMemory[Order]()
	metrics, reader := newTestMetrics(t)
	o := NewOrchestrator(orders, zaptest.NewLogger(t), WithMetrics(metrics))

	cmds, err := o.HandleEvent(ctx, createFailed)
	require.NoError(t, err)
	assert.Empty(t, cmds)

	got, ok, err := orders.Get(ctx, testOrderID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Failed)
	assert.Equal(t, StatusNone, got.Status)
	assert.Equal(t, int64(1), counterValue(t, reader, "saga.create_failed"))
}

func TestBegin(t *testing.T) {
	ctx := context.Background()
	orders := store.NewUUIDMemory[Order]()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	o := NewOrchestrator(orders, zaptest.NewLogger(t), WithClock(func() time.Time { return clock }))

	req := CreateOrderPayload{ProductID: 1, Quantity: 5, Amount: 500}
	require.NoError(t, o.Begin(ctx, testOrderID, req))

	got, ok, err := orders.Get(ctx, testOrderID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pendingOrder.ProductID, got.ProductID)
	assert.Equal(t, StatusNone, got.Status)
	assert.False(t, got.Failed)
	assert.True(t, got.Pending())
	assert.Equal(t, clock, got.UpdatedAt)

	cmds, err := o.HandleEvent(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, []MessageType{ReserveInventory}, types(cmds))
}

// An event that beat the registration is kept.
func TestBegin_AfterEvent(t *testing.T) {
	ctx := context.Background()
	orders := store.NewUUIDMemory[Order]()
	c := NewChoreographer(orders, zaptest.NewLogger(t))

	_, err := c.HandleEvent(ctx, createFailed)
	require.NoError(t, err)
	require.NoError(t, c.Begin(ctx, testOrderID, CreateOrderPayload{ProductID: 1, Quantity: 5, Amount: 500}))

	got, _, err := orders.Get(ctx, testOrderID)
	require.NoError(t, err)
	assert.True(t, got.Failed)
	assert.False(t, got.Pending())
}

func TestOrchestrator_PendingTimeout(t *testing.T) {
	ctx := context.Background()
	orders := store.NewUUIDMemory[Order]()
	metrics, reader := newTestMetrics(t)
	o := NewOrchestrator(orders, zaptest.NewLogger(t), WithMetrics(metrics))
	require.NoError(t, o.Begin(ctx, testOrderID, CreateOrderPayload{ProductID: 1, Quantity: 5, Amount: 500}))

	cmds, err := o.HandleEvent(ctx, timedOut(StatusNone))
	require.NoError(t, err)
	assert.Equal(t, []MessageType{CancelOrder}, types(cmds))
	assert.Equal(t, int64(1), counterValue(t, reader, "saga.cancelled"))

	// The order participant answers late; the cancel already covers it.
	cmds, err = o.HandleEvent(ctx, created)
	require.NoError(t, err)
	assert.Empty(t, cmds)
	got, _, err := orders.Get(ctx, testOrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestChoreographer_TracksStatus(t *testing.T) {
	ctx := context.Background()
	orders := store.NewUUIDMemory[Order]()
	metrics, reader := newTestMetrics(t)
	c := NewChoreographer(orders, zaptest.NewLogger(t), WithMetrics(metrics))
	assert.Equal(t, Choreography, c.Mode())

	for _, env := range []Envelope{created, reserved, payFailed, released, cancelled} {
		_, err := c.HandleEvent(ctx, env)
		require.NoError(t, err, env.EventType)
	}

	got, _, err := orders.Get(ctx, testOrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, int64(1), counterValue(t, reader, "saga.cancelled"))

	// Timeouts never change anything in choreography.
	_, err = c.HandleEvent(ctx, timedOut(StatusCancelled))
	require.NoError(t, err)
}

// Concurrent deliveries of the same event apply the transition once.
func TestCoordinator_ConcurrentSameOrder(t *testing.T) {
	ctx := context.Background()
	orders := store.NewUUIDMemory[Order]()
	metrics, reader := newTestMetrics(t)
	o := NewOrchestrator(orders, zaptest.NewLogger(t), WithMetrics(metrics))

	for _, env := range []Envelope{created, reserved} {
		_, err := o.HandleEvent(ctx, env)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.HandleEvent(ctx, payFailed)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), counterValue(t, reader, "saga.cancelled"))
}

func TestNew(t *testing.T) {
	orders := store.NewUUIDMemory[Order]()

	c, err := New(Choreography, orders, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &Choreographer{}, c)

	_, err = New("mesh", orders, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Started(context.Background())
	m.Record(context.Background(), Orchestration, OutcomeCompleted)
	m.Stuck(context.Background(), Choreography, StatusCreated)
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "PENDING", StatusNone.Label())
	assert.Equal(t, "RESERVED", StatusReserved.Label())
}
