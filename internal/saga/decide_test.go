package saga

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOrderID = uuid.MustParse("0b9f7a44-61f1-4d4e-a3a3-0f6c2b8c7d10")

func event(t MessageType, payload any) Envelope {
	return mustEncode(t, testOrderID, payload)
}

func at(s Status) Order {
	return Order{ID: testOrderID, ProductID: 1, Quantity: 5, Amount: 500, Status: s}
}

// pendingOrder is the record Begin writes before the order participant answers.
var pendingOrder = at(StatusNone)

func types(cmds []Command) []MessageType {
	var out []MessageType
	for _, c := range cmds {
		out = append(out, c.Type)
	}
	return out
}

var (
	created      = event(OrderCreated, OrderCreatedPayload{ProductID: 1, Quantity: 5, Amount: 500})
	createFailed = event(OrderCreateFailed, FailurePayload{Reason: ReasonConstraintViolated})
	reserved     = event(InventoryReserved, InventoryReservedPayload{ProductID: 1, Quantity: 5, Amount: 500})
	invFailed    = event(InventoryFailed, FailurePayload{Reason: ReasonOutOfStock})
	released     = event(InventoryReleased, InventoryReleasedPayload{ProductID: 1, Quantity: 5, Reason: ReasonPaymentFailed})
	committed    = event(InventoryCommitted, InventoryCommittedPayload{ProductID: 1, Quantity: 5})
	paid         = event(PaymentSucceeded, PaymentSucceededPayload{Amount: 500})
	payFailed    = event(PaymentFailed, FailurePayload{Reason: ReasonCardDeclined})
	refunded     = event(PaymentRefunded, PaymentRefundedPayload{Amount: 500, Reason: ReasonOrderCancelled})
	cancelled    = event(OrderCancelled, FailurePayload{Reason: ReasonPaymentFailed})
	confirmed    = event(OrderConfirmed, EmptyPayload{})
)

func timedOut(s Status) Envelope {
	return event(SagaTimedOut, SagaTimedOutPayload{Status: s})
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		mode     Mode
		current  Order
		event    Envelope
		status   Status
		changed  bool
		commands []MessageType
		outcome  Outcome
		err      error
	}{
		// Orchestration, forward path.
		{name: "created", mode: Orchestration, current: Order{}, event: created,
			status: StatusCreated, changed: true, commands: []MessageType{ReserveInventory}},
		{name: "reserved", mode: Orchestration, current: at(StatusCreated), event: reserved,
			status: StatusReserved, changed: true, commands: []MessageType{ProcessPayment}},
		{name: "paid", mode: Orchestration, current: at(StatusReserved), event: paid,
			status: StatusPaymentSucceeded, changed: true,
			commands: []MessageType{CommitInventory, ConfirmOrder}, outcome: OutcomeCompleted},

		// Orchestration, failures and compensation.
		{name: "create failed", mode: Orchestration, current: Order{}, event: createFailed,
			status: StatusNone, changed: true, outcome: OutcomeCreateFailed},
		{name: "inventory failed", mode: Orchestration, current: at(StatusCreated), event: invFailed,
			status: StatusCancelled, changed: true, commands: []MessageType{CancelOrder}, outcome: OutcomeCancelled},
		{name: "payment failed", mode: Orchestration, current: at(StatusReserved), event: payFailed,
			status: StatusCancelled, changed: true,
			commands: []MessageType{RefundPayment, ReleaseInventory, CancelOrder}, outcome: OutcomeCancelled},
		{name: "timed out while created", mode: Orchestration, current: at(StatusCreated), event: timedOut(StatusCreated),
			status: StatusCancelled, changed: true,
			commands: []MessageType{ReleaseInventory, CancelOrder}, outcome: OutcomeCancelled},
		{name: "timed out while reserved", mode: Orchestration, current: at(StatusReserved), event: timedOut(StatusReserved),
			status: StatusCancelled, changed: true,
			commands: []MessageType{RefundPayment, ReleaseInventory, CancelOrder}, outcome: OutcomeCancelled},

		{name: "created while pending", mode: Orchestration, current: pendingOrder, event: created,
			status: StatusCreated, changed: true, commands: []MessageType{ReserveInventory}},
		{name: "create failed while pending", mode: Orchestration, current: pendingOrder, event: createFailed,
			status: StatusNone, changed: true, outcome: OutcomeCreateFailed},
		{name: "timed out while pending", mode: Orchestration, current: pendingOrder, event: timedOut(StatusNone),
			status: StatusCancelled, changed: true,
			commands: []MessageType{CancelOrder}, outcome: OutcomeCancelled},

		// Orchestration, redelivery and late events.
		{name: "created replay", mode: Orchestration, current: at(StatusCreated), event: created,
			status: StatusCreated, commands: []MessageType{ReserveInventory}},
		{name: "reserved replay", mode: Orchestration, current: at(StatusReserved), event: reserved,
			status: StatusReserved, commands: []MessageType{ProcessPayment}},
		{name: "paid replay", mode: Orchestration, current: at(StatusPaymentSucceeded), event: paid,
			status: StatusPaymentSucceeded, commands: []MessageType{CommitInventory, ConfirmOrder}},
		{name: "payment failed replay", mode: Orchestration, current: at(StatusCancelled), event: payFailed,
			status: StatusCancelled, commands: []MessageType{RefundPayment, ReleaseInventory, CancelOrder}},
		{name: "inventory failed replay", mode: Orchestration, current: at(StatusCancelled), event: invFailed,
			status: StatusCancelled, commands: []MessageType{CancelOrder}},
		{name: "create failed replay", mode: Orchestration, current: Order{ID: testOrderID, Failed: true}, event: createFailed,
			status: StatusNone},
		{name: "stale created", mode: Orchestration, current: at(StatusReserved), event: created,
			status: StatusReserved},
		{name: "stale reserved", mode: Orchestration, current: at(StatusPaymentSucceeded), event: reserved,
			status: StatusPaymentSucceeded},
		{name: "reservation after cancel", mode: Orchestration, current: at(StatusCancelled), event: reserved,
			status: StatusCancelled, commands: []MessageType{ReleaseInventory}},
		{name: "payment after cancel", mode: Orchestration, current: at(StatusCancelled), event: paid,
			status: StatusCancelled, commands: []MessageType{RefundPayment}},
		{name: "timeout overtaken", mode: Orchestration, current: at(StatusReserved), event: timedOut(StatusCreated),
			status: StatusReserved},
		{name: "timeout after finish", mode: Orchestration, current: at(StatusPaymentSucceeded), event: timedOut(StatusPaymentSucceeded),
			status: StatusPaymentSucceeded},
		{name: "timeout without record", mode: Orchestration, current: Order{}, event: timedOut(StatusNone),
			status: StatusNone},
		{name: "timeout after create failed", mode: Orchestration, current: Order{ID: testOrderID, Failed: true}, event: timedOut(StatusNone),
			status: StatusNone},
		{name: "create failed after timeout", mode: Orchestration, current: at(StatusCancelled), event: createFailed,
			status: StatusCancelled},
		{name: "created after timeout", mode: Orchestration, current: at(StatusCancelled), event: created,
			status: StatusCancelled},
		{name: "released is informational", mode: Orchestration, current: at(StatusCancelled), event: released,
			status: StatusCancelled},
		{name: "committed is informational", mode: Orchestration, current: at(StatusPaymentSucceeded), event: committed,
			status: StatusPaymentSucceeded},
		{name: "refunded is informational", mode: Orchestration, current: at(StatusCancelled), event: refunded,
			status: StatusCancelled},
		{name: "cancelled is informational", mode: Orchestration, current: at(StatusCancelled), event: cancelled,
			status: StatusCancelled},
		{name: "confirmed is informational", mode: Orchestration, current: at(StatusPaymentSucceeded), event: confirmed,
			status: StatusPaymentSucceeded},

		// Orchestration, impossible events.
		{name: "payment before reservation", mode: Orchestration, current: at(StatusCreated), event: paid,
			err: ErrInvalidTransition},
		{name: "payment failure before reservation", mode: Orchestration, current: at(StatusCreated), event: payFailed,
			err: ErrInvalidTransition},
		{name: "reservation without order", mode: Orchestration, current: Order{}, event: reserved,
			err: ErrInvalidTransition},
		{name: "inventory failed after reservation", mode: Orchestration, current: at(StatusReserved), event: invFailed,
			err: ErrInvalidTransition},
		{name: "create failed after create", mode: Orchestration, current: at(StatusCreated), event: createFailed,
			err: ErrInvalidTransition},
		{name: "created after create failed", mode: Orchestration, current: Order{ID: testOrderID, Failed: true}, event: created,
			err: ErrInvalidTransition},
		{name: "payment failed after success", mode: Orchestration, current: at(StatusPaymentSucceeded), event: payFailed,
			err: ErrInvalidTransition},
		{name: "command on event stream", mode: Orchestration, current: at(StatusCreated),
			event: event(ProcessPayment, ProcessPaymentPayload{Amount: 1}), err: ErrUnknownEventType},
		{name: "unknown type", mode: Orchestration, current: at(StatusCreated),
			event: Envelope{EventType: "ORDER_SHIPPED", OrderID: testOrderID}, err: ErrUnknownEventType},

		// Choreography.
		{name: "choreo created", mode: Choreography, current: Order{}, event: created,
			status: StatusCreated, changed: true, commands: []MessageType{ReserveInventory}},
		{name: "choreo reserved", mode: Choreography, current: at(StatusCreated), event: reserved,
			status: StatusReserved, changed: true, commands: []MessageType{ProcessPayment}},
		{name: "choreo paid", mode: Choreography, current: at(StatusReserved), event: paid,
			status: StatusPaymentSucceeded, changed: true,
			commands: []MessageType{CommitInventory, ConfirmOrder}, outcome: OutcomeCompleted},
		{name: "choreo inventory failed", mode: Choreography, current: at(StatusCreated), event: invFailed,
			status: StatusCancelled, changed: true, commands: []MessageType{CancelOrder}, outcome: OutcomeCancelled},
		{name: "choreo payment failed", mode: Choreography, current: at(StatusReserved), event: payFailed,
			status: StatusCancelled, changed: true, commands: []MessageType{ReleaseInventory}, outcome: OutcomeCancelled},
		{name: "choreo released cancels", mode: Choreography, current: at(StatusCancelled), event: released,
			status: StatusCancelled, commands: []MessageType{CancelOrder}},
		{name: "choreo released before failure", mode: Choreography, current: at(StatusReserved), event: released,
			err: ErrInvalidTransition},
		{name: "choreo create failed", mode: Choreography, current: Order{}, event: createFailed,
			status: StatusNone, changed: true, outcome: OutcomeCreateFailed},
		{name: "choreo timeout is escalated elsewhere", mode: Choreography, current: at(StatusReserved), event: timedOut(StatusReserved),
			status: StatusReserved},
		{name: "choreo pending timeout is escalated elsewhere", mode: Choreography, current: pendingOrder, event: timedOut(StatusNone),
			status: StatusNone},
		{name: "choreo late reservation", mode: Choreography, current: at(StatusCancelled), event: reserved,
			status: StatusCancelled},
		{name: "choreo payment replay", mode: Choreography, current: at(StatusCancelled), event: payFailed,
			status: StatusCancelled, commands: []MessageType{ReleaseInventory}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := Decide(tt.mode, tt.current, tt.event)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				assert.True(t, IsProtocolError(err))
				return
			}
			require.NoError(t, err)

			assert.Equal(t, testOrderID, tr.Order.ID)
			assert.Equal(t, tt.status, tr.Order.Status)
			assert.Equal(t, tt.changed, tr.Changed)
			assert.Equal(t, tt.outcome, tr.Outcome)
			assert.Equal(t, tt.commands, types(tr.Commands))
			for _, c := range tr.Commands {
				assert.Equal(t, testOrderID, c.OrderID)
				_, err := c.Envelope()
				assert.NoError(t, err, "command %s must encode", c.Type)
			}
		})
	}
}

func TestDecide_CreatedCopiesAttributes(t *testing.T) {
	tr, err := Decide(Orchestration, Order{}, created)
	require.NoError(t, err)

	assert.Equal(t, int64(1), tr.Order.ProductID)
	assert.Equal(t, 5, tr.Order.Quantity)
	assert.InDelta(t, 500.0, tr.Order.Amount, 1e-9)
	require.Len(t, tr.Commands, 1)
	assert.Equal(t, ReserveInventoryPayload{ProductID: 1, Quantity: 5, Amount: 500}, tr.Commands[0].Payload)
}

func TestDecide_CreateFailedLeavesNoStatus(t *testing.T) {
	tr, err := Decide(Orchestration, Order{}, createFailed)
	require.NoError(t, err)

	assert.True(t, tr.Order.Failed)
	assert.Equal(t, ReasonConstraintViolated, tr.Order.Reason)
	assert.Equal(t, StatusNone, tr.Order.Status)
	assert.Empty(t, tr.Commands)
}

func TestDecide_MalformedPayload(t *testing.T) {
	env := Envelope{EventType: InventoryReserved, OrderID: testOrderID, Payload: []byte(`{"quantity":"five"}`)}
	_, err := Decide(Orchestration, at(StatusCreated), env)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

// Status never leaves a terminal state and never returns to CREATED.
func TestDecide_Monotonic(t *testing.T) {
	all := []Envelope{created, createFailed, reserved, invFailed, released, committed, paid, payFailed,
		refunded, cancelled, confirmed, timedOut(StatusCreated), timedOut(StatusReserved)}
	rank := map[Status]int{StatusNone: 0, StatusCreated: 1, StatusReserved: 2, StatusPaymentSucceeded: 3, StatusCancelled: 3}

	for _, mode := range []Mode{Orchestration, Choreography} {
		for _, from := range []Status{StatusCreated, StatusReserved, StatusPaymentSucceeded, StatusCancelled} {
			for _, env := range all {
				tr, err := Decide(mode, at(from), env)
				if err != nil {
					continue
				}
				to := tr.Order.Status
				if from.Terminal() {
					assert.Equal(t, from, to, "%s: %s moved terminal %s", mode, env.EventType, from)
					continue
				}
				assert.GreaterOrEqual(t, rank[to], rank[from], "%s: %s moved %s back to %s", mode, env.EventType, from, to)
			}
		}
	}
}

func TestReactions(t *testing.T) {
	tests := []struct {
		event Envelope
		want  []MessageType
	}{
		{created, []MessageType{ReserveInventory}},
		{reserved, []MessageType{ProcessPayment}},
		{invFailed, []MessageType{CancelOrder}},
		{paid, []MessageType{CommitInventory, ConfirmOrder}},
		{payFailed, []MessageType{ReleaseInventory}},
		{released, []MessageType{CancelOrder}},
		{createFailed, nil},
		{timedOut(StatusCreated), nil},
		{confirmed, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.event.EventType), func(t *testing.T) {
			cmds, err := Reactions(tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, types(cmds))
		})
	}

	_, err := Reactions(event(CancelOrder, FailurePayload{}))
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestReactionsFor(t *testing.T) {
	cmds, err := ReactionsFor(InventoryParticipant, paid)
	require.NoError(t, err)
	assert.Equal(t, []MessageType{CommitInventory}, types(cmds))

	cmds, err = ReactionsFor(OrderParticipant, paid)
	require.NoError(t, err)
	assert.Equal(t, []MessageType{ConfirmOrder}, types(cmds))

	cmds, err = ReactionsFor(PaymentParticipant, paid)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

// Choreography reactions are the commands the choreographer expects whenever
// it accepts an event in order.
func TestReactionsMatchChoreography(t *testing.T) {
	steps := []struct {
		from  Status
		event Envelope
	}{
		{StatusNone, created},
		{StatusCreated, reserved},
		{StatusCreated, invFailed},
		{StatusReserved, paid},
		{StatusReserved, payFailed},
		{StatusCancelled, released},
	}
	for _, s := range steps {
		cur := at(s.from)
		if s.from == StatusNone {
			cur = Order{}
		}
		tr, err := Decide(Choreography, cur, s.event)
		require.NoError(t, err)
		want, err := Reactions(s.event)
		require.NoError(t, err)
		assert.Equal(t, want, tr.Commands, s.event.EventType)
	}
}
