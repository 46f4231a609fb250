package saga

import (
	"fmt"

	"github.com/google/uuid"
)

// Outcome is the terminal result a transition reaches, if any.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeCompleted
	OutcomeCancelled
	OutcomeCreateFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeCreateFailed:
		return "create_failed"
	}
	return "none"
}

// Transition is the result of applying one event to an order.
type Transition struct {
	// Order is the record after the event. It equals the input when Changed is false.
	Order   Order
	Changed bool
	// Commands to issue. In choreography they are the reactions participants
	// trigger themselves; nobody sends them on the coordinator's behalf.
	Commands []Command
	// Outcome is set only when Changed moves the saga into a terminal state.
	Outcome Outcome
}

// Decide applies env to current and returns the next record and commands.
// A zero Order (no status, not failed) means no record exists yet; one with
// an ID but no status is the pending record written when the saga started.
//
// Events already applied return the same commands again with Changed false,
// so a redelivered event re-drives the participants. Events that arrive after
// the saga has moved past them are ignored. Events that can never fit the
// current status fail with ErrInvalidTransition.
func Decide(mode Mode, current Order, env Envelope) (Transition, error) {
	if !env.EventType.Known() || env.EventType.IsCommand() {
		return Transition{}, fmt.Errorf("%w: %q on the event stream", ErrUnknownEventType, env.EventType)
	}
	if mode != Orchestration && mode != Choreography {
		return Transition{}, fmt.Errorf("unknown saga mode %q", mode)
	}

	d := decider{mode: mode, cur: current, env: env, pending: current.Pending()}
	if d.cur.ID == uuid.Nil {
		d.cur.ID = env.OrderID
	}

	switch env.EventType {
	case OrderCreated:
		return d.orderCreated()
	case OrderCreateFailed:
		return d.orderCreateFailed()
	case InventoryReserved:
		return d.inventoryReserved()
	case InventoryFailed:
		return d.inventoryFailed()
	case PaymentSucceeded:
		return d.paymentSucceeded()
	case PaymentFailed:
		return d.paymentFailed()
	case InventoryReleased:
		return d.inventoryReleased()
	case SagaTimedOut:
		return d.timedOut()
	case OrderCancelled, OrderConfirmed, InventoryCommitted, PaymentRefunded:
		return d.ignore(), nil
	}
	return Transition{}, fmt.Errorf("%w: %q", ErrUnknownEventType, env.EventType)
}

type decider struct {
	mode    Mode
	cur     Order
	env     Envelope
	pending bool
}

func (d decider) absent() bool {
	return d.cur.Status == StatusNone && !d.cur.Failed
}

func (d decider) ignore() Transition {
	return Transition{Order: d.cur}
}

func (d decider) replay(cmds []Command) Transition {
	return Transition{Order: d.cur, Commands: cmds}
}

func (d decider) move(next Status, cmds []Command, outcome Outcome) Transition {
	o := d.cur
	o.Status = next
	return Transition{Order: o, Changed: true, Commands: cmds, Outcome: outcome}
}

func (d decider) invalid() error {
	from := string(d.cur.Status)
	if d.cur.Failed {
		from = "CREATE_FAILED"
	} else if from == "" {
		from = "none"
	}
	return fmt.Errorf("%w: %s at %s for order %s", ErrInvalidTransition, d.env.EventType, from, d.env.OrderID)
}

func (d decider) command(t MessageType, payload any) Command {
	return Command{Type: t, OrderID: d.env.OrderID, Payload: payload}
}

func (d decider) orderCreated() (Transition, error) {
	p, err := Decode[OrderCreatedPayload](d.env)
	if err != nil {
		return Transition{}, err
	}
	cmds := []Command{d.command(ReserveInventory, ReserveInventoryPayload(p))}

	switch {
	case d.absent():
		t := d.move(StatusCreated, cmds, OutcomeNone)
		t.Order.ProductID = p.ProductID
		t.Order.Quantity = p.Quantity
		t.Order.Amount = p.Amount
		return t, nil
	case d.cur.Failed:
		return Transition{}, d.invalid()
	case d.cur.Status == StatusCreated:
		return d.replay(cmds), nil
	}
	return d.ignore(), nil
}

func (d decider) orderCreateFailed() (Transition, error) {
	p, err := Decode[FailurePayload](d.env)
	if err != nil {
		return Transition{}, err
	}
	switch {
	case d.absent():
		o := d.cur
		o.Failed = true
		o.Reason = p.Reason
		return Transition{Order: o, Changed: true, Outcome: OutcomeCreateFailed}, nil
	case d.cur.Failed:
		return d.ignore(), nil
	case d.cur.Status == StatusCancelled:
		// The create lost the race with a timeout; the cancel already went out.
		return d.ignore(), nil
	}
	return Transition{}, d.invalid()
}

func (d decider) inventoryReserved() (Transition, error) {
	p, err := Decode[InventoryReservedPayload](d.env)
	if err != nil {
		return Transition{}, err
	}
	cmds := []Command{d.command(ProcessPayment, ProcessPaymentPayload{Amount: p.Amount})}

	switch d.cur.Status {
	case StatusCreated:
		return d.move(StatusReserved, cmds, OutcomeNone), nil
	case StatusReserved:
		return d.replay(cmds), nil
	case StatusPaymentSucceeded:
		return d.ignore(), nil
	case StatusCancelled:
		// The order was cancelled while the reservation was in flight.
		if d.mode == Orchestration {
			return d.replay([]Command{d.command(ReleaseInventory, FailurePayload{Reason: ReasonOrderCancelled})}), nil
		}
		return d.ignore(), nil
	}
	return Transition{}, d.invalid()
}

func (d decider) inventoryFailed() (Transition, error) {
	if _, err := Decode[FailurePayload](d.env); err != nil {
		return Transition{}, err
	}
	cmds := []Command{d.command(CancelOrder, FailurePayload{Reason: ReasonInventoryFailed})}

	switch d.cur.Status {
	case StatusCreated:
		return d.move(StatusCancelled, cmds, OutcomeCancelled), nil
	case StatusCancelled:
		return d.replay(cmds), nil
	}
	return Transition{}, d.invalid()
}

func (d decider) paymentSucceeded() (Transition, error) {
	if _, err := Decode[PaymentSucceededPayload](d.env); err != nil {
		return Transition{}, err
	}
	cmds := []Command{
		d.command(CommitInventory, EmptyPayload{}),
		d.command(ConfirmOrder, EmptyPayload{}),
	}

	switch d.cur.Status {
	case StatusReserved:
		return d.move(StatusPaymentSucceeded, cmds, OutcomeCompleted), nil
	case StatusPaymentSucceeded:
		return d.replay(cmds), nil
	case StatusCancelled:
		// Charged after the saga timed out.
		if d.mode == Orchestration {
			return d.replay([]Command{d.command(RefundPayment, FailurePayload{Reason: ReasonOrderCancelled})}), nil
		}
		return d.ignore(), nil
	}
	return Transition{}, d.invalid()
}

func (d decider) paymentFailed() (Transition, error) {
	if _, err := Decode[FailurePayload](d.env); err != nil {
		return Transition{}, err
	}
	reason := FailurePayload{Reason: ReasonPaymentFailed}
	var cmds []Command
	if d.mode == Orchestration {
		// Reverse order of commitment: payment, then inventory, then the order.
		cmds = []Command{
			d.command(RefundPayment, reason),
			d.command(ReleaseInventory, reason),
			d.command(CancelOrder, reason),
		}
	} else {
		// Inventory releases, and the order cancels on INVENTORY_RELEASED.
		cmds = []Command{d.command(ReleaseInventory, reason)}
	}

	switch d.cur.Status {
	case StatusReserved:
		return d.move(StatusCancelled, cmds, OutcomeCancelled), nil
	case StatusCancelled:
		return d.replay(cmds), nil
	}
	return Transition{}, d.invalid()
}

func (d decider) inventoryReleased() (Transition, error) {
	p, err := Decode[InventoryReleasedPayload](d.env)
	if err != nil {
		return Transition{}, err
	}
	if d.mode == Orchestration {
		return d.ignore(), nil
	}
	if d.cur.Status != StatusCancelled {
		return Transition{}, d.invalid()
	}
	reason := p.Reason
	if reason == "" {
		reason = ReasonPaymentFailed
	}
	return d.replay([]Command{d.command(CancelOrder, FailurePayload{Reason: reason})}), nil
}

func (d decider) timedOut() (Transition, error) {
	p, err := Decode[SagaTimedOutPayload](d.env)
	if err != nil {
		return Transition{}, err
	}
	// Nobody owns compensation in choreography; the supervisor escalates instead.
	if d.mode == Choreography {
		return d.ignore(), nil
	}
	// The saga moved on after the sweep saw it.
	if p.Status != d.cur.Status {
		return d.ignore(), nil
	}

	reason := FailurePayload{Reason: ReasonSagaTimeout}
	switch d.cur.Status {
	case StatusNone:
		// Nothing was heard from the order participant. Only the order row can
		// exist, so cancelling it is the whole compensation.
		if !d.pending {
			return d.ignore(), nil
		}
		return d.move(StatusCancelled, []Command{d.command(CancelOrder, reason)}, OutcomeCancelled), nil
	case StatusCreated:
		return d.move(StatusCancelled, []Command{
			d.command(ReleaseInventory, reason),
			d.command(CancelOrder, reason),
		}, OutcomeCancelled), nil
	case StatusReserved:
		return d.move(StatusCancelled, []Command{
			d.command(RefundPayment, reason),
			d.command(ReleaseInventory, reason),
			d.command(CancelOrder, reason),
		}, OutcomeCancelled), nil
	}
	return d.ignore(), nil
}

// Reactions returns the commands participants trigger for themselves when
// they observe env in choreography. It looks at the event alone; participant
// idempotency absorbs redeliveries.
func Reactions(env Envelope) ([]Command, error) {
	cmd := func(t MessageType, payload any) []Command {
		return []Command{{Type: t, OrderID: env.OrderID, Payload: payload}}
	}

	switch env.EventType {
	case OrderCreated:
		p, err := Decode[OrderCreatedPayload](env)
		if err != nil {
			return nil, err
		}
		return cmd(ReserveInventory, ReserveInventoryPayload(p)), nil
	case InventoryReserved:
		p, err := Decode[InventoryReservedPayload](env)
		if err != nil {
			return nil, err
		}
		return cmd(ProcessPayment, ProcessPaymentPayload{Amount: p.Amount}), nil
	case InventoryFailed:
		return cmd(CancelOrder, FailurePayload{Reason: ReasonInventoryFailed}), nil
	case PaymentSucceeded:
		return []Command{
			{Type: CommitInventory, OrderID: env.OrderID, Payload: EmptyPayload{}},
			{Type: ConfirmOrder, OrderID: env.OrderID, Payload: EmptyPayload{}},
		}, nil
	case PaymentFailed:
		return cmd(ReleaseInventory, FailurePayload{Reason: ReasonPaymentFailed}), nil
	case InventoryReleased:
		p, err := Decode[InventoryReleasedPayload](env)
		if err != nil {
			return nil, err
		}
		reason := p.Reason
		if reason == "" {
			reason = ReasonPaymentFailed
		}
		return cmd(CancelOrder, FailurePayload{Reason: reason}), nil
	}
	if !env.EventType.IsEvent() {
		return nil, fmt.Errorf("%w: %q on the event stream", ErrUnknownEventType, env.EventType)
	}
	return nil, nil
}

// ReactionsFor filters Reactions down to the commands addressed to p.
func ReactionsFor(p Participant, env Envelope) ([]Command, error) {
	all, err := Reactions(env)
	if err != nil {
		return nil, err
	}
	var out []Command
	for _, c := range all {
		if c.Target() == p {
			out = append(out, c)
		}
	}
	return out, nil
}
