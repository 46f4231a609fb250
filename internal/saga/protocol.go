package saga

import (
	"reflect"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// MessageType is the tag carried in Envelope.EventType. Commands and events
// share the namespace.
type MessageType string

// Commands
const (
	CreateOrder      MessageType = "CREATE_ORDER"
	ReserveInventory MessageType = "RESERVE_INVENTORY"
	ReleaseInventory MessageType = "RELEASE_INVENTORY"
	CommitInventory  MessageType = "COMMIT_INVENTORY"
	ProcessPayment   MessageType = "PROCESS_PAYMENT"
	RefundPayment    MessageType = "REFUND_PAYMENT"
	CancelOrder      MessageType = "CANCEL_ORDER"
	ConfirmOrder     MessageType = "CONFIRM_ORDER"
)

// Events
const (
	OrderCreated       MessageType = "ORDER_CREATED"
	OrderCreateFailed  MessageType = "ORDER_CREATE_FAILED"
	InventoryReserved  MessageType = "INVENTORY_RESERVED"
	InventoryFailed    MessageType = "INVENTORY_FAILED"
	InventoryReleased  MessageType = "INVENTORY_RELEASED"
	InventoryCommitted MessageType = "INVENTORY_COMMITTED"
	PaymentSucceeded   MessageType = "PAYMENT_SUCCEEDED"
	PaymentFailed      MessageType = "PAYMENT_FAILED"
	PaymentRefunded    MessageType = "PAYMENT_REFUNDED"
	OrderCancelled     MessageType = "ORDER_CANCELLED"
	OrderConfirmed     MessageType = "ORDER_CONFIRMED"
	SagaTimedOut       MessageType = "SAGA_TIMED_OUT"
)

// Participant names the service a command is addressed to.
type Participant string

const (
	OrderParticipant     Participant = "order"
	InventoryParticipant Participant = "inventory"
	PaymentParticipant   Participant = "payment"
)

// Business failure reasons.
const (
	ReasonOutOfStock         = "out_of_stock"
	ReasonCardDeclined       = "card_declined"
	ReasonConstraintViolated = "database_constraint_violation"
	ReasonDuplicateOrder     = "duplicate_order"
	ReasonInvalidOrder       = "invalid_order"
	ReasonPaymentFailed      = "payment_failed"
	ReasonInventoryFailed    = "inventory_failed"
	ReasonSagaTimeout        = "saga_timeout"
	ReasonOrderCancelled     = "order_cancelled"
)

type CreateOrderPayload struct {
	ProductID int64   `json:"productId"`
	Quantity  int     `json:"quantity"`
	Amount    float64 `json:"amount"`
}

// Validate rejects orders that no participant could satisfy.
func (p CreateOrderPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ProductID, validation.Required, validation.Min(int64(1))),
		validation.Field(&p.Quantity, validation.Required, validation.Min(1)),
		validation.Field(&p.Amount, validation.Required, validation.Min(0.01)),
	)
}

type OrderCreatedPayload struct {
	ProductID int64   `json:"productId"`
	Quantity  int     `json:"quantity"`
	Amount    float64 `json:"amount"`
}

type ReserveInventoryPayload struct {
	ProductID int64   `json:"productId"`
	Quantity  int     `json:"quantity"`
	Amount    float64 `json:"amount"`
}

type InventoryReservedPayload struct {
	ProductID int64   `json:"productId"`
	Quantity  int     `json:"quantity"`
	Amount    float64 `json:"amount"`
}

type InventoryReleasedPayload struct {
	ProductID int64  `json:"productId"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
}

type InventoryCommittedPayload struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type ProcessPaymentPayload struct {
	Amount float64 `json:"amount"`
}

type PaymentSucceededPayload struct {
	Amount float64 `json:"amount"`
}

type PaymentRefundedPayload struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

// FailurePayload is the body of every command or event that only carries a reason.
type FailurePayload struct {
	Reason string `json:"reason"`
}

// EmptyPayload is the body of commands and events with no attributes.
type EmptyPayload struct{}

type SagaTimedOutPayload struct {
	Status Status `json:"status"`
}

var payloadTypes = map[MessageType]reflect.Type{
	CreateOrder:      reflect.TypeFor[CreateOrderPayload](),
	ReserveInventory: reflect.TypeFor[ReserveInventoryPayload](),
	ReleaseInventory: reflect.TypeFor[FailurePayload](),
	CommitInventory:  reflect.TypeFor[EmptyPayload](),
	ProcessPayment:   reflect.TypeFor[ProcessPaymentPayload](),
	RefundPayment:    reflect.TypeFor[FailurePayload](),
	CancelOrder:      reflect.TypeFor[FailurePayload](),
	ConfirmOrder:     reflect.TypeFor[EmptyPayload](),

	OrderCreated:       reflect.TypeFor[OrderCreatedPayload](),
	OrderCreateFailed:  reflect.TypeFor[FailurePayload](),
	InventoryReserved:  reflect.TypeFor[InventoryReservedPayload](),
	InventoryFailed:    reflect.TypeFor[FailurePayload](),
	InventoryReleased:  reflect.TypeFor[InventoryReleasedPayload](),
	InventoryCommitted: reflect.TypeFor[InventoryCommittedPayload](),
	PaymentSucceeded:   reflect.TypeFor[PaymentSucceededPayload](),
	PaymentFailed:      reflect.TypeFor[FailurePayload](),
	PaymentRefunded:    reflect.TypeFor[PaymentRefundedPayload](),
	OrderCancelled:     reflect.TypeFor[FailurePayload](),
	OrderConfirmed:     reflect.TypeFor[EmptyPayload](),
	SagaTimedOut:       reflect.TypeFor[SagaTimedOutPayload](),
}

var commandTargets = map[MessageType]Participant{
	CreateOrder:      OrderParticipant,
	CancelOrder:      OrderParticipant,
	ConfirmOrder:     OrderParticipant,
	ReserveInventory: InventoryParticipant,
	ReleaseInventory: InventoryParticipant,
	CommitInventory:  InventoryParticipant,
	ProcessPayment:   PaymentParticipant,
	RefundPayment:    PaymentParticipant,
}

// Known reports whether t is part of the protocol.
func (t MessageType) Known() bool {
	_, ok := payloadTypes[t]
	return ok
}

// IsCommand reports whether t is a command.
func (t MessageType) IsCommand() bool {
	_, ok := commandTargets[t]
	return ok
}

// IsEvent reports whether t is an event.
func (t MessageType) IsEvent() bool {
	return t.Known() && !t.IsCommand()
}

// Target returns the participant that executes command t.
func (t MessageType) Target() (Participant, bool) {
	p, ok := commandTargets[t]
	return p, ok
}

// IsFailure reports whether t is a participant's business failure event.
func (t MessageType) IsFailure() bool {
	return t == OrderCreateFailed || t == InventoryFailed || t == PaymentFailed
}

func (t MessageType) String() string { return string(t) }
