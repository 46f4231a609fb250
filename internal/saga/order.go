package saga

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownEventType marks a message whose type is not part of the protocol
	// or is not valid where it was received.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrMalformedPayload marks an envelope or payload that cannot be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrInvalidTransition marks an event that does not fit the order's status.
	ErrInvalidTransition = errors.New("invalid transition")
)

// IsProtocolError reports whether err is a protocol failure: the message can
// never be handled and must be dropped rather than redelivered.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrUnknownEventType) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrInvalidTransition)
}

// Status is the saga state of an order.
type Status string

const (
	StatusNone             Status = ""
	StatusCreated          Status = "CREATED"
	StatusReserved         Status = "RESERVED"
	StatusPaymentSucceeded Status = "PAYMENT_SUCCEEDED"
	StatusCancelled        Status = "CANCELLED"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusPaymentSucceeded || s == StatusCancelled
}

// InFlight reports whether the saga is waiting on a participant.
func (s Status) InFlight() bool {
	return s == StatusCreated || s == StatusReserved
}

// Order is the coordinator's record of one saga.
type Order struct {
	ID        uuid.UUID `json:"orderId"`
	ProductID int64     `json:"productId,omitempty"`
	Quantity  int       `json:"quantity,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	Status    Status    `json:"status,omitempty"`
	// Failed is set when order creation failed; Status then stays StatusNone.
	Failed    bool      `json:"failed,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Pending reports whether o was registered when the saga started and no
// outcome of the order participant has been applied yet.
func (o Order) Pending() bool {
	return o.ID != uuid.Nil && o.Status == StatusNone && !o.Failed
}

// Label names s for logs and metric attributes, where an empty status would
// read as missing. Pending records are labelled PENDING.
func (s Status) Label() string {
	if s == StatusNone {
		return "PENDING"
	}
	return string(s)
}

// Reservation is inventory held for an order.
type Reservation struct {
	OrderID   uuid.UUID `json:"orderId"`
	ProductID int64     `json:"productId"`
	Quantity  int       `json:"quantity"`
}

// Mode selects the coordination topology.
type Mode string

const (
	Orchestration Mode = "orchestration"
	Choreography  Mode = "choreography"
)

// ParseMode parses a topology name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Orchestration:
		return Orchestration, nil
	case Choreography:
		return Choreography, nil
	}
	return "", fmt.Errorf("unknown saga mode %q", s)
}
