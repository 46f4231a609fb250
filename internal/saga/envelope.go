package saga

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// Envelope wraps every command and event. Consumers dispatch on EventType
// before decoding Payload.
type Envelope struct {
	EventType MessageType     `json:"eventType"`
	OrderID   uuid.UUID       `json:"orderId"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode wraps payload for orderID under eventType.
func Encode(eventType MessageType, orderID uuid.UUID, payload any) (Envelope, error) {
	if !eventType.Known() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	if orderID == uuid.Nil {
		return Envelope{}, fmt.Errorf("%w: missing order id", ErrMalformedPayload)
	}
	if payload == nil {
		payload = EmptyPayload{}
	}
	if want := payloadTypes[eventType]; reflect.TypeOf(payload) != want {
		return Envelope{}, fmt.Errorf("%w: %s carries %s, got %T", ErrMalformedPayload, eventType, want, payload)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{EventType: eventType, OrderID: orderID, Payload: raw}, nil
}

// Decode returns the typed payload of env. T must be the payload type declared
// for env.EventType.
func Decode[T any](env Envelope) (T, error) {
	var out T
	want, ok := payloadTypes[env.EventType]
	if !ok {
		return out, fmt.Errorf("%w: %q", ErrUnknownEventType, env.EventType)
	}
	if got := reflect.TypeFor[T](); got != want {
		return out, fmt.Errorf("%w: %s carries %s, decoded as %s", ErrMalformedPayload, env.EventType, want, got)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.EventType, err)
	}
	return out, nil
}

// Marshal serializes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a wire envelope. It checks the envelope itself, not the
// payload; unknown types are left for the consumer to drop.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("%w: missing eventType", ErrMalformedPayload)
	}
	if env.OrderID == uuid.Nil {
		return Envelope{}, fmt.Errorf("%w: missing orderId", ErrMalformedPayload)
	}
	return env, nil
}

// Key is the partition key: every message of one order shares it.
func (e Envelope) Key() []byte {
	return []byte(e.OrderID.String())
}

// Command is an imperative request addressed to one participant.
type Command struct {
	Type    MessageType
	OrderID uuid.UUID
	Payload any
}

// Target returns the participant that executes the command.
func (c Command) Target() Participant {
	p, _ := c.Type.Target()
	return p
}

// Envelope encodes the command for the wire.
func (c Command) Envelope() (Envelope, error) {
	if !c.Type.IsCommand() {
		return Envelope{}, fmt.Errorf("%w: %s is not a command", ErrUnknownEventType, c.Type)
	}
	return Encode(c.Type, c.OrderID, c.Payload)
}
