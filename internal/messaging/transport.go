package messaging

import (
	"context"
	"errors"

	"ordersaga/internal/saga"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Message is one record read from a topic.
type Message struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64

	raw any
}

// Consumer is one member of a consumer group. Messages of one partition are
// fetched in order; Commit marks a message, and everything before it on its
// partition, as handled.
type Consumer interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Publisher sends an envelope to a topic, keyed by its order id.
type Publisher interface {
	Publish(ctx context.Context, topic string, env saga.Envelope) error
}

// Transport is a partitioned, key-ordered publish/subscribe log.
type Transport interface {
	Publisher
	// Consumers joins group on topic and returns its members. Together they
	// cover every partition of the topic.
	Consumers(topic, group string) ([]Consumer, error)
	Close() error
}
