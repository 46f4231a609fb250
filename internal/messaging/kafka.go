package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"ordersaga/internal/platform/kafka"
	"ordersaga/internal/saga"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
)

// WriterFactory creates the producer for one topic.
type WriterFactory func(topic string) (kafka.Producer, error)

// ReaderFactory creates one consumer group member.
type ReaderFactory func(topic, group string) kafka.Consumer

// KafkaTransport publishes through one traced writer per topic and consumes
// through kafka-go consumer groups.
type KafkaTransport struct {
	members   int
	newWriter WriterFactory
	newReader ReaderFactory

	mu      sync.Mutex
	writers map[string]kafka.Producer
	readers []kafka.Consumer
	closed  bool
}

// KafkaOption customizes a KafkaTransport.
type KafkaOption func(*KafkaTransport)

// WithWriterFactory replaces the writer constructor.
func WithWriterFactory(f WriterFactory) KafkaOption {
	return func(t *KafkaTransport) { t.newWriter = f }
}

// WithReaderFactory replaces the reader constructor.
func WithReaderFactory(f ReaderFactory) KafkaOption {
	return func(t *KafkaTransport) { t.newReader = f }
}

// NewKafkaTransport connects to broker. members readers join every group.
func NewKafkaTransport(broker string, members int, tp trace.TracerProvider, opts ...KafkaOption) *KafkaTransport {
	t := &KafkaTransport{
		members: max(members, 1),
		newWriter: func(topic string) (kafka.Producer, error) {
			return kafka.NewWriter(broker, topic, tp)
		},
		newReader: func(topic, group string) kafka.Consumer {
			return kafka.NewReader(broker, topic, group)
		},
		writers: make(map[string]kafka.Producer),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *KafkaTransport) writer(topic string) (kafka.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if w, ok := t.writers[topic]; ok {
		return w, nil
	}
	w, err := t.newWriter(topic)
	if err != nil {
		return nil, fmt.Errorf("create writer for %s: %w", topic, err)
	}
	t.writers[topic] = w
	return w, nil
}

// Publish writes env keyed by its order id. The writer injects the trace
// context of ctx into the message headers.
func (t *KafkaTransport) Publish(ctx context.Context, topic string, env saga.Envelope) error {
	w, err := t.writer(topic)
	if err != nil {
		return err
	}
	value, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return w.WriteMessage(ctx, kafkago.Message{
		Key:   env.Key(),
		Value: value,
	})
}

func (t *KafkaTransport) Consumers(topic, group string) ([]Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	out := make([]Consumer, t.members)
	for i := range out {
		r := t.newReader(topic, group)
		t.readers = append(t.readers, r)
		out[i] = &kafkaConsumer{reader: r}
	}
	return out, nil
}

// Close closes every reader and flushes every writer.
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	for _, r := range t.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	for topic, w := range t.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer for %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

type kafkaConsumer struct {
	reader kafka.Consumer
}

func (c *kafkaConsumer) Fetch(ctx context.Context) (Message, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, kafkago.ErrGroupClosed) {
			return Message{}, ErrClosed
		}
		return Message{}, err
	}
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Key:       m.Key,
		Value:     m.Value,
		Headers:   headers,
		Partition: m.Partition,
		Offset:    m.Offset,
		raw:       m,
	}, nil
}

func (c *kafkaConsumer) Commit(ctx context.Context, msg Message) error {
	m, ok := msg.raw.(kafkago.Message)
	if !ok {
		return fmt.Errorf("commit: message at %d/%d was not fetched from kafka", msg.Partition, msg.Offset)
	}
	return c.reader.CommitMessages(ctx, m)
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}
