package messaging

import (
	"context"
	"fmt"
	"sync"

	"ordersaga/internal/saga"

	"github.com/OneOfOne/xxhash"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// MemoryTransport is an in-process partitioned log. Every topic has the same
// number of partitions; a message goes to the partition its key hashes to,
// and each consumer group keeps its own position per partition.
// Logs are never truncated.
type MemoryTransport struct {
	partitions int
	members    int

	mu     sync.Mutex
	topics map[string]*memTopic
	notify chan struct{}
	closed bool
	done   chan struct{}
}

type memTopic struct {
	parts []*memPartition
}

type memPartition struct {
	log    []Message
	groups map[string]*cursor
}

type cursor struct {
	next      int64
	committed int64
}

// NewMemoryTransport creates a transport with partitions partitions per topic
// and members consumers per group.
func NewMemoryTransport(partitions, members int) *MemoryTransport {
	if partitions < 1 {
		partitions = 1
	}
	if members < 1 {
		members = 1
	}
	return &MemoryTransport{
		partitions: partitions,
		members:    min(members, partitions),
		topics:     make(map[string]*memTopic),
		notify:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// topic returns the named topic, creating it. Callers hold t.mu.
func (t *MemoryTransport) topic(name string) *memTopic {
	tp, ok := t.topics[name]
	if !ok {
		tp = &memTopic{parts: make([]*memPartition, t.partitions)}
		for i := range tp.parts {
			tp.parts[i] = &memPartition{groups: make(map[string]*cursor)}
		}
		t.topics[name] = tp
	}
	return tp
}

// Partition returns the partition key lands on.
func (t *MemoryTransport) Partition(key []byte) int {
	return int(xxhash.Checksum64(key) % uint64(t.partitions))
}

func (t *MemoryTransport) Publish(ctx context.Context, topic string, env saga.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	headers := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, headers)

	key := env.Key()
	part := t.Partition(key)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	p := t.topic(topic).parts[part]
	p.log = append(p.log, Message{
		Key:       key,
		Value:     value,
		Headers:   headers,
		Partition: part,
		Offset:    int64(len(p.log)),
	})
	close(t.notify)
	t.notify = make(chan struct{})
	return nil
}

// Consumers joins group. Partitions are dealt out round-robin over the
// members. A new group starts at the beginning of the log.
func (t *MemoryTransport) Consumers(topic, group string) ([]Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	tp := t.topic(topic)
	out := make([]Consumer, t.members)
	for m := range out {
		c := &memConsumer{t: t, topic: topic, group: group}
		for i := m; i < t.partitions; i += t.members {
			c.parts = append(c.parts, i)
		}
		out[m] = c
	}
	for _, p := range tp.parts {
		if _, ok := p.groups[group]; !ok {
			p.groups[group] = &cursor{}
		}
	}
	return out, nil
}

// Pending returns how many messages, summed over every group, have not been
// committed yet.
func (t *MemoryTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, tp := range t.topics {
		for _, p := range tp.parts {
			for _, c := range p.groups {
				n += len(p.log) - int(c.committed)
			}
		}
	}
	return n
}

// Messages returns a copy of every message on topic, partition by partition.
func (t *MemoryTransport) Messages(topic string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, ok := t.topics[topic]
	if !ok {
		return nil
	}
	var out []Message
	for _, p := range tp.parts {
		out = append(out, p.log...)
	}
	return out
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

type memConsumer struct {
	t     *MemoryTransport
	topic string
	group string
	parts []int
	rr    int
}

// Fetch returns the next message from the member's partitions, taking them in
// turn so one busy partition does not starve the others.
func (c *memConsumer) Fetch(ctx context.Context) (Message, error) {
	for {
		c.t.mu.Lock()
		if c.t.closed {
			c.t.mu.Unlock()
			return Message{}, ErrClosed
		}
		tp := c.t.topic(c.topic)
		for i := range c.parts {
			idx := c.parts[(c.rr+i)%len(c.parts)]
			p := tp.parts[idx]
			cur := p.groups[c.group]
			if cur.next < int64(len(p.log)) {
				msg := p.log[cur.next]
				cur.next++
				c.rr = (c.rr + i + 1) % len(c.parts)
				c.t.mu.Unlock()
				return msg, nil
			}
		}
		wait := c.t.notify
		c.t.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-c.t.done:
			return Message{}, ErrClosed
		case <-wait:
		}
	}
}

func (c *memConsumer) Commit(_ context.Context, msg Message) error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.t.closed {
		return ErrClosed
	}
	tp := c.t.topic(c.topic)
	if msg.Partition < 0 || msg.Partition >= len(tp.parts) {
		return fmt.Errorf("commit %s/%d: no such partition", c.topic, msg.Partition)
	}
	cur := tp.parts[msg.Partition].groups[c.group]
	if next := msg.Offset + 1; next > cur.committed {
		cur.committed = next
	}
	return nil
}

func (c *memConsumer) Close() error { return nil }
