package store

import (
	"context"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/google/uuid"
)

// DefaultShards is the shard count used by NewUUIDMemory.
const DefaultShards = 32

var _ Store[uuid.UUID, struct{}] = (*Memory[uuid.UUID, struct{}])(nil)

// Memory is an in-memory Store split into independently locked shards, so
// operations on keys that hash to different shards never contend.
type Memory[K comparable, V any] struct {
	shards []*shard[K, V]
	hash   func(K) uint64
}

type shard[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewMemory creates a sharded in-memory store. hash must be deterministic.
func NewMemory[K comparable, V any](shards int, hash func(K) uint64) *Memory[K, V] {
	if shards < 1 {
		shards = 1
	}
	m := &Memory[K, V]{
		shards: make([]*shard[K, V], shards),
		hash:   hash,
	}
	for i := range m.shards {
		m.shards[i] = &shard[K, V]{items: make(map[K]V)}
	}
	return m
}

// NewUUIDMemory creates an in-memory store keyed by order id.
func NewUUIDMemory[V any]() *Memory[uuid.UUID, V] {
	return NewMemory[uuid.UUID, V](DefaultShards, HashUUID)
}

// HashUUID hashes a uuid with xxhash.
func HashUUID(id uuid.UUID) uint64 {
	return xxhash.Checksum64(id[:])
}

func (m *Memory[K, V]) shardFor(key K) *shard[K, V] {
	return m.shards[m.hash(key)%uint64(len(m.shards))]
}

func (m *Memory[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (m *Memory[K, V]) Set(ctx context.Context, key K, value V) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (m *Memory[K, V]) Delete(ctx context.Context, key K) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Update holds the shard lock while fn runs; fn must not call back into the store.
func (m *Memory[K, V]) Update(ctx context.Context, key K, fn UpdateFunc[V]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, found := s.items[key]
	next, mutation, err := fn(current, found)
	if err != nil {
		return err
	}
	switch mutation {
	case Put:
		s.items[key] = next
	case Remove:
		delete(s.items, key)
	}
	return nil
}

func (m *Memory[K, V]) Range(ctx context.Context, fn func(key K, value V) bool) error {
	type entry struct {
		key   K
		value V
	}
	for _, s := range m.shards {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.RLock()
		snapshot := make([]entry, 0, len(s.items))
		for k, v := range s.items {
			snapshot = append(snapshot, entry{key: k, value: v})
		}
		s.mu.RUnlock()

		for _, e := range snapshot {
			if !fn(e.key, e.value) {
				return nil
			}
		}
	}
	return nil
}

// Len returns the number of stored entries.
func (m *Memory[K, V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
