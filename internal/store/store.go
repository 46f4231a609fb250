package store

import "context"

// Mutation tells Update what to do with the value returned by an UpdateFunc.
type Mutation int

const (
	// Skip leaves the stored value untouched.
	Skip Mutation = iota
	// Put stores the returned value.
	Put
	// Remove deletes the key.
	Remove
)

// UpdateFunc receives the current value for a key and decides the next one.
// found is false when the key is absent, in which case current is the zero value.
// Returning an error aborts the update without touching the store.
type UpdateFunc[V any] func(current V, found bool) (V, Mutation, error)

// Store is a keyed state register. Implementations must be safe for concurrent
// use, and Update must be atomic with respect to any other operation on the
// same key.
type Store[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool, error)
	Set(ctx context.Context, key K, value V) error
	Delete(ctx context.Context, key K) error
	Update(ctx context.Context, key K, fn UpdateFunc[V]) error
	// Range calls fn for a snapshot of every entry until fn returns false.
	Range(ctx context.Context, fn func(key K, value V) bool) error
}
