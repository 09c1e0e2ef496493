// Package ctxval gives a context a small mutable bag, so inner layers can
// report values back to whoever wrapped the context.
package ctxval

import (
	"context"
	"sync"
)

// Wrap returns ctx with a bag attached. Wrapping twice keeps the first bag.
func Wrap(ctx context.Context) context.Context {
	if _, ok := bagOf(ctx); ok {
		return ctx
	}
	return context.WithValue(ctx, bagKey{}, &bag{values: map[any]any{}})
}

// Set stores v under k. It is a no-op on an unwrapped context.
func Set[K comparable, V any](ctx context.Context, k K, v V) {
	b, ok := bagOf(ctx)
	if !ok {
		return
	}
	b.mu.Lock()
	b.values[k] = v
	b.mu.Unlock()
}

func Get[K comparable, V any](ctx context.Context, k K) (V, bool) {
	b, ok := bagOf(ctx)
	if !ok {
		return *new(V), false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[k].(V)
	return v, ok
}

// Update replaces the value under k with fn(current) atomically. found is
// false when k was not set or held another type. It reports whether ctx
// was wrapped.
func Update[K comparable, V any](ctx context.Context, k K, fn func(cur V, found bool) V) bool {
	b, ok := bagOf(ctx)
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, found := b.values[k].(V)
	b.values[k] = fn(cur, found)
	return true
}

type bagKey struct{}

type bag struct {
	mu     sync.Mutex
	values map[any]any
}

func bagOf(ctx context.Context) (*bag, bool) {
	b, ok := ctx.Value(bagKey{}).(*bag)
	return b, ok
}
