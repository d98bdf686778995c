// Package recency implements the two-generation recency buffer used to
// detect whether a per-user value (typically a location) has changed
// since it was last recorded.
package recency

import "sync"

// Buffer is a two-generation key/value map. Set writes to the current
// generation; Get checks current then falls back to the previous
// generation; Roll discards the previous generation and demotes current
// to previous, starting a fresh current generation.
//
// Roll is typically called on a fixed cadence (commonly every 30-60s) by
// the owner via a background ticker — see RollOnInterval.
type Buffer[V any] struct {
	mu       sync.Mutex
	current  map[string]V
	previous map[string]V
}

// New creates an empty Buffer.
func New[V any]() *Buffer[V] {
	return &Buffer[V]{
		current:  make(map[string]V),
		previous: make(map[string]V),
	}
}

// Set writes v for k into the current generation.
func (b *Buffer[V]) Set(k string, v V) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current[k] = v
}

// Get returns the value for k from the current generation, falling back
// to the previous generation. ok is false if k is in neither.
func (b *Buffer[V]) Get(k string) (v V, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok = b.current[k]; ok {
		return v, true
	}
	v, ok = b.previous[k]
	return v, ok
}

// Refresh promotes k's previous-generation entry into the current
// generation, without changing its value, if it isn't already current.
// A no-op if k has no entry at all.
func (b *Buffer[V]) Refresh(k string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.current[k]; ok {
		return
	}
	if v, ok := b.previous[k]; ok {
		b.current[k] = v
	}
}

// Roll discards the previous generation and moves the current generation
// into it, starting a new empty current generation.
func (b *Buffer[V]) Roll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.previous = b.current
	b.current = make(map[string]V)
}

// Len returns the combined size of both generations. Because the same key
// may appear in both, this may overcount relative to distinct keys — the
// same tradeoff the original implementation accepted in favor of an O(1)
// count.
func (b *Buffer[V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.current) + len(b.previous)
}
