package log

import "sync"

// RingBuffer holds the most recent entries up to a fixed capacity.
// Adding to a full buffer overwrites the oldest entry.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	entries  []T
	capacity int
	head     int
	size     int
}

// NewRingBuffer creates a buffer with given capacity.
// Capacity must be >= 1; values <= 0 are normalized to 1.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer[T]{
		entries:  make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends an entry, overwriting oldest if full.
func (r *RingBuffer[T]) Add(entry T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.head] = entry
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// GetLast returns the last n entries, oldest first.
func (r *RingBuffer[T]) GetLast(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}

	result := make([]T, n)
	start := (r.head - n + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		idx := (start + i) % r.capacity
		result[i] = r.entries[idx]
	}
	return result
}

// All returns every entry currently held, oldest first.
func (r *RingBuffer[T]) All() []T {
	return r.GetLast(r.Len())
}

// Len returns the number of entries currently held.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the buffer capacity.
func (r *RingBuffer[T]) Cap() int {
	return r.capacity
}

// Clear empties the buffer.
func (r *RingBuffer[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.entries {
		r.entries[i] = zero
	}
	r.head = 0
	r.size = 0
}
