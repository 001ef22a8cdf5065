package metrics

import "sync"

// Ring is a thread-safe fixed-capacity ring buffer. When full, appending
// overwrites the oldest entry. Used for capped metric and history windows.
type Ring[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // oldest entry
	count    int
	capacity int

	totalAppended int64
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

// Append adds an item, evicting the oldest when at capacity.
func (r *Ring[T]) Append(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.count) % r.capacity
	r.buf[tail] = item

	if r.count == r.capacity {
		r.head = (r.head + 1) % r.capacity
	} else {
		r.count++
	}
	r.totalAppended++
}

// Snapshot returns the buffered items, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%r.capacity]
	}
	return out
}

// Len returns the current number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Total returns the count of items ever appended, including overwritten ones.
func (r *Ring[T]) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalAppended
}
