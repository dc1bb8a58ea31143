package actionlog

import "sync"

// ring is a fixed-capacity FIFO buffer. Writes overwrite the oldest slot once
// full; readers always receive a copy.
type ring[T any] struct {
	mu       sync.RWMutex
	entries  []T
	capacity int
	head     int // next write index once full
	total    uint64
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

func (r *ring[T]) push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, v)
	} else {
		r.entries[r.head] = v
	}
	r.head = (r.head + 1) % r.capacity
	r.total++
}

// snapshot returns retained entries oldest first, along with the number of
// entries ever pushed.
func (r *ring[T]) snapshot() ([]T, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.entries))
	if len(r.entries) < r.capacity {
		copy(out, r.entries)
		return out, r.total
	}
	n := copy(out, r.entries[r.head:])
	copy(out[n:], r.entries[:r.head])
	return out, r.total
}

func (r *ring[T]) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
	r.head = 0
}
