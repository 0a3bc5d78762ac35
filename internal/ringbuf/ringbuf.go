// Package ringbuf provides a fixed-capacity ring that overwrites its oldest
// element when full. It is not safe for concurrent use; callers guard it.
package ringbuf

// Ring holds at most Cap() values in insertion order.
type Ring[T any] struct {
	buf   []T
	start int // index of the oldest element
	n     int
}

// New creates a ring with the given capacity. Minimum capacity is 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. When the ring is full the oldest value is dropped and
// returned with ok=true.
func (r *Ring[T]) Push(v T) (old T, ok bool) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return old, false
	}
	old = r.buf[r.start]
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return old, true
}

// Last returns up to n of the newest values, oldest first. The slice is a
// copy and may be retained by the caller.
func (r *Ring[T]) Last(n int) []T {
	if n > r.n {
		n = r.n
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	first := r.n - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+first+i)%len(r.buf)]
	}
	return out
}

// Len returns the current number of values.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

