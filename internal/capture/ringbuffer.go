package capture

import "sync/atomic"

// Ring is a bounded single-producer/single-consumer queue. The realtime path
// is the only producer and the flush path the only consumer, so neither side
// takes a lock. written and read are monotonic totals; their difference is the
// occupancy and their values double as watermarks.
type Ring[T any] struct {
	buf     []T
	written atomic.Uint64
	read    atomic.Uint64
}

// NewRing allocates a ring holding up to capacity items
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Capacity returns the number of items the ring can hold
func (r *Ring[T]) Capacity() int {
	return len(r.buf)
}

// ReadSpace returns the number of items waiting to be consumed
func (r *Ring[T]) ReadSpace() int {
	return int(r.written.Load() - r.read.Load())
}

// WriteSpace returns the number of free slots
func (r *Ring[T]) WriteSpace() int {
	return len(r.buf) - r.ReadSpace()
}

// Written returns the total number of items ever produced
func (r *Ring[T]) Written() uint64 {
	return r.written.Load()
}

// Read returns the total number of items ever consumed
func (r *Ring[T]) Read() uint64 {
	return r.read.Load()
}

// Write copies as much of src as fits and returns the count. Producer only.
func (r *Ring[T]) Write(src []T) int {
	w := r.written.Load()
	free := len(r.buf) - int(w-r.read.Load())
	n := len(src)
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	idx := int(w % uint64(len(r.buf)))
	first := copy(r.buf[idx:], src[:n])
	copy(r.buf, src[first:n])

	r.written.Store(w + uint64(n))
	return n
}

// Push appends a single item. Producer only.
func (r *Ring[T]) Push(v T) bool {
	slot, ok := r.Reserve()
	if !ok {
		return false
	}
	*slot = v
	r.Commit()
	return true
}

// Reserve returns the next free slot for in-place filling; Commit publishes it.
// Producer only.
func (r *Ring[T]) Reserve() (*T, bool) {
	w := r.written.Load()
	if int(w-r.read.Load()) >= len(r.buf) {
		return nil, false
	}
	return &r.buf[w%uint64(len(r.buf))], true
}

// Commit publishes the slot obtained from Reserve. Producer only.
func (r *Ring[T]) Commit() {
	r.written.Add(1)
}

// Peek copies up to len(dst) waiting items without consuming them. Consumer only.
func (r *Ring[T]) Peek(dst []T) int {
	rd := r.read.Load()
	n := int(r.written.Load() - rd)
	if n > len(dst) {
		n = len(dst)
	}
	if n == 0 {
		return 0
	}

	idx := int(rd % uint64(len(r.buf)))
	first := copy(dst[:n], r.buf[idx:])
	copy(dst[first:n], r.buf)
	return n
}

// Front returns the oldest waiting item. Consumer only.
func (r *Ring[T]) Front() (*T, bool) {
	rd := r.read.Load()
	if rd == r.written.Load() {
		return nil, false
	}
	return &r.buf[rd%uint64(len(r.buf))], true
}

// Advance consumes n items. Consumer only.
func (r *Ring[T]) Advance(n int) {
	if avail := r.ReadSpace(); n > avail {
		n = avail
	}
	r.read.Add(uint64(n))
}
