package flutter

// ring is an ordered sequence with amortised O(1) push-back and pop-front.
// Popped slots are reclaimed by compacting once the dead prefix outgrows the
// live tail.
type ring[T any] struct {
	buf  []T
	head int
}

func (r *ring[T]) Len() int {
	return len(r.buf) - r.head
}

func (r *ring[T]) Push(v T) {
	r.buf = append(r.buf, v)
}

// Front returns the oldest element. It must not be called on an empty ring.
func (r *ring[T]) Front() T {
	return r.buf[r.head]
}

// Back returns the newest element. It must not be called on an empty ring.
func (r *ring[T]) Back() T {
	return r.buf[len(r.buf)-1]
}

func (r *ring[T]) PopFront() {
	var zero T
	r.buf[r.head] = zero
	r.head++
	if r.head == len(r.buf) {
		r.buf = r.buf[:0]
		r.head = 0
		return
	}
	if r.head >= 64 && r.head*2 >= len(r.buf) {
		n := copy(r.buf, r.buf[r.head:])
		clear(r.buf[n:])
		r.buf = r.buf[:n]
		r.head = 0
	}
}

// Each calls fn for every element, oldest first.
func (r *ring[T]) Each(fn func(T)) {
	for _, v := range r.buf[r.head:] {
		fn(v)
	}
}

// Slice returns a copy of the live elements, oldest first.
func (r *ring[T]) Slice() []T {
	out := make([]T, r.Len())
	copy(out, r.buf[r.head:])
	return out
}

func (r *ring[T]) Clear() {
	clear(r.buf)
	r.buf = r.buf[:0]
	r.head = 0
}
