package anomaly

// ring is a fixed-capacity circular buffer; Push overwrites the oldest element when full.
type ring[T any] struct {
	buf  []T
	head int // next write position
	size int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) Push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring[T]) Len() int { return r.size }

// Each visits elements oldest first until fn returns false.
func (r *ring[T]) Each(fn func(T) bool) {
	start := (r.head - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		if !fn(r.buf[(start+i)%len(r.buf)]) {
			return
		}
	}
}
