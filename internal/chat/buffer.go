package chat

// tail keeps the last n items pushed into it using a fixed-size ring. It is
// used to keep the newest messages of an ascending key scan without holding
// the whole chat in memory. Not safe for concurrent use.
type tail[T any] struct {
	items []T
	pos   int
	count int
}

func newTail[T any](n int) *tail[T] {
	if n < 1 {
		n = 1
	}
	return &tail[T]{items: make([]T, n)}
}

// Push appends v, overwriting the oldest item when full.
func (t *tail[T]) Push(v T) {
	t.items[t.pos] = v
	t.pos = (t.pos + 1) % len(t.items)
	if t.count < len(t.items) {
		t.count++
	}
}

// Items returns the retained items oldest first.
func (t *tail[T]) Items() []T {
	out := make([]T, t.count)
	// The oldest item is at position (pos - count) mod size.
	size := len(t.items)
	start := (t.pos - t.count + size) % size
	for i := 0; i < t.count; i++ {
		out[i] = t.items[(start+i)%size]
	}
	return out
}

// Len returns the number of retained items.
func (t *tail[T]) Len() int { return t.count }
