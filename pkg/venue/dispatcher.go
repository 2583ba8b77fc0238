package venue

import "sync"

// Dispatcher delivers events to a single handler. Events that arrive before
// a handler is registered are buffered and flushed, in order, to the first
// handler.
type Dispatcher[T any] struct {
	mu      sync.Mutex
	handler func(T)
	pending []T
}

func (d *Dispatcher[T]) Handle(fn func(T)) {
	d.mu.Lock()
	first := d.handler == nil
	d.handler = fn
	var backlog []T
	if first {
		backlog = d.pending
		d.pending = nil
	}
	// flushing under the lock keeps backlog ahead of new events
	for _, ev := range backlog {
		fn(ev)
	}
	d.mu.Unlock()
}

func (d *Dispatcher[T]) Emit(ev T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler == nil {
		d.pending = append(d.pending, ev)
		return
	}
	d.handler(ev)
}

// Pending returns the number of buffered events.
func (d *Dispatcher[T]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
