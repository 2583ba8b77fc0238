package rebalancer

import (
	"sync"

	"github.com/gregtusar/replicator/pkg/models"
)

// worker is an unbounded FIFO of fills for one market.
type worker struct {
	mu    sync.Mutex
	queue []models.Fill
	wake  chan struct{}
}

func newWorker() *worker {
	return &worker{wake: make(chan struct{}, 1)}
}

func (w *worker) push(fill models.Fill) {
	w.mu.Lock()
	w.queue = append(w.queue, fill)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) take() []models.Fill {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.queue
	w.queue = nil
	return out
}
