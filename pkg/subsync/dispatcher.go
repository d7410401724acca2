package subsync

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// dispatcher applies admitted events on a fixed pool of workers. Per-key
// ordering is still enforced by the manager's keyed lock.
type dispatcher struct {
	m       *Manager
	workers int
	queue   chan *Event

	mu      sync.RWMutex
	closed  bool
	started bool
	group   *errgroup.Group
}

func newDispatcher(m *Manager, workers, size int) *dispatcher {
	return &dispatcher{
		m:       m,
		workers: workers,
		queue:   make(chan *Event, size),
	}
}

func (d *dispatcher) start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	// Workers outlive request contexts; only Close stops them.
	ctx = context.WithoutCancel(ctx)
	d.group = &errgroup.Group{}
	for i := 0; i < d.workers; i++ {
		d.group.Go(func() error {
			for ev := range d.queue {
				d.m.metrics.RecordQueueDepth(len(d.queue))
				if _, err := d.m.Apply(ctx, ev); err != nil {
					d.m.logger.Error("async apply failed", append(eventFields(ev), Field{Key: "error", Value: err})...)
				}
			}
			return nil
		})
	}
}

// submit enqueues ev without blocking. It returns false when the queue is
// full, closed, or the workers were never started.
func (d *dispatcher) submit(ev *Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || !d.started {
		return false
	}
	select {
	case d.queue <- ev:
		d.m.metrics.RecordQueueDepth(len(d.queue))
		return true
	default:
		return false
	}
}

func (d *dispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	group := d.group
	d.mu.Unlock()

	if group == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handoffs counts intent batches running in the background. Unlike a
// sync.WaitGroup it may be waited on while new work is still being added.
type handoffs struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (h *handoffs) add() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 {
		h.idle = make(chan struct{})
	}
	h.n++
}

func (h *handoffs) done() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.n--
	if h.n == 0 {
		close(h.idle)
	}
}

func (h *handoffs) wait(ctx context.Context) error {
	h.mu.Lock()
	if h.n == 0 {
		h.mu.Unlock()
		return nil
	}
	idle := h.idle
	h.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
