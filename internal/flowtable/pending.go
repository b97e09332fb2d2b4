package flowtable

import (
	"context"
	"sync"
)

// Queue is an unbounded blocking FIFO of pending routes.
//
// Producers are the route event sources and the resolver's own re-enqueue;
// the resolver is the single consumer. Ordering is strict FIFO, the
// NotBefore timestamps are honored by the consumer sleeping, not by
// reordering.
type Queue struct {
	mu     sync.Mutex
	items  []PendingRoute
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
	}
}

// Push appends a pending route to the tail.
func (m *Queue) Push(pr PendingRoute) {
	m.mu.Lock()
	m.items = append(m.items, pr)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the head, blocking until an element is available
// or the context is canceled.
func (m *Queue) Pop(ctx context.Context) (PendingRoute, error) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			pr := m.items[0]
			m.items = m.items[1:]
			m.mu.Unlock()
			return pr, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return PendingRoute{}, ctx.Err()
		case <-m.notify:
		}
	}
}

// Len returns the number of queued routes.
func (m *Queue) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.items)
}
