// Package transport provides in-process connections with the same semantics
// as the networked ones: ordered, unbounded and closed from either side.
package transport

import (
	"io"
	"sync"

	forgev1 "go.trai.ch/forge/api/forge/v1"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
)

// Queue is an unbounded FIFO with a single consumer. Push never blocks.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Push appends item, or fails with domain.ErrConnectionClosed once the queue
// is closed.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.wake()
	return nil
}

// Close stops accepting items. Queued items are still delivered.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until an item is available. Items queued before Close are
// still delivered, then io.EOF.
func (q *Queue[T]) Pop() (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			var zero T
			return zero, io.EOF
		}
		q.mu.Unlock()
		<-q.notify
	}
}

// end is one side of a pipe.
type end[S, R any] struct {
	out *Queue[S]
	in  *Queue[R]
}

// Send queues msg for the peer.
func (e *end[S, R]) Send(msg S) error {
	return e.out.Push(msg)
}

// Recv returns the next message from the peer.
func (e *end[S, R]) Recv() (R, error) {
	return e.in.Pop()
}

// Close shuts both directions. The peer still receives what was sent before.
func (e *end[S, R]) Close() error {
	e.out.Close()
	e.in.Close()
	return nil
}

// Pipe returns two connected ends.
func Pipe[A, B any]() (ports.Conn[A, B], ports.Conn[B, A]) {
	ab := NewQueue[A]()
	ba := NewQueue[B]()
	return &end[A, B]{out: ab, in: ba}, &end[B, A]{out: ba, in: ab}
}

// ClientPipe connects a client to a scheduler in process.
func ClientPipe() (ports.ClientConn, ports.ClientSession) {
	return Pipe[*forgev1.ClientToServer, *forgev1.ServerToClient]()
}

// WorkerPipe connects a worker to a scheduler in process.
func WorkerPipe() (ports.WorkerConn, ports.WorkerSession) {
	return Pipe[*forgev1.WorkerToServer, *forgev1.ServerToWorker]()
}
