package pipeline

import "context"

// Queue is the bounded-capacity, FIFO, blocking-on-empty-pop MPMC
// queue the spec names in §3/§5. It is a thin typed wrapper around a
// buffered channel rather than a bare channel passed between
// components — grounded on the pack's convention of wrapping a
// channel in a named struct at package boundaries (e.g.
// queueservice.Topic wrapping `messages chan *Message`). Push and Pop
// are exactly Go's channel send/receive, which already are the
// linearization points the spec's "ordering guarantees" (§5) require.
type Queue[T any] struct {
	ch chan T
}

// NewQueue allocates a queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Push enqueues a value, blocking if the queue is at capacity or
// until ctx is cancelled.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues a value, blocking while the queue is empty or until
// ctx is cancelled. ok is false only when the queue has been closed
// and drained.
func (q *Queue[T]) Pop(ctx context.Context) (v T, ok bool, err error) {
	select {
	case v, ok = <-q.ch:
		return v, ok, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// Len reports the current number of queued entries, used by the
// dispatcher and node coordinator to compute local backlog
// (spec.md §4.2/§4.3).
func (q *Queue[T]) Len() int { return len(q.ch) }

// Close closes the underlying channel. Callers must not Push after
// Close; it exists so tests can observe queue drain-to-empty.
func (q *Queue[T]) Close() { close(q.ch) }
