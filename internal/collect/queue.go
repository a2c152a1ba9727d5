// Package collect implements the desktop agent's capture pipeline: the
// bounded event queue, the collectors that feed it, and the sender that
// drains it toward the service.
package collect

import (
	"context"
	"sync/atomic"

	"sentinel/internal/event"
	"sentinel/internal/logging"
)

// Queue is a bounded FIFO of pending events. When full, new events are
// dropped and counted rather than blocking a collector; delivery order of
// accepted events is preserved.
type Queue struct {
	ch      chan event.Event
	dropped atomic.Uint64
	log     *logging.Logger
}

// NewQueue creates a queue holding at most capacity events.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:  make(chan event.Event, capacity),
		log: logging.Default().WithComponent("queue"),
	}
}

// Enqueue adds an event without blocking. It reports whether the event was
// accepted; a full queue drops the new event and bumps the drop counter.
func (q *Queue) Enqueue(ev event.Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		n := q.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			q.log.Warn("queue full, dropping events", "dropped_total", n, "kind", string(ev.Kind))
		}
		return false
	}
}

// Dequeue removes the oldest event, blocking until one is available or ctx
// is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (event.Event, error) {
	select {
	case ev := <-q.ch:
		return ev, nil
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// TakeDropped returns the drop count accumulated since the last call and
// resets it.
func (q *Queue) TakeDropped() uint64 {
	return q.dropped.Swap(0)
}
