package queue

import "sync/atomic"

// Len returns the current number of items in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

// Cap returns the configured capacity; 0 means unbounded.
func (q *Queue[T]) Cap() int { return q.capacity }

// IsShutdown reports whether Shutdown has been called.
func (q *Queue[T]) IsShutdown() bool { return q.isClosed() }

// Dropped returns how many puts were rejected because the queue was full or
// the caller's context ended while waiting.
func (q *Queue[T]) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }

// PutTotal returns accepted puts.
func (q *Queue[T]) PutTotal() uint64 { return atomic.LoadUint64(&q.putTotal) }

// GetTotal returns items handed out by Get or Drain.
func (q *Queue[T]) GetTotal() uint64 { return atomic.LoadUint64(&q.getTotal) }

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Len      int    `json:"len"`
	Cap      int    `json:"cap"`
	Shutdown bool   `json:"shutdown"`
	Dropped  uint64 `json:"dropped"`
	Put      uint64 `json:"put_total"`
	Get      uint64 `json:"get_total"`
}

func (q *Queue[T]) Stats() Stats {
	return Stats{
		Len:      q.Len(),
		Cap:      q.capacity,
		Shutdown: q.isClosed(),
		Dropped:  q.Dropped(),
		Put:      q.PutTotal(),
		Get:      q.GetTotal(),
	}
}
