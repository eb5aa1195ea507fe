package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// compactThreshold is the head offset after which the backing slice is
// compacted on pop.
const compactThreshold = 64

// Queue is a goroutine-safe FIFO with blocking Put/Get and a one-way
// shutdown signal. A capacity <= 0 makes it unbounded.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int
	capacity int
	closed   int32

	// notEmpty and notFull are closed and replaced to wake every waiter.
	notEmpty chan struct{}
	notFull  chan struct{}

	dropped  uint64
	putTotal uint64
	getTotal uint64
}

// New creates a Queue holding at most maxsize items (unbounded when <= 0).
func New[T any](maxsize int) *Queue[T] {
	if maxsize < 0 {
		maxsize = 0
	}
	return &Queue[T]{
		capacity: maxsize,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

// Put appends v, blocking while a bounded queue is full. It returns
// ErrShutdown once the queue is shut down, or ctx.Err() if ctx ends first.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	for {
		q.mu.Lock()
		if q.isClosed() {
			q.mu.Unlock()
			return ErrShutdown
		}
		if q.capacity > 0 && q.size() >= q.capacity {
			wait := q.notFull
			q.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				atomic.AddUint64(&q.dropped, 1)
				return ctx.Err()
			}
		}
		q.items = append(q.items, v)
		wake(&q.notEmpty)
		q.mu.Unlock()
		atomic.AddUint64(&q.putTotal, 1)
		return nil
	}
}

// TryPut appends v without blocking; ErrQueueFull if at capacity.
func (q *Queue[T]) TryPut(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed() {
		return ErrShutdown
	}
	if q.capacity > 0 && q.size() >= q.capacity {
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
	q.items = append(q.items, v)
	wake(&q.notEmpty)
	atomic.AddUint64(&q.putTotal, 1)
	return nil
}

// Requeue appends v even when a bounded queue is at capacity. It is for
// items a consumer already took from this queue, so the overshoot is bounded
// by the number of consumers and a consumer never waits on itself.
func (q *Queue[T]) Requeue(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed() {
		return ErrShutdown
	}
	q.items = append(q.items, v)
	wake(&q.notEmpty)
	atomic.AddUint64(&q.putTotal, 1)
	return nil
}

// Get waits up to timeout for an item. A timeout <= 0 waits until an item
// arrives or the queue shuts down. Items queued before Shutdown are still
// returned; once the queue is shut down and empty Get returns ErrShutdown
// immediately.
func (q *Queue[T]) Get(timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return q.GetContext(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	v, err := q.GetContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}
	return v, err
}

// GetContext is Get bounded by ctx instead of a timeout.
func (q *Queue[T]) GetContext(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.size() > 0 {
			v := q.pop()
			wake(&q.notFull)
			q.mu.Unlock()
			atomic.AddUint64(&q.getTotal, 1)
			return v, nil
		}
		if q.isClosed() {
			q.mu.Unlock()
			return zero, ErrShutdown
		}
		wait := q.notEmpty
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Shutdown marks the queue closed and wakes all blocked callers. Calling it
// again has no further effect.
func (q *Queue[T]) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed() {
		return
	}
	atomic.StoreInt32(&q.closed, 1)
	wake(&q.notEmpty)
	wake(&q.notFull)
}

// Drain removes and returns every queued item in FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.size()
	if n == 0 {
		return nil
	}
	out := make([]T, n)
	copy(out, q.items[q.head:])
	q.items = nil
	q.head = 0
	wake(&q.notFull)
	atomic.AddUint64(&q.getTotal, uint64(n))
	return out
}

func (q *Queue[T]) isClosed() bool { return atomic.LoadInt32(&q.closed) == 1 }

func (q *Queue[T]) size() int { return len(q.items) - q.head }

// pop removes the head item; caller holds mu and has checked size.
func (q *Queue[T]) pop() T {
	var zero T
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head >= compactThreshold && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v
}

func wake(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}
