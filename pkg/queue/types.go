package queue

import "errors"

// ErrShutdown is the sentinel returned by Get once the queue is shut down and
// empty, and by Put after shutdown.
var ErrShutdown = errors.New("queue shut down")

// ErrTimeout is returned by Get when no item arrived within the timeout.
var ErrTimeout = errors.New("queue get timed out")

// ErrQueueFull is returned by TryPut when a bounded queue is at capacity.
var ErrQueueFull = errors.New("queue full")
