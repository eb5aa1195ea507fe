package orchestrator

import (
	"golang.org/x/time/rate"

	"taskpipe/pkg/task"
)

// Option customises an Orchestrator at construction.
type Option[T, R any] func(*Orchestrator[T, R])

// WithResultHandler forwards every terminal Result to fn instead of keeping
// it in memory. fn is called from worker goroutines and must be safe for
// concurrent use. A panic in fn crashes the calling worker.
func WithResultHandler[T, R any](fn func(task.Result[R])) Option[T, R] {
	return func(o *Orchestrator[T, R]) { o.handler = fn }
}

// WithDeadLetterSink sends exhausted items to sink instead of the in-memory
// list. DeadLetters and Replay then have nothing to work with.
func WithDeadLetterSink[T, R any](sink task.DeadLetterSink[T]) Option[T, R] {
	return func(o *Orchestrator[T, R]) { o.sink = sink }
}

// WithLimiter throttles Submit and TrySubmit.
func WithLimiter[T, R any](l *rate.Limiter) Option[T, R] {
	return func(o *Orchestrator[T, R]) { o.limiter = l }
}
