package task

import (
	"time"

	"github.com/google/uuid"
)

// WorkItem is a unit of work placed on a queue. The queue owns it until a
// worker claims it; the claiming worker owns it until it is requeued,
// dead-lettered or completed.
type WorkItem[T any] struct {
	ID        uuid.UUID `json:"id"`
	Payload   T         `json:"payload"`
	ArrivedAt time.Time `json:"arrived_at"`
	Retries   int       `json:"retries"`
	LastError string    `json:"last_error,omitempty"`
}

// NewWorkItem wraps payload with a fresh id and arrival time.
func NewWorkItem[T any](payload T, now time.Time) *WorkItem[T] {
	return &WorkItem[T]{
		ID:        uuid.New(),
		Payload:   payload,
		ArrivedAt: now.UTC(),
	}
}

// CanRetry reports whether another attempt is allowed under max retries.
func (w *WorkItem[T]) CanRetry(max int) bool {
	return w.Retries < max
}

// MarkFailed records a failed attempt.
func (w *WorkItem[T]) MarkFailed(err error) {
	w.Retries++
	if err != nil {
		w.LastError = err.Error()
	}
}

// Attempts is the number of times the item has been handed to a processor,
// counting the one in progress.
func (w *WorkItem[T]) Attempts() int {
	return w.Retries + 1
}

// Batch is an ordered group of items flushed together.
type Batch[T any] struct {
	Seq   uint64
	Items []T
}

func (b Batch[T]) Len() int { return len(b.Items) }
