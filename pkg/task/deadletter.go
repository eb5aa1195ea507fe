package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeadLetter is a WorkItem that ran out of retries.
type DeadLetter[T any] struct {
	ID       uuid.UUID   `json:"id"`
	Item     WorkItem[T] `json:"item"`
	Reason   string      `json:"reason"`
	FailedAt time.Time   `json:"failed_at"`
}

// NewDeadLetter snapshots item with the given reason.
func NewDeadLetter[T any](item *WorkItem[T], reason string, now time.Time) DeadLetter[T] {
	return DeadLetter[T]{
		ID:       uuid.New(),
		Item:     *item,
		Reason:   reason,
		FailedAt: now.UTC(),
	}
}

// DeadLetterSink receives items that can no longer be retried.
type DeadLetterSink[T any] interface {
	Put(ctx context.Context, dl DeadLetter[T]) error
}

// DeadLetterList is an in-memory, goroutine-safe DeadLetterSink.
type DeadLetterList[T any] struct {
	mu    sync.Mutex
	items []DeadLetter[T]
}

func (l *DeadLetterList[T]) Put(_ context.Context, dl DeadLetter[T]) error {
	l.mu.Lock()
	l.items = append(l.items, dl)
	l.mu.Unlock()
	return nil
}

// List returns a copy of the current entries in arrival order.
func (l *DeadLetterList[T]) List() []DeadLetter[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DeadLetter[T], len(l.items))
	copy(out, l.items)
	return out
}

func (l *DeadLetterList[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Take removes the entries with the given ids and returns them. With no ids
// every entry is taken.
func (l *DeadLetterList[T]) Take(ids ...uuid.UUID) []DeadLetter[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(ids) == 0 {
		out := l.items
		l.items = nil
		return out
	}
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var taken []DeadLetter[T]
	kept := l.items[:0]
	for _, dl := range l.items {
		if _, ok := want[dl.ID]; ok {
			taken = append(taken, dl)
			continue
		}
		kept = append(kept, dl)
	}
	l.items = kept
	return taken
}

// TeeSink writes to every sink in order and returns the first error.
type TeeSink[T any] []DeadLetterSink[T]

func (t TeeSink[T]) Put(ctx context.Context, dl DeadLetter[T]) error {
	var first error
	for _, s := range t {
		if s == nil {
			continue
		}
		if err := s.Put(ctx, dl); err != nil && first == nil {
			first = err
		}
	}
	return first
}
