package task

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Processor handles a single WorkItem. Returning an error marks the attempt
// as failed; it never stops the calling worker.
type Processor[T, R any] interface {
	Process(ctx context.Context, item *WorkItem[T]) (R, error)
}

// ProcessFunc adapts an ordinary function to a Processor.
type ProcessFunc[T, R any] func(ctx context.Context, item *WorkItem[T]) (R, error)

func (f ProcessFunc[T, R]) Process(ctx context.Context, item *WorkItem[T]) (R, error) {
	return f(ctx, item)
}

// PanicError is a panic recovered from a processor, turned into an ordinary
// failure.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("processor panic: %v", e.Value)
}

// SafeProcess calls p and converts a panic into a *PanicError.
func SafeProcess[T, R any](ctx context.Context, p Processor[T, R], item *WorkItem[T]) (out R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return p.Process(ctx, item)
}
