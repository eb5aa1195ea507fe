package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"taskpipe/pkg/queue"
	"taskpipe/pkg/task"
)

const defaultPollInterval = 100 * time.Millisecond

// Options tunes a Worker. The zero value processes each item once and drops
// results.
type Options[T, R any] struct {
	MaxRetries   int
	Backoff      task.Backoff
	PollInterval time.Duration
	OnResult     func(task.Result[R])
	DeadLetters  task.DeadLetterSink[T]
}

// Worker pulls items from a shared queue and runs them through a Processor.
// Processor errors and panics become failed Results; they never end Run.
type Worker[T, R any] struct {
	id   int
	q    *queue.Queue[*task.WorkItem[T]]
	proc task.Processor[T, R]
	env  task.Env
	opts Options[T, R]
	log  *slog.Logger

	processed    uint64
	succeeded    uint64
	failed       uint64
	retried      uint64
	deadLettered uint64
}

// New creates a worker bound to q. It does not start until Run is called.
func New[T, R any](id int, q *queue.Queue[*task.WorkItem[T]], p task.Processor[T, R], env task.Env, opts Options[T, R]) *Worker[T, R] {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Worker[T, R]{
		id:   id,
		q:    q,
		proc: p,
		env:  env,
		opts: opts,
		log:  env.Logger().With("worker_id", id),
	}
}

func (w *Worker[T, R]) ID() int { return w.id }

// Run processes items until the queue reports shutdown and is empty, or ctx
// ends. A nil return is a clean stop; a non-nil error means the loop itself
// failed and the caller should treat the worker as crashed.
func (w *Worker[T, R]) Run(ctx context.Context) error {
	w.log.Debug("worker_started")
	for {
		item, err := w.q.Get(w.opts.PollInterval)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrTimeout):
			if ctx.Err() != nil {
				w.log.Debug("worker_context_done")
				return nil
			}
			continue
		case errors.Is(err, queue.ErrShutdown):
			w.log.Debug("worker_stopped")
			return nil
		default:
			return fmt.Errorf("worker %d: dequeue: %w", w.id, err)
		}
		if item == nil {
			return fmt.Errorf("worker %d: dequeued nil work item", w.id)
		}
		w.handle(ctx, item)
	}
}

// handle runs one attempt for item and routes the outcome.
func (w *Worker[T, R]) handle(ctx context.Context, item *task.WorkItem[T]) {
	start := time.Now()
	out, err := task.SafeProcess(ctx, w.proc, item)
	dur := time.Since(start)
	atomic.AddUint64(&w.processed, 1)

	if err == nil {
		atomic.AddUint64(&w.succeeded, 1)
		w.env.Metrics.Processed(true, dur)
		w.emit(task.Success(item.ID, out, item.Attempts(), dur))
		return
	}

	attempts := item.Attempts()
	var pe *task.PanicError
	if errors.As(err, &pe) {
		w.log.Error("processor_panic", "item_id", item.ID, "panic", pe.Value, "stack", string(pe.Stack))
	} else {
		w.log.Warn("processor_failed", "item_id", item.ID, "attempt", attempts, "error", err)
	}
	retry := item.CanRetry(w.opts.MaxRetries)
	item.MarkFailed(err)

	if retry && w.requeue(ctx, item) {
		return
	}

	atomic.AddUint64(&w.failed, 1)
	w.env.Metrics.Processed(false, dur)
	w.deadLetter(ctx, item)
	w.emit(task.Failure[R](item.ID, err, attempts, dur))
}

// requeue waits out the backoff and puts item back on the queue. It returns
// false when the item could not be requeued and must be dead-lettered.
func (w *Worker[T, R]) requeue(ctx context.Context, item *task.WorkItem[T]) bool {
	if d := w.opts.Backoff.Delay(item.Retries); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	// workers are the queue's only consumers, so waiting for space here
	// could wait forever
	if err := w.q.Requeue(item); err != nil {
		w.log.Warn("requeue_failed", "item_id", item.ID, "error", err)
		return false
	}
	atomic.AddUint64(&w.retried, 1)
	w.env.Metrics.Retried()
	w.log.Debug("item_requeued", "item_id", item.ID, "retries", item.Retries)
	return true
}

func (w *Worker[T, R]) deadLetter(ctx context.Context, item *task.WorkItem[T]) {
	atomic.AddUint64(&w.deadLettered, 1)
	w.env.Metrics.DeadLettered()
	w.log.Info("item_dead_lettered", "item_id", item.ID, "retries", item.Retries, "reason", item.LastError)
	if w.opts.DeadLetters == nil {
		return
	}
	dl := task.NewDeadLetter(item, item.LastError, w.env.Clock())
	if err := w.opts.DeadLetters.Put(ctx, dl); err != nil {
		w.log.Error("dead_letter_put_failed", "item_id", item.ID, "error", err)
	}
}

func (w *Worker[T, R]) emit(r task.Result[R]) {
	if w.opts.OnResult != nil {
		w.opts.OnResult(r)
	}
}

// Stats is a snapshot of a worker's counters.
type Stats struct {
	Processed    uint64 `json:"processed"`
	Succeeded    uint64 `json:"succeeded"`
	Failed       uint64 `json:"failed"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"dead_lettered"`
}

func (w *Worker[T, R]) Stats() Stats {
	return Stats{
		Processed:    atomic.LoadUint64(&w.processed),
		Succeeded:    atomic.LoadUint64(&w.succeeded),
		Failed:       atomic.LoadUint64(&w.failed),
		Retried:      atomic.LoadUint64(&w.retried),
		DeadLettered: atomic.LoadUint64(&w.deadLettered),
	}
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Processed += other.Processed
	s.Succeeded += other.Succeeded
	s.Failed += other.Failed
	s.Retried += other.Retried
	s.DeadLettered += other.DeadLettered
}
