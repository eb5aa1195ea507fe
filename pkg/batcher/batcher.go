package batcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"taskpipe/pkg/queue"
	"taskpipe/pkg/task"
)

// ErrClosed is returned by Add and Flush once Shutdown has been called.
var ErrClosed = errors.New("batcher closed")

// Config controls when buffered items are handed to the sink.
type Config struct {
	BatchSize      int           // items per full batch, at least 1
	KeepIncomplete bool          // flush a partial buffer on shutdown instead of discarding it
	FlushInterval  time.Duration // 0 disables timed flushes
}

// Sink receives batches in order, one at a time.
type Sink[T any] func(ctx context.Context, b task.Batch[T]) error

// Batcher groups items into fixed-size batches. All methods are safe for
// concurrent use; the sink is never called concurrently.
type Batcher[T any] struct {
	cfg  Config
	sink Sink[T]
	env  task.Env
	log  *slog.Logger

	mu     sync.Mutex
	buf    []T
	seq    uint64
	closed bool

	startOnce sync.Once
	running   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	shutOnce  sync.Once
	shutErr   error

	batches    uint64
	flushed    uint64
	discarded  uint64
	sinkErrors uint64
}

// New validates cfg and returns an idle batcher. Call Start to enable timed
// flushes.
func New[T any](cfg Config, sink Sink[T], env task.Env) (*Batcher[T], error) {
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batcher: batch size must be >= 1, got %d", cfg.BatchSize)
	}
	if sink == nil {
		return nil, errors.New("batcher: sink is required")
	}
	if cfg.FlushInterval < 0 {
		cfg.FlushInterval = 0
	}
	return &Batcher[T]{
		cfg:  cfg,
		sink: sink,
		env:  env,
		log:  env.Logger().With("component", "batcher"),
		buf:  make([]T, 0, cfg.BatchSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// Add buffers item and flushes when the buffer reaches BatchSize. A sink
// error is returned to the caller; the batch is not retried.
func (b *Batcher[T]) Add(ctx context.Context, item T) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.buf = append(b.buf, item)
	if len(b.buf) < b.cfg.BatchSize {
		return nil
	}
	return b.flushLocked(ctx, "full")
}

// Flush hands a non-empty partial buffer to the sink.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return b.flushLocked(ctx, "manual")
}

// Start launches the timed flush loop. It is a no-op when FlushInterval is 0
// or when called more than once.
func (b *Batcher[T]) Start() {
	if b.cfg.FlushInterval <= 0 {
		return
	}
	b.startOnce.Do(func() {
		b.running.Store(true)
		go b.loop()
	})
}

func (b *Batcher[T]) loop() {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			if !b.closed {
				if err := b.flushLocked(context.Background(), "interval"); err != nil {
					b.log.Warn("batch_flush_failed", "reason", "interval", "error", err)
				}
			}
			b.mu.Unlock()
		case <-b.stop:
			return
		}
	}
}

// Shutdown stops the timer and settles the partial buffer: it is flushed once
// when KeepIncomplete is set and discarded otherwise. Later calls return the
// first call's result.
func (b *Batcher[T]) Shutdown(ctx context.Context) error {
	b.shutOnce.Do(func() {
		close(b.stop)
		b.startOnce.Do(func() {}) // a Start after Shutdown must not spawn the loop
		if b.running.Load() {
			select {
			case <-b.done:
			case <-ctx.Done():
				b.shutErr = ctx.Err()
			}
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.cfg.KeepIncomplete {
			if err := b.flushLocked(ctx, "shutdown"); err != nil {
				b.shutErr = errors.Join(b.shutErr, err)
			}
		} else if n := len(b.buf); n > 0 {
			atomic.AddUint64(&b.discarded, uint64(n))
			b.env.Metrics.ItemsDiscarded(n)
			b.log.Info("batch_discarded", "items", n)
			b.buf = b.buf[:0]
		}
		b.closed = true
	})
	return b.shutErr
}

// flushLocked must be called with b.mu held.
func (b *Batcher[T]) flushLocked(ctx context.Context, reason string) error {
	if len(b.buf) == 0 {
		return nil
	}
	items := make([]T, len(b.buf))
	copy(items, b.buf)
	b.buf = b.buf[:0]
	b.seq++
	batch := task.Batch[T]{Seq: b.seq, Items: items}

	atomic.AddUint64(&b.batches, 1)
	atomic.AddUint64(&b.flushed, uint64(len(items)))
	b.env.Metrics.BatchFlushed()
	if err := b.sink(ctx, batch); err != nil {
		atomic.AddUint64(&b.sinkErrors, 1)
		return fmt.Errorf("batch %d: %w", batch.Seq, err)
	}
	b.log.Debug("batch_flushed", "seq", batch.Seq, "items", len(items), "reason", reason)
	return nil
}

// Pipe drains q into b until q is shut down and empty, then shuts b down. It
// returns the first sink error only after the pipe has finished, so one bad
// batch does not stall the upstream queue.
func Pipe[T any](ctx context.Context, q *queue.Queue[T], b *Batcher[T]) error {
	var firstErr error
	for {
		item, err := q.GetContext(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrShutdown) {
				return errors.Join(firstErr, b.Shutdown(ctx))
			}
			return errors.Join(firstErr, err)
		}
		if err := b.Add(ctx, item); err != nil {
			if errors.Is(err, ErrClosed) {
				return errors.Join(firstErr, err)
			}
			b.log.Warn("batch_sink_failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
}

// Stats is a snapshot of batcher counters.
type Stats struct {
	Batches    uint64 `json:"batches"`
	Flushed    uint64 `json:"items_flushed"`
	Discarded  uint64 `json:"items_discarded"`
	SinkErrors uint64 `json:"sink_errors"`
	Pending    int    `json:"pending"`
}

func (b *Batcher[T]) Stats() Stats {
	b.mu.Lock()
	pending := len(b.buf)
	b.mu.Unlock()
	return Stats{
		Batches:    atomic.LoadUint64(&b.batches),
		Flushed:    atomic.LoadUint64(&b.flushed),
		Discarded:  atomic.LoadUint64(&b.discarded),
		SinkErrors: atomic.LoadUint64(&b.sinkErrors),
		Pending:    pending,
	}
}
