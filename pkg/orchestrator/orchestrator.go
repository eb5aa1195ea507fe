package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"taskpipe/pkg/queue"
	"taskpipe/pkg/task"
	"taskpipe/pkg/worker"
)

var (
	ErrAlreadyStarted = errors.New("orchestrator already started")
	ErrStopped        = errors.New("orchestrator stopped")
	ErrPaused         = errors.New("orchestrator intake paused")
	ErrDegraded       = errors.New("orchestrator degraded: worker restart budget exhausted")
	ErrNotFound       = errors.New("dead letter not found")
	ErrRateLimited    = errors.New("submission rate limited")
)

// Config sizes the worker pool and its failure handling.
type Config struct {
	Workers      int
	QueueSize    int // 0 means unbounded
	MaxRetries   int
	Backoff      task.Backoff
	MaxRestarts  int // restarts allowed per worker before it is retired
	PollInterval time.Duration
	ResultBuffer int // most recent results kept in memory; 0 keeps all
}

// Orchestrator runs Workers goroutines over one shared queue and supervises
// them. Submit may be called before Start; items wait in the queue.
type Orchestrator[T, R any] struct {
	cfg  Config
	proc task.Processor[T, R]
	env  task.Env
	log  *slog.Logger
	q    *queue.Queue[*task.WorkItem[T]]

	handler func(task.Result[R])
	sink    task.DeadLetterSink[T]
	dead    *task.DeadLetterList[T]
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running int32
	stopped int32
	paused  int32
	retired int32

	workers  []*worker.Worker[T, R]
	restarts []int32

	mu       sync.Mutex
	results  []task.Result[R]
	failures []error
	failed   int
	crashes  []error
	degraded bool

	stopOnce sync.Once
	stopErr  error
}

// New builds an orchestrator. It does not spawn workers until Start.
func New[T, R any](cfg Config, p task.Processor[T, R], env task.Env, opts ...Option[T, R]) (*Orchestrator[T, R], error) {
	if p == nil {
		return nil, errors.New("orchestrator: processor is required")
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("orchestrator: workers must be >= 1, got %d", cfg.Workers)
	}
	if cfg.MaxRetries < 0 || cfg.MaxRestarts < 0 || cfg.ResultBuffer < 0 {
		return nil, errors.New("orchestrator: max_retries, max_restarts and result_buffer must not be negative")
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator[T, R]{
		cfg:    cfg,
		proc:   p,
		env:    env,
		log:    env.Logger().With("component", "orchestrator"),
		q:      queue.New[*task.WorkItem[T]](cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.dead = &task.DeadLetterList[T]{}
		o.sink = o.dead
	}
	return o, nil
}

// Start spawns the supervised workers. It may be called once.
func (o *Orchestrator[T, R]) Start() error {
	if atomic.LoadInt32(&o.stopped) == 1 {
		return ErrStopped
	}
	if !atomic.CompareAndSwapInt32(&o.running, 0, 1) {
		return ErrAlreadyStarted
	}
	o.env.Metrics.RegisterQueueDepth("tasks", o.q.Len)

	wopts := worker.Options[T, R]{
		MaxRetries:   o.cfg.MaxRetries,
		Backoff:      o.cfg.Backoff,
		PollInterval: o.cfg.PollInterval,
		OnResult:     o.collect,
		DeadLetters:  o.sink,
	}
	workers := make([]*worker.Worker[T, R], o.cfg.Workers)
	for i := range workers {
		workers[i] = worker.New(i+1, o.q, o.proc, o.env, wopts)
	}
	o.mu.Lock()
	o.workers = workers
	o.restarts = make([]int32, len(workers))
	o.mu.Unlock()
	for i := range workers {
		o.wg.Add(1)
		go o.supervise(i)
	}
	o.log.Info("orchestrator_started", "workers", o.cfg.Workers, "queue_size", o.cfg.QueueSize,
		"max_retries", o.cfg.MaxRetries, "max_restarts", o.cfg.MaxRestarts)
	return nil
}

// Submit wraps payload in a WorkItem and enqueues it, waiting for the
// limiter and for queue space.
func (o *Orchestrator[T, R]) Submit(ctx context.Context, payload T) (uuid.UUID, error) {
	if err := o.admit(); err != nil {
		return uuid.Nil, err
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return uuid.Nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}
	item := task.NewWorkItem(payload, o.env.Clock())
	if err := o.q.Put(ctx, item); err != nil {
		return uuid.Nil, o.mapQueueErr(err)
	}
	o.env.Metrics.Submitted()
	return item.ID, nil
}

// TrySubmit is the non-blocking form of Submit. It fails fast with
// ErrRateLimited or queue.ErrQueueFull instead of waiting.
func (o *Orchestrator[T, R]) TrySubmit(payload T) (uuid.UUID, error) {
	if err := o.admit(); err != nil {
		return uuid.Nil, err
	}
	if o.limiter != nil && !o.limiter.Allow() {
		return uuid.Nil, ErrRateLimited
	}
	item := task.NewWorkItem(payload, o.env.Clock())
	if err := o.q.TryPut(item); err != nil {
		return uuid.Nil, o.mapQueueErr(err)
	}
	o.env.Metrics.Submitted()
	return item.ID, nil
}

// Requeue puts a previously failed item back on the queue with its retry
// count reset, waiting for queue space. The item keeps its id.
func (o *Orchestrator[T, R]) Requeue(ctx context.Context, item task.WorkItem[T]) error {
	if atomic.LoadInt32(&o.stopped) == 1 {
		return ErrStopped
	}
	it := resetItem(item)
	if err := o.q.Put(ctx, it); err != nil {
		return o.mapQueueErr(err)
	}
	o.env.Metrics.Submitted()
	return nil
}

// TryRequeue is the non-blocking form of Requeue. A full queue returns
// queue.ErrQueueFull.
func (o *Orchestrator[T, R]) TryRequeue(item task.WorkItem[T]) error {
	if atomic.LoadInt32(&o.stopped) == 1 {
		return ErrStopped
	}
	if err := o.q.TryPut(resetItem(item)); err != nil {
		return o.mapQueueErr(err)
	}
	o.env.Metrics.Submitted()
	return nil
}

func resetItem[T any](item task.WorkItem[T]) *task.WorkItem[T] {
	it := item
	it.Retries = 0
	it.LastError = ""
	return &it
}

// Replay moves dead letters from the in-memory list back to the queue. With
// no ids every entry is replayed. It reports how many were requeued.
func (o *Orchestrator[T, R]) Replay(ctx context.Context, ids ...uuid.UUID) (int, error) {
	if o.dead == nil {
		return 0, errors.New("orchestrator: replay needs the in-memory dead-letter list")
	}
	taken := o.dead.Take(ids...)
	if len(ids) > 0 && len(taken) == 0 {
		return 0, ErrNotFound
	}
	for i, dl := range taken {
		if err := o.Requeue(ctx, dl.Item); err != nil {
			// put back what was not requeued so nothing is lost
			for _, rest := range taken[i:] {
				_ = o.dead.Put(ctx, rest)
			}
			return i, err
		}
	}
	if len(taken) > 0 {
		o.log.Info("dead_letters_replayed", "count", len(taken))
	}
	return len(taken), nil
}

func (o *Orchestrator[T, R]) admit() error {
	if atomic.LoadInt32(&o.stopped) == 1 {
		return ErrStopped
	}
	if atomic.LoadInt32(&o.paused) == 1 {
		return ErrPaused
	}
	return nil
}

func (o *Orchestrator[T, R]) mapQueueErr(err error) error {
	if errors.Is(err, queue.ErrShutdown) {
		return ErrStopped
	}
	return err
}

// Pause rejects new submissions; queued items keep being processed.
func (o *Orchestrator[T, R]) Pause() {
	if atomic.CompareAndSwapInt32(&o.paused, 0, 1) {
		o.env.Metrics.SetPaused(true)
		o.log.Info("intake_paused")
	}
}

func (o *Orchestrator[T, R]) Resume() {
	if atomic.CompareAndSwapInt32(&o.paused, 1, 0) {
		o.env.Metrics.SetPaused(false)
		o.log.Info("intake_resumed")
	}
}

func (o *Orchestrator[T, R]) Paused() bool { return atomic.LoadInt32(&o.paused) == 1 }

// Stop shuts the queue down, lets the workers drain it and joins them. The
// returned error joins every failed result, every worker crash, ErrDegraded
// when the pool was degraded and ctx.Err() when the join timed out. Later
// calls return the same error.
func (o *Orchestrator[T, R]) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		atomic.StoreInt32(&o.stopped, 1)
		o.q.Shutdown()
		o.log.Info("orchestrator_stopping", "queued", o.q.Len())

		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()
		var joinErr error
		select {
		case <-done:
		case <-ctx.Done():
			joinErr = fmt.Errorf("orchestrator: waiting for workers: %w", ctx.Err())
			o.log.Warn("orchestrator_stop_timeout", "error", ctx.Err())
		}
		o.cancel()

		// anything still queued has no live worker left to take it
		if left := o.q.Drain(); len(left) > 0 {
			o.log.Warn("orchestrator_unprocessed_items", "count", len(left))
			for _, it := range left {
				it.LastError = "orchestrator stopped before the item was processed"
				dl := task.NewDeadLetter(it, it.LastError, o.env.Clock())
				o.env.Metrics.DeadLettered()
				if err := o.sink.Put(context.Background(), dl); err != nil {
					o.log.Error("dead_letter_put_failed", "item_id", it.ID, "error", err)
				}
			}
		}

		o.mu.Lock()
		errs := make([]error, 0, len(o.failures)+len(o.crashes)+2)
		errs = append(errs, o.failures...)
		if omitted := o.failed - len(o.failures); omitted > 0 {
			errs = append(errs, fmt.Errorf("%d more failed results omitted", omitted))
		}
		errs = append(errs, o.crashes...)
		if o.degraded {
			errs = append(errs, ErrDegraded)
		}
		o.mu.Unlock()
		errs = append(errs, joinErr)
		o.stopErr = errors.Join(errs...)

		st := o.Stats()
		o.log.Info("orchestrator_stopped", "processed", st.Workers.Processed,
			"failed", st.Workers.Failed, "crashes", st.Crashes, "degraded", st.Degraded)
	})
	return o.stopErr
}

// collect is the OnResult hook shared by all workers.
func (o *Orchestrator[T, R]) collect(r task.Result[R]) {
	o.mu.Lock()
	if !r.IsSuccess() {
		o.failed++
		if o.cfg.ResultBuffer == 0 || len(o.failures) < o.cfg.ResultBuffer {
			o.failures = append(o.failures, fmt.Errorf("item %s: %w", r.ItemID(), r.Err()))
		}
	}
	if o.handler == nil {
		o.results = append(o.results, r)
		if n := o.cfg.ResultBuffer; n > 0 && len(o.results) > n {
			o.results = append(o.results[:0], o.results[len(o.results)-n:]...)
		}
	}
	o.mu.Unlock()

	if o.handler != nil {
		o.handler(r)
	}
}
