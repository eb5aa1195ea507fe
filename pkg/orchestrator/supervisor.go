package orchestrator

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"taskpipe/pkg/task"
)

// supervise runs worker i until it stops cleanly or exhausts its restart
// budget.
func (o *Orchestrator[T, R]) supervise(i int) {
	defer o.wg.Done()
	w := o.workers[i]
	for {
		err := o.runOnce(i)
		if err == nil {
			return
		}
		crash := fmt.Errorf("worker %d crashed: %w", w.ID(), err)
		o.mu.Lock()
		o.crashes = append(o.crashes, crash)
		o.mu.Unlock()

		n := atomic.LoadInt32(&o.restarts[i])
		var pe *task.PanicError
		if errors.As(err, &pe) {
			o.log.Error("worker_crashed", "worker_id", w.ID(), "restarts", n, "panic", pe.Value, "stack", string(pe.Stack))
		} else {
			o.log.Error("worker_crashed", "worker_id", w.ID(), "restarts", n, "error", err)
		}

		if int(n) >= o.cfg.MaxRestarts {
			o.retire(w.ID())
			return
		}
		atomic.AddInt32(&o.restarts[i], 1)
		o.env.Metrics.WorkerRestarted()
		o.log.Warn("worker_restarted", "worker_id", w.ID(), "restarts", n+1, "max_restarts", o.cfg.MaxRestarts)
	}
}

// runOnce runs the worker loop and converts a panic escaping it into an error.
func (o *Orchestrator[T, R]) runOnce(i int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &task.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return o.workers[i].Run(o.ctx)
}

func (o *Orchestrator[T, R]) retire(id int) {
	retired := atomic.AddInt32(&o.retired, 1)
	o.mu.Lock()
	first := !o.degraded
	o.degraded = true
	o.mu.Unlock()

	o.env.Metrics.SetDegraded(true)
	o.log.Error("worker_retired", "worker_id", id, "retired", retired, "workers", o.cfg.Workers)
	if first {
		o.log.Error("orchestrator_degraded", "alive", o.cfg.Workers-int(retired))
	}
}
