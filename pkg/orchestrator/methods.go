package orchestrator

import (
	"sync/atomic"

	"taskpipe/pkg/queue"
	"taskpipe/pkg/task"
	"taskpipe/pkg/worker"
)

// Results returns a snapshot of retained results in completion order. It is
// empty when a result handler is installed.
func (o *Orchestrator[T, R]) Results() []task.Result[R] {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]task.Result[R], len(o.results))
	copy(out, o.results)
	return out
}

// DeadLetters returns the in-memory dead-letter list.
func (o *Orchestrator[T, R]) DeadLetters() []task.DeadLetter[T] {
	if o.dead == nil {
		return nil
	}
	return o.dead.List()
}

// Degraded reports whether any worker has been retired.
func (o *Orchestrator[T, R]) Degraded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.degraded
}

func (o *Orchestrator[T, R]) QueueLen() int { return o.q.Len() }

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers     worker.Stats `json:"workers"`
	Size        int          `json:"size"`
	Alive       int          `json:"alive"`
	Restarts    int          `json:"restarts"`
	Crashes     int          `json:"crashes"`
	Degraded    bool         `json:"degraded"`
	Paused      bool         `json:"paused"`
	Running     bool         `json:"running"`
	Stopped     bool         `json:"stopped"`
	Results     int          `json:"results"`
	DeadLetters int          `json:"dead_letters"`
	Queue       queue.Stats  `json:"queue"`
}

func (o *Orchestrator[T, R]) Stats() Stats {
	st := Stats{
		Size:    o.cfg.Workers,
		Paused:  o.Paused(),
		Running: atomic.LoadInt32(&o.running) == 1,
		Stopped: atomic.LoadInt32(&o.stopped) == 1,
		Queue:   o.q.Stats(),
	}
	if o.dead != nil {
		st.DeadLetters = o.dead.Len()
	}
	o.mu.Lock()
	for i, w := range o.workers {
		st.Workers.Add(w.Stats())
		st.Restarts += int(atomic.LoadInt32(&o.restarts[i]))
	}
	if len(o.workers) > 0 && !st.Stopped {
		st.Alive = len(o.workers) - int(atomic.LoadInt32(&o.retired))
	}
	st.Crashes = len(o.crashes)
	st.Degraded = o.degraded
	st.Results = len(o.results)
	o.mu.Unlock()
	return st
}
