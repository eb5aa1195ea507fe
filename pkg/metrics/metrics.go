package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskpipe"

// Pipeline groups the collectors shared by the queue, workers, batcher and
// orchestrator. A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	submitted       prometheus.Counter
	processed       *prometheus.CounterVec
	retries         prometheus.Counter
	deadLetters     prometheus.Counter
	workerRestarts  prometheus.Counter
	batchesFlushed  prometheus.Counter
	itemsDiscarded  prometheus.Counter
	processDuration prometheus.Histogram
	degraded        prometheus.Gauge
	paused          prometheus.Gauge

	reg prometheus.Registerer
}

// NewPipeline creates the collectors and registers them on reg. When reg is
// nil a private registry is used so tests never collide on the default one.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p := &Pipeline{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "submitted_total",
			Help: "Work items accepted into the queue.",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "processed_total",
			Help: "Work items that reached a terminal result, by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_total",
			Help: "Failed attempts that were requeued.",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_letters_total",
			Help: "Work items moved to the dead-letter list.",
		}),
		workerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_restarts_total",
			Help: "Workers restarted after a crash.",
		}),
		batchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_flushed_total",
			Help: "Batches handed to a batch sink.",
		}),
		itemsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batch_items_discarded_total",
			Help: "Items dropped from an incomplete batch at shutdown.",
		}),
		processDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "process_duration_seconds",
			Help:    "Time spent in the processor per attempt.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "degraded",
			Help: "1 when a worker exhausted its restart budget.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "intake_paused",
			Help: "1 while submissions are paused.",
		}),
		reg: reg,
	}
	reg.MustRegister(
		p.submitted, p.processed, p.retries, p.deadLetters, p.workerRestarts,
		p.batchesFlushed, p.itemsDiscarded, p.processDuration, p.degraded, p.paused,
	)
	return p
}

// RegisterQueueDepth exposes a live queue length as a gauge. A second
// registration for the same queue name is ignored; the first fn stays.
func (p *Pipeline) RegisterQueueDepth(name string, fn func() int) {
	if p == nil || fn == nil {
		return
	}
	err := p.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "queue_depth",
		Help:        "Items currently waiting in a queue.",
		ConstLabels: prometheus.Labels{"queue": name},
	}, func() float64 { return float64(fn()) }))
	var are prometheus.AlreadyRegisteredError
	if err != nil && !errors.As(err, &are) {
		panic(err)
	}
}

func (p *Pipeline) Submitted() {
	if p == nil {
		return
	}
	p.submitted.Inc()
}

// Processed records a terminal outcome and the duration of the last attempt.
func (p *Pipeline) Processed(success bool, d time.Duration) {
	if p == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	p.processed.WithLabelValues(outcome).Inc()
	p.processDuration.Observe(d.Seconds())
}

func (p *Pipeline) Retried() {
	if p == nil {
		return
	}
	p.retries.Inc()
}

func (p *Pipeline) DeadLettered() {
	if p == nil {
		return
	}
	p.deadLetters.Inc()
}

func (p *Pipeline) WorkerRestarted() {
	if p == nil {
		return
	}
	p.workerRestarts.Inc()
}

func (p *Pipeline) BatchFlushed() {
	if p == nil {
		return
	}
	p.batchesFlushed.Inc()
}

func (p *Pipeline) ItemsDiscarded(n int) {
	if p == nil || n <= 0 {
		return
	}
	p.itemsDiscarded.Add(float64(n))
}

func (p *Pipeline) SetDegraded(v bool) {
	if p == nil {
		return
	}
	p.degraded.Set(boolGauge(v))
}

func (p *Pipeline) SetPaused(v bool) {
	if p == nil {
		return
	}
	p.paused.Set(boolGauge(v))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
