package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"taskpipe/internal/retention"
	"taskpipe/pkg/batcher"
	"taskpipe/pkg/config"
	"taskpipe/pkg/forward"
	"taskpipe/pkg/logger"
	"taskpipe/pkg/metrics"
	"taskpipe/pkg/orchestrator"
	"taskpipe/pkg/queue"
	"taskpipe/pkg/sensor"
	"taskpipe/pkg/state"
	"taskpipe/pkg/store"
	"taskpipe/pkg/task"
	"taskpipe/pkg/telemetry"
)

type pipeline = orchestrator.Orchestrator[json.RawMessage, json.RawMessage]

// App groups daemon state and components.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string
	log       *slog.Logger
	audit     *slog.Logger

	paths   state.Paths
	reg     *prometheus.Registry
	store   *store.Store
	orch    *pipeline
	results *queue.Queue[task.Record]
	batch   *batcher.Batcher[task.Record]
	sensor  *sensor.Sensor
	ret     *retention.Runner

	http      *httpServer
	telemetry *telemetry.Recorder

	retentionCancel context.CancelFunc
	pipeDone        chan error

	mu           sync.Mutex
	state        string
	shutdownOnce sync.Once
	shutdownErr  error
}

// New sets up resources that don't need a running context: state dirs, the
// store and the pipeline. Nothing is started until Run.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	if err := validateConfig(eff); err != nil {
		return nil, err
	}
	log := logger.Log
	if log == nil {
		log = slog.Default()
	}
	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		log:       log,
		audit:     logger.AuditLogger(),
		state:     "new",
	}
	if a.audit == nil {
		a.audit = log
	}
	logDurability(log, eff.Config)

	paths, err := state.EnsureStateDirs(eff.DataPath)
	if err != nil {
		return nil, fmt.Errorf("state dirs: %w", err)
	}
	a.paths = paths

	st, err := store.Open(paths.Store, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", paths.Store, err)
	}
	a.store = st

	if err := a.buildPipeline(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildPipeline() error {
	cfg := a.eff.Config
	p := cfg.Pipeline

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	env := task.Env{Log: a.log, Metrics: metrics.NewPipeline(a.reg)}

	a.results = queue.New[task.Record](p.ResultBuffer)
	opts := []orchestrator.Option[json.RawMessage, json.RawMessage]{
		orchestrator.WithDeadLetterSink[json.RawMessage, json.RawMessage](store.DeadLetterSink{S: a.store}),
		orchestrator.WithResultHandler[json.RawMessage, json.RawMessage](a.enqueueResult),
	}
	if cfg.RateLimit.RPS > 0 {
		opts = append(opts, orchestrator.WithLimiter[json.RawMessage, json.RawMessage](
			rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst)))
	}
	orch, err := orchestrator.New[json.RawMessage, json.RawMessage](orchestrator.Config{
		Workers:    p.Workers,
		QueueSize:  p.QueueSize,
		MaxRetries: p.MaxRetries,
		Backoff: task.Backoff{
			Base:   p.RetryBackoff.Duration(),
			Max:    p.RetryBackoffMax.Duration(),
			Jitter: p.RetryJitter,
		},
		MaxRestarts:  p.MaxRestarts,
		PollInterval: p.PollInterval.Duration(),
		ResultBuffer: p.ResultBuffer,
	}, forward.New(p.TargetURL, p.TargetTimeout.Duration()), env, opts...)
	if err != nil {
		return err
	}
	a.orch = orch
	env.Metrics.RegisterQueueDepth("results", a.results.Len)

	b, err := batcher.New[task.Record](batcher.Config{
		BatchSize:      cfg.Batch.Size,
		KeepIncomplete: cfg.Batch.Keep(),
		FlushInterval:  cfg.Batch.FlushInterval.Duration(),
	}, a.persistBatch, env)
	if err != nil {
		return err
	}
	a.batch = b

	if cfg.Sensor.Enabled {
		a.sensor = sensor.New(sensor.Config{
			Interval:    cfg.Sensor.Interval.Duration(),
			HighWater:   cfg.Sensor.HighWater,
			LowWater:    cfg.Sensor.LowWater,
			MinFreeDisk: uint64(cfg.Sensor.MinFreeDisk.Int64()),
			DataPath:    a.paths.Root,
		}, func() (int, int) { return orch.QueueLen(), p.QueueSize }, orch, a.log)
		a.sensor.RegisterThrottleHandler(func(req sensor.ThrottleRequest) {
			a.audit.Warn("intake_throttle", "source", req.Source, "reason", req.Reason, "severity", req.Severity)
		})
	}

	a.ret = retention.New(cfg.Retention, a.store, a.paths.Retention, a.log, a.audit)
	a.http = a.newHTTPServer(env)
	return nil
}

// enqueueResult runs on worker goroutines. It blocks while the results
// queue is full so persistence applies backpressure to processing.
func (a *App) enqueueResult(r task.Result[json.RawMessage]) {
	if err := a.results.Put(context.Background(), task.ToRecord(r)); err != nil {
		a.log.Error("result_enqueue_failed", "item_id", r.ItemID(), "error", err)
	}
}

func (a *App) persistBatch(_ context.Context, b task.Batch[task.Record]) error {
	if err := a.store.ApplyResults(b.Items); err != nil {
		return fmt.Errorf("persist batch %d: %w", b.Seq, err)
	}
	return nil
}

// Run starts the pipeline, the schedulers and the HTTP server, and blocks
// until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.setState("starting")
	a.printBanner()
	if err := a.orch.Start(); err != nil {
		return err
	}
	a.batch.Start()
	pipeDone := make(chan error, 1)
	go func() { pipeDone <- batcher.Pipe(context.Background(), a.results, a.batch) }()

	if a.sensor != nil {
		a.sensor.Start()
	}
	cancel, err := a.ret.Start(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.pipeDone = pipeDone
	a.retentionCancel = cancel
	a.mu.Unlock()

	errCh, err := a.http.start(a.eff.Addr)
	if err != nil {
		return err
	}
	a.setState("running")
	a.log.Info("taskpipe_started", "addr", a.http.Addr(), "data_path", a.paths.Root, "version", a.version)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops intake, drains the orchestrator, flushes pending results,
// stops the HTTP server and closes the store. Later calls return the first
// result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.setState("shutting_down")
		var errs []error

		a.mu.Lock()
		pipeDone, retentionCancel := a.pipeDone, a.retentionCancel
		a.mu.Unlock()

		if a.sensor != nil {
			a.sensor.Stop()
		}
		if retentionCancel != nil {
			retentionCancel()
		}
		a.orch.Pause()

		if err := a.orch.Stop(ctx); err != nil {
			// failed results are reported per item; only surface what
			// prevented a clean stop
			a.log.Warn("pipeline_stopped_with_errors", "error", err)
			if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
				errs = append(errs, cerr)
			}
			if errors.Is(err, orchestrator.ErrDegraded) {
				errs = append(errs, orchestrator.ErrDegraded)
			}
		}

		a.results.Shutdown()
		if pipeDone != nil {
			select {
			case err := <-pipeDone:
				if err != nil {
					errs = append(errs, fmt.Errorf("results batcher: %w", err))
				}
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("results batcher: %w", ctx.Err()))
			}
		} else if err := a.batch.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("results batcher: %w", err))
		}

		if err := a.http.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}

		a.shutdownErr = errors.Join(errs...)
		if a.shutdownErr == nil {
			a.setState("stopped")
			a.log.Info("taskpipe_stopped")
		} else {
			a.setState("stopped_with_errors")
			a.log.Error("taskpipe_shutdown_failed", "error", a.shutdownErr)
		}
	})
	return a.shutdownErr
}

// State reports the lifecycle phase, e.g. "running".
func (a *App) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *App) setState(s string) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Version returns version, commit and build date in one string.
func (a *App) Version() string {
	v := a.version
	if v == "" {
		v = "dev"
	}
	if a.commit != "" && a.commit != "none" {
		v += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		v += " @ " + a.buildDate
	}
	return v
}
