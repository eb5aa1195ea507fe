package retention

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"taskpipe/pkg/config"
)

const leaseTTL = time.Minute

// ErrBusy is returned by RunOnce when another run holds the lease.
var ErrBusy = errors.New("retention run already in progress")

// Purger deletes dead letters that failed before cutoff.
type Purger interface {
	PurgeDeadLetters(cutoff time.Time, dryRun bool) (int, error)
}

// Runner purges dead letters older than the configured period, on a cron
// schedule or on demand.
type Runner struct {
	cfg    config.RetentionConfig
	purger Purger
	lease  *fileLease
	log    *slog.Logger
	audit  *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New builds a runner. dir holds the lease file; audit receives one record
// per run and may be nil.
func New(cfg config.RetentionConfig, purger Purger, dir string, log, audit *slog.Logger) *Runner {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if audit == nil {
		audit = log
	}
	r := &Runner{cfg: cfg, purger: purger, log: log.With("component", "retention"), audit: audit, now: time.Now}
	r.lease = newFileLease(dir, func() time.Time { return r.now() })
	return r
}

// Start runs the scheduler until ctx is done or the returned cancel func is
// called. A disabled runner returns a no-op cancel.
func (r *Runner) Start(ctx context.Context) (context.CancelFunc, error) {
	if !r.cfg.Enabled {
		r.log.Info("retention_disabled")
		return func() {}, nil
	}
	if !gronx.IsValid(r.cfg.Cron) {
		return nil, fmt.Errorf("invalid retention cron expression: %q", r.cfg.Cron)
	}
	ctx, cancel := context.WithCancel(ctx)
	go r.schedule(ctx)
	r.log.Info("retention_enabled", "cron", r.cfg.Cron, "period", r.cfg.Period, "dry_run", r.cfg.DryRun)
	return cancel, nil
}

func (r *Runner) schedule(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(r.cfg.Cron, r.now().UTC(), false)
		wait := time.Until(next)
		if err != nil {
			r.log.Error("retention_nexttick_failed", "cron", r.cfg.Cron, "error", err)
			wait = 30 * time.Second
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			r.log.Info("retention_scheduler_stopping")
			return
		case <-t.C:
		}
		if err != nil {
			continue
		}
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, ErrBusy) {
			r.log.Error("retention_run_error", "error", err)
		}
	}
}

// RunOnce purges now and returns how many dead letters matched the cutoff.
// In dry-run mode nothing is deleted but the count is still reported.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !r.mu.TryLock() {
		return 0, ErrBusy
	}
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.lease.path), 0o700); err != nil {
		return 0, err
	}
	owner := uuid.NewString()
	ok, err := r.lease.Acquire(owner, leaseTTL)
	if err != nil {
		return 0, fmt.Errorf("lease acquire: %w", err)
	}
	if !ok {
		r.log.Info("retention_lease_not_acquired")
		return 0, ErrBusy
	}
	defer func() {
		if err := r.lease.Release(owner); err != nil {
			r.log.Error("retention_lease_release_error", "error", err)
		}
	}()

	period := r.cfg.Period.Duration()
	if period <= 0 {
		period = config.DefaultRetentionPeriod
	}
	started := r.now()
	cutoff := started.Add(-period)
	n, err := r.purger.PurgeDeadLetters(cutoff, r.cfg.DryRun)
	if err != nil {
		r.audit.Error("retention_run_failed", "run_id", owner, "cutoff", cutoff, "error", err)
		return n, fmt.Errorf("purge dead letters: %w", err)
	}
	r.audit.Info("retention_run_complete",
		"run_id", owner,
		"cutoff", cutoff.UTC().Format(time.RFC3339),
		"dry_run", r.cfg.DryRun,
		"purged", n,
		"took", time.Since(started))
	return n, nil
}
