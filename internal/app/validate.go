package app

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"

	"taskpipe/pkg/config"
)

// validateConfig performs quick, fail-fast checks on the effective config
// before any resource is opened. config.ValidateConfig has already applied
// defaults; this only rejects what the daemon cannot start with.
func validateConfig(eff config.EffectiveConfigResult) error {
	if eff.Config == nil {
		return fmt.Errorf("effective config is nil: run config.ValidateConfig first")
	}
	if strings.TrimSpace(eff.DataPath) == "" {
		return fmt.Errorf("data path is empty: set --data, TASKPIPE_DATA_PATH or server.data_path")
	}
	if eff.Addr == "" {
		return fmt.Errorf("listen address is empty")
	}
	p := eff.Config.Pipeline
	if p.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be >= 1, got %d", p.Workers)
	}
	if eff.Config.Batch.Size < 1 {
		return fmt.Errorf("batch.size must be >= 1, got %d", eff.Config.Batch.Size)
	}
	return nil
}

// logDurability summarizes what a crash can lose: queued tasks and results
// not yet flushed live only in memory.
func logDurability(log *slog.Logger, cfg *config.Config) {
	p := cfg.Pipeline
	atRisk := p.QueueSize + p.Workers + cfg.Batch.Size
	queue := "unbounded"
	if p.QueueSize > 0 {
		queue = humanize.Comma(int64(p.QueueSize))
	}
	log.Info("config_durability_summary",
		"queue_capacity", queue,
		"workers", p.Workers,
		"batch_size", humanize.Comma(int64(cfg.Batch.Size)),
		"flush_interval", cfg.Batch.FlushInterval.String(),
		"keep_incomplete", cfg.Batch.Keep(),
		"tasks_at_risk", humanize.Comma(int64(atRisk)),
	)
}
