package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	DefaultDataPath        = "./.taskpipe"
	DefaultWorkers         = 4
	DefaultQueueSize       = 1024
	DefaultMaxRetries      = 3
	DefaultRetryBackoff    = 200 * time.Millisecond
	DefaultRetryBackoffMax = 10 * time.Second
	DefaultMaxRestarts     = 3
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultResultBuffer    = 1000
	DefaultMaxPayload      = 1 << 20
	DefaultTargetTimeout   = 10 * time.Second
	DefaultBatchSize       = 64
	DefaultFlushInterval   = time.Second
	DefaultRetentionCron   = "0 * * * *"
	DefaultRetentionPeriod = 7 * 24 * time.Hour
	DefaultSensorInterval  = time.Second
	DefaultHighWater       = 0.9
	DefaultLowWater        = 0.7
	DefaultMinFreeDisk     = 100 << 20
	DefaultSlowThreshold   = 200 * time.Millisecond
)

// Disabled asks for an explicit zero in queue_size (unbounded), max_retries,
// max_restarts and result_buffer (keep all). A plain 0 means the default.
const Disabled = -1

// ValidateConfig sets defaults on eff in place and fails fast on values the
// daemon cannot run with.
func ValidateConfig(eff *EffectiveConfigResult) error {
	if eff == nil || eff.Config == nil {
		return fmt.Errorf("effective config is nil")
	}
	cfg := eff.Config

	if strings.TrimSpace(eff.DataPath) == "" {
		eff.DataPath = cfg.Server.DataPath
	}
	if strings.TrimSpace(eff.DataPath) == "" {
		eff.DataPath = DefaultDataPath
	}
	cfg.Server.DataPath = eff.DataPath
	if eff.Addr == "" {
		eff.Addr = cfg.Addr()
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}

	p := &cfg.Pipeline
	if p.Workers < 0 {
		return fmt.Errorf("pipeline.workers must not be negative, got %d", p.Workers)
	}
	if p.Workers == 0 {
		p.Workers = DefaultWorkers
	}
	for _, f := range []struct {
		name string
		v    *int
		def  int
	}{
		{"queue_size", &p.QueueSize, DefaultQueueSize},
		{"max_retries", &p.MaxRetries, DefaultMaxRetries},
		{"max_restarts", &p.MaxRestarts, DefaultMaxRestarts},
		{"result_buffer", &p.ResultBuffer, DefaultResultBuffer},
	} {
		switch {
		case *f.v == Disabled:
			*f.v = 0
		case *f.v == 0:
			*f.v = f.def
		case *f.v < 0:
			return fmt.Errorf("pipeline.%s must be %d or non-negative, got %d", f.name, Disabled, *f.v)
		}
	}
	setDefaultDuration(&p.RetryBackoff, DefaultRetryBackoff)
	setDefaultDuration(&p.RetryBackoffMax, DefaultRetryBackoffMax)
	setDefaultDuration(&p.PollInterval, DefaultPollInterval)
	setDefaultDuration(&p.TargetTimeout, DefaultTargetTimeout)
	if p.RetryBackoffMax < p.RetryBackoff {
		return fmt.Errorf("pipeline.retry_backoff_max (%s) is below retry_backoff (%s)", p.RetryBackoffMax, p.RetryBackoff)
	}
	if p.RetryJitter < 0 || p.RetryJitter > 1 {
		return fmt.Errorf("pipeline.retry_jitter must be within [0,1], got %v", p.RetryJitter)
	}
	if p.MaxPayloadBytes <= 0 {
		p.MaxPayloadBytes = DefaultMaxPayload
	}
	if p.TargetURL != "" {
		u, err := url.Parse(p.TargetURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("pipeline.target_url must be an absolute http(s) URL: %q", p.TargetURL)
		}
	}

	if cfg.Batch.Size < 0 {
		return fmt.Errorf("batch.size must not be negative")
	}
	if cfg.Batch.Size == 0 {
		cfg.Batch.Size = DefaultBatchSize
	}
	setDefaultDuration(&cfg.Batch.FlushInterval, DefaultFlushInterval)

	if cfg.RateLimit.RPS < 0 || cfg.RateLimit.ClientRPS < 0 {
		return fmt.Errorf("rate_limit: rps values must not be negative")
	}
	if cfg.RateLimit.RPS > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = int(cfg.RateLimit.RPS) + 1
	}
	if cfg.RateLimit.ClientRPS > 0 && cfg.RateLimit.ClientBurst <= 0 {
		cfg.RateLimit.ClientBurst = int(cfg.RateLimit.ClientRPS) + 1
	}

	ret := &cfg.Retention
	if ret.Cron == "" {
		ret.Cron = DefaultRetentionCron
	}
	setDefaultDuration(&ret.Period, DefaultRetentionPeriod)
	if ret.Enabled {
		if !gronx.New().IsValid(ret.Cron) {
			return fmt.Errorf("invalid retention.cron: not a valid cron expression: %q", ret.Cron)
		}
		if ret.Period < Duration(time.Minute) {
			return fmt.Errorf("retention.period must be at least 1m, got %s", ret.Period)
		}
	}

	s := &cfg.Sensor
	setDefaultDuration(&s.Interval, DefaultSensorInterval)
	if s.HighWater == 0 {
		s.HighWater = DefaultHighWater
	}
	if s.LowWater == 0 {
		s.LowWater = DefaultLowWater
	}
	if s.MinFreeDisk == 0 {
		s.MinFreeDisk = DefaultMinFreeDisk
	}
	if s.HighWater > 1 || s.LowWater < 0 || s.LowWater >= s.HighWater {
		return fmt.Errorf("sensor: need 0 <= low_water < high_water <= 1, got %v/%v", s.LowWater, s.HighWater)
	}

	if cfg.Telemetry.SampleRate < 0 || cfg.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0,1], got %v", cfg.Telemetry.SampleRate)
	}
	setDefaultDuration(&cfg.Telemetry.SlowThreshold, DefaultSlowThreshold)

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", cfg.Logging.Format)
	}
	return nil
}

func setDefaultDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}
