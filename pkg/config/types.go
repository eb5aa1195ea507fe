package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Batch     BatchConfig     `yaml:"batch"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retention RetentionConfig `yaml:"retention"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the HTTP listener and data directory.
type ServerConfig struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	DataPath string `yaml:"data_path"`
}

// PipelineConfig sizes the worker pool and the forwarding processor.
type PipelineConfig struct {
	Workers         int       `yaml:"workers"`
	QueueSize       int       `yaml:"queue_size"`
	MaxRetries      int       `yaml:"max_retries"`
	RetryBackoff    Duration  `yaml:"retry_backoff"`
	RetryBackoffMax Duration  `yaml:"retry_backoff_max"`
	RetryJitter     float64   `yaml:"retry_jitter"`
	MaxRestarts     int       `yaml:"max_restarts"`
	PollInterval    Duration  `yaml:"poll_interval"`
	ResultBuffer    int       `yaml:"result_buffer"`
	MaxPayloadBytes SizeBytes `yaml:"max_payload_bytes"`
	TargetURL       string    `yaml:"target_url"`
	TargetTimeout   Duration  `yaml:"target_timeout"`
}

// BatchConfig controls how results are grouped before they are persisted.
type BatchConfig struct {
	Size           int      `yaml:"size"`
	KeepIncomplete *bool    `yaml:"keep_incomplete"`
	FlushInterval  Duration `yaml:"flush_interval"`
}

// Keep reports whether a partial batch is written on shutdown. Unset means
// true.
func (b BatchConfig) Keep() bool {
	if b.KeepIncomplete == nil {
		return true
	}
	return *b.KeepIncomplete
}

// RateLimitConfig throttles task intake. RPS applies to the whole daemon,
// ClientRPS to each remote address.
type RateLimitConfig struct {
	RPS         float64 `yaml:"rps"`
	Burst       int     `yaml:"burst"`
	ClientRPS   float64 `yaml:"client_rps"`
	ClientBurst int     `yaml:"client_burst"`
}

// RetentionConfig holds configuration for the dead-letter purge runner.
type RetentionConfig struct {
	Enabled bool     `yaml:"enabled"`
	Cron    string   `yaml:"cron"`
	Period  Duration `yaml:"period"`
	DryRun  bool     `yaml:"dry_run"`
}

// SensorConfig drives automatic intake pausing.
type SensorConfig struct {
	Enabled     bool      `yaml:"enabled"`
	Interval    Duration  `yaml:"interval"`
	HighWater   float64   `yaml:"high_water"`
	LowWater    float64   `yaml:"low_water"`
	MinFreeDisk SizeBytes `yaml:"min_free_disk"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
	Sink   string `yaml:"sink"`   // stdout|stderr|file:<path>
	Audit  bool   `yaml:"audit"`
}

// TelemetryConfig controls request timing logs. Slow requests are always
// logged; SampleRate picks a fraction of the rest.
type TelemetryConfig struct {
	SampleRate    float64  `yaml:"sample_rate"`
	SlowThreshold Duration `yaml:"slow_threshold"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly
// strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := ParseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSize accepts "64KB", "1 MiB" or a plain integer.
func ParseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.Bytes(uint64(s)) }

// Duration is a wrapper around time.Duration that supports YAML parsing from
// strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDuration accepts Go durations and plain seconds.
func ParseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }
