package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr     string
	DataPath string
	Config   string
	Validate bool
	Set      map[string]bool
}

// EnvResult reports whether any TASKPIPE_* variable was present.
type EnvResult struct {
	EnvUsed bool
}

// EffectiveConfigResult holds the result of LoadEffectiveConfig.
type EffectiveConfigResult struct {
	Config   *Config
	Addr     string
	DataPath string
	Source   string // "flags", "config", or "env"
}

// ParseConfigFlags parses the process command line.
func ParseConfigFlags() Flags {
	f, err := ParseFlagSet(flag.CommandLine, os.Args[1:])
	if err != nil {
		// flag.CommandLine exits on error; kept for completeness
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return f
}

// ParseFlagSet registers the daemon flags on fs and parses args.
func ParseFlagSet(fs *flag.FlagSet, args []string) (Flags, error) {
	addrPtr := fs.String("addr", ":8080", "HTTP listen address")
	dataPtr := fs.String("data", "./.taskpipe", "Data directory (pebble store and state)")
	cfgPtr := fs.String("config", "./config.yaml", "Path to config file")
	validatePtr := fs.Bool("validate", false, "Validate the effective config and exit")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{Addr: *addrPtr, DataPath: *dataPtr, Config: *cfgPtr, Validate: *validatePtr, Set: setFlags}, nil
}

// ParseConfigFile loads the config file, returning whether it was present.
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := LoadConfigFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// ParseConfigEnvs reads TASKPIPE_* variables into a fresh Config. Malformed
// values are reported as errors rather than silently ignored.
func ParseConfigEnvs() (*Config, EnvResult, error) {
	envCfg := &Config{}
	var res EnvResult
	var errs []string

	get := func(key string) string {
		v := strings.TrimSpace(os.Getenv("TASKPIPE_" + key))
		if v != "" {
			res.EnvUsed = true
		}
		return v
	}
	setInt := func(key string, dst *int) {
		if v := get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("TASKPIPE_%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := get(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("TASKPIPE_%s: %v", key, err))
				return
			}
			*dst = f
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v := get(key); v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("TASKPIPE_%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	setSize := func(key string, dst *SizeBytes) {
		if v := get(key); v != "" {
			s, err := ParseSize(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("TASKPIPE_%s: %v", key, err))
				return
			}
			*dst = s
		}
	}
	parseBool := func(v string) bool {
		switch strings.ToLower(v) {
		case "1", "true", "yes":
			return true
		default:
			return false
		}
	}

	if v := get("ADDR"); v != "" {
		if h, p, err := net.SplitHostPort(v); err == nil {
			envCfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				envCfg.Server.Port = pi
			}
		} else {
			envCfg.Server.Address = v
		}
	} else {
		if host := get("SERVER_ADDRESS"); host != "" {
			envCfg.Server.Address = host
		}
		setInt("SERVER_PORT", &envCfg.Server.Port)
	}
	if v := get("DATA_PATH"); v != "" {
		envCfg.Server.DataPath = v
	}

	p := &envCfg.Pipeline
	setInt("WORKERS", &p.Workers)
	setInt("QUEUE_SIZE", &p.QueueSize)
	setInt("MAX_RETRIES", &p.MaxRetries)
	setDuration("RETRY_BACKOFF", &p.RetryBackoff)
	setDuration("RETRY_BACKOFF_MAX", &p.RetryBackoffMax)
	setInt("MAX_RESTARTS", &p.MaxRestarts)
	setDuration("POLL_INTERVAL", &p.PollInterval)
	setInt("RESULT_BUFFER", &p.ResultBuffer)
	setSize("MAX_PAYLOAD_BYTES", &p.MaxPayloadBytes)
	if v := get("TARGET_URL"); v != "" {
		p.TargetURL = v
	}
	setDuration("TARGET_TIMEOUT", &p.TargetTimeout)

	setInt("BATCH_SIZE", &envCfg.Batch.Size)
	if v := get("BATCH_KEEP_INCOMPLETE"); v != "" {
		keep := parseBool(v)
		envCfg.Batch.KeepIncomplete = &keep
	}
	setDuration("BATCH_FLUSH_INTERVAL", &envCfg.Batch.FlushInterval)

	setFloat("RATE_RPS", &envCfg.RateLimit.RPS)
	setInt("RATE_BURST", &envCfg.RateLimit.Burst)
	setFloat("RATE_CLIENT_RPS", &envCfg.RateLimit.ClientRPS)
	setInt("RATE_CLIENT_BURST", &envCfg.RateLimit.ClientBurst)

	if v := get("RETENTION_ENABLED"); v != "" {
		envCfg.Retention.Enabled = parseBool(v)
	}
	if v := get("RETENTION_CRON"); v != "" {
		envCfg.Retention.Cron = v
	}
	setDuration("RETENTION_PERIOD", &envCfg.Retention.Period)
	if v := get("RETENTION_DRY_RUN"); v != "" {
		envCfg.Retention.DryRun = parseBool(v)
	}

	if v := get("SENSOR_ENABLED"); v != "" {
		envCfg.Sensor.Enabled = parseBool(v)
	}
	setDuration("SENSOR_INTERVAL", &envCfg.Sensor.Interval)
	setFloat("SENSOR_HIGH_WATER", &envCfg.Sensor.HighWater)
	setFloat("SENSOR_LOW_WATER", &envCfg.Sensor.LowWater)
	setSize("SENSOR_MIN_FREE_DISK", &envCfg.Sensor.MinFreeDisk)

	if v := get("LOG_LEVEL"); v != "" {
		envCfg.Logging.Level = v
	}
	if v := get("LOG_FORMAT"); v != "" {
		envCfg.Logging.Format = v
	}
	if v := get("LOG_SINK"); v != "" {
		envCfg.Logging.Sink = v
	}
	if v := get("LOG_AUDIT"); v != "" {
		envCfg.Logging.Audit = parseBool(v)
	}

	setFloat("TELEMETRY_SAMPLE_RATE", &envCfg.Telemetry.SampleRate)
	setDuration("TELEMETRY_SLOW_THRESHOLD", &envCfg.Telemetry.SlowThreshold)

	if len(errs) > 0 {
		return nil, res, fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return envCfg, res, nil
}

// LoadEffectiveConfig decides which single source to use. An explicit
// --config wins and requires the file; otherwise any of --addr/--data
// selects flags; otherwise an existing file; otherwise env.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envRes EnvResult) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult
	if fileCfg == nil {
		fileCfg = &Config{}
	}
	if envCfg == nil {
		envCfg = &Config{}
	}

	if flags.Set["config"] {
		if !fileExists {
			return res, fmt.Errorf("config file %s not found", flags.Config)
		}
		return fromConfig(fileCfg, "config"), nil
	}

	if flags.Set["addr"] || flags.Set["data"] {
		out := &Config{}
		addr := flags.Addr
		if !flags.Set["addr"] {
			addr = envCfg.Addr()
			if envCfg.Server.Address == "" && envCfg.Server.Port == 0 {
				addr = fileCfg.Addr()
			}
		}
		dataPath := flags.DataPath
		if !flags.Set["data"] {
			if p := strings.TrimSpace(envCfg.Server.DataPath); p != "" {
				dataPath = p
			} else if p := strings.TrimSpace(fileCfg.Server.DataPath); p != "" {
				dataPath = p
			}
		}
		host, port := splitAddr(addr)
		out.Server.Address = host
		out.Server.Port = port
		out.Server.DataPath = dataPath
		res.Config = out
		res.Addr = addr
		res.DataPath = dataPath
		res.Source = "flags"
		return res, nil
	}

	if fileExists {
		return fromConfig(fileCfg, "config"), nil
	}
	res = fromConfig(envCfg, "env")
	if !envRes.EnvUsed {
		res.Source = "defaults"
	}
	return res, nil
}

func fromConfig(c *Config, source string) EffectiveConfigResult {
	return EffectiveConfigResult{Config: c, Addr: c.Addr(), DataPath: c.Server.DataPath, Source: source}
}

func splitAddr(a string) (string, int) {
	h, p, err := net.SplitHostPort(a)
	if err != nil {
		return a, 0
	}
	pi, _ := strconv.Atoi(p)
	return h, pi
}
