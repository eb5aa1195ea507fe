package banner

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"taskpipe/pkg/config"
)

const banner = `
 _             _           _
| |_ __ _  ___| | ___ __ (_)_ __   ___
| __/ _' |/ __| |/ / '_ \| | '_ \ / _ \
| || (_| |\__ \   <| |_) | | |_) |  __/
 \__\__,_||___/_|\_\ .__/|_| .__/ \___|
                   |_|     |_|
`

// Print writes the startup banner and effective config to stdout.
func Print(eff config.EffectiveConfigResult, version string) {
	Fprint(os.Stdout, eff, version)
}

func Fprint(w io.Writer, eff config.EffectiveConfigResult, version string) {
	cfg := eff.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	src := eff.Source
	if src == "" {
		src = "defaults"
	}

	fmt.Fprint(w, banner)
	fmt.Fprintln(w, "== Config =====================================================")
	fmt.Fprintf(w, "Listen:     %s\n", eff.Addr)
	fmt.Fprintf(w, "Data path:  %s\n", eff.DataPath)
	if version != "" {
		fmt.Fprintf(w, "Version:    %s\n", version)
	}
	fmt.Fprintf(w, "Config:     %s\n", src)

	p := cfg.Pipeline
	fmt.Fprintln(w, "\n== Pipeline ===================================================")
	queue := "unbounded"
	if p.QueueSize > 0 {
		queue = humanize.Comma(int64(p.QueueSize))
	}
	fmt.Fprintf(w, "Workers:    %d (queue %s, max retries %d, max restarts %d)\n", p.Workers, queue, p.MaxRetries, p.MaxRestarts)
	fmt.Fprintf(w, "Backoff:    %s .. %s\n", p.RetryBackoff, p.RetryBackoffMax)
	fmt.Fprintf(w, "Payload:    up to %s\n", humanize.IBytes(uint64(p.MaxPayloadBytes.Int64())))
	if p.TargetURL != "" {
		fmt.Fprintf(w, "Target:     %s (timeout %s)\n", p.TargetURL, p.TargetTimeout)
	} else {
		fmt.Fprintln(w, "Target:     none (echo)")
	}
	fmt.Fprintf(w, "Batches:    %d results, flush every %s, keep incomplete %t\n",
		cfg.Batch.Size, cfg.Batch.FlushInterval, cfg.Batch.Keep())

	fmt.Fprintln(w, "\n== Limits =====================================================")
	if cfg.RateLimit.RPS > 0 {
		fmt.Fprintf(w, "- Intake rate: %.0f/s (burst %d)\n", cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	} else {
		fmt.Fprintln(w, "- Intake rate: unlimited")
	}
	if cfg.RateLimit.ClientRPS > 0 {
		fmt.Fprintf(w, "- Per client:  %.0f/s (burst %d)\n", cfg.RateLimit.ClientRPS, cfg.RateLimit.ClientBurst)
	}
	if cfg.Sensor.Enabled {
		fmt.Fprintf(w, "- Sensor: pause at %.0f%%, resume at %.0f%%, min free disk %s\n",
			cfg.Sensor.HighWater*100, cfg.Sensor.LowWater*100, humanize.IBytes(uint64(cfg.Sensor.MinFreeDisk.Int64())))
	} else {
		fmt.Fprintln(w, "- Sensor: disabled")
	}
	if cfg.Retention.Enabled {
		fmt.Fprintf(w, "- Retention: cron=%s keep=%s dry_run=%t\n", cfg.Retention.Cron, cfg.Retention.Period, cfg.Retention.DryRun)
	} else {
		fmt.Fprintln(w, "- Retention: disabled")
	}

	fmt.Fprintln(w, "\n== Examples ===================================================")
	fmt.Fprintf(w, "curl -X POST 'http://%s/v1/tasks' -d '{\"hello\":\"world\"}'\n", eff.Addr)
	fmt.Fprintf(w, "curl 'http://%s/v1/results?limit=10'\n", eff.Addr)
	fmt.Fprintln(w, "\n== Logs =======================================================")
}
