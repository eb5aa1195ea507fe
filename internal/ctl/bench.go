package ctl

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	vegeta "github.com/tsenart/vegeta/lib"
)

// BenchConfig drives a load test against POST /v1/tasks.
type BenchConfig struct {
	Host        string
	RPS         int
	Duration    time.Duration
	PayloadSize int // bytes of filler per task
	Timeout     time.Duration
}

// BenchReport is the condensed vegeta result.
type BenchReport struct {
	Requests    uint64         `json:"requests"`
	Rate        float64        `json:"rate"`
	Throughput  float64        `json:"throughput"`
	Success     float64        `json:"success_ratio"`
	Mean        time.Duration  `json:"latency_mean"`
	P50         time.Duration  `json:"latency_p50"`
	P95         time.Duration  `json:"latency_p95"`
	P99         time.Duration  `json:"latency_p99"`
	Max         time.Duration  `json:"latency_max"`
	BytesOut    uint64         `json:"bytes_out"`
	StatusCodes map[string]int `json:"status_codes"`
	Errors      []string       `json:"errors,omitempty"`
}

func newBenchCmd(o *options) *cobra.Command {
	cfg := BenchConfig{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load test task submission with vegeta",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.Host = o.host
			cfg.Timeout = o.timeout
			rep, err := RunBench(cfg)
			if err != nil {
				return err
			}
			return o.out.print(rep, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "Requests\t%s\n", humanize.Comma(int64(rep.Requests)))
				fmt.Fprintf(tw, "Rate\t%.1f/s (throughput %.1f/s)\n", rep.Rate, rep.Throughput)
				fmt.Fprintf(tw, "Success\t%.2f%%\n", rep.Success*100)
				fmt.Fprintf(tw, "Latency\tmean %s, p50 %s, p95 %s, p99 %s, max %s\n",
					rep.Mean, rep.P50, rep.P95, rep.P99, rep.Max)
				fmt.Fprintf(tw, "Sent\t%s\n", humanize.IBytes(rep.BytesOut))
				codes := make([]string, 0, len(rep.StatusCodes))
				for c := range rep.StatusCodes {
					codes = append(codes, c)
				}
				sort.Strings(codes)
				for _, c := range codes {
					fmt.Fprintf(tw, "Status %s\t%s\n", c, humanize.Comma(int64(rep.StatusCodes[c])))
				}
				for _, e := range rep.Errors {
					fmt.Fprintf(tw, "Error\t%s\n", truncate(e, 80))
				}
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&cfg.RPS, "rps", 100, "requests per second")
	f.DurationVar(&cfg.Duration, "duration", 10*time.Second, "attack duration")
	f.IntVar(&cfg.PayloadSize, "payload-size", 64, "filler bytes per task payload")
	return cmd
}

// RunBench attacks cfg.Host at a constant rate and summarises the results.
func RunBench(cfg BenchConfig) (BenchReport, error) {
	if cfg.RPS <= 0 {
		return BenchReport{}, fmt.Errorf("rps must be positive, got %d", cfg.RPS)
	}
	if cfg.Duration <= 0 {
		return BenchReport{}, fmt.Errorf("duration must be positive, got %s", cfg.Duration)
	}
	if cfg.PayloadSize < 0 {
		cfg.PayloadSize = 0
	}
	url := strings.TrimRight(cfg.Host, "/") + "/v1/tasks"
	filler := strings.Repeat("x", cfg.PayloadSize)
	header := http.Header{"Content-Type": []string{"application/json"}}

	var seq uint64
	targeter := func(t *vegeta.Target) error {
		n := atomic.AddUint64(&seq, 1)
		t.Method = http.MethodPost
		t.URL = url
		t.Header = header
		t.Body = []byte(fmt.Sprintf(`{"seq":%d,"fill":%q}`, n, filler))
		return nil
	}

	opts := []func(*vegeta.Attacker){vegeta.Workers(uint64(runtime.NumCPU()))}
	if cfg.Timeout > 0 {
		opts = append(opts, vegeta.Timeout(cfg.Timeout))
	}
	attacker := vegeta.NewAttacker(opts...)
	rate := vegeta.Rate{Freq: cfg.RPS, Per: time.Second}

	var m vegeta.Metrics
	for res := range attacker.Attack(targeter, rate, cfg.Duration, "taskpipe-submit") {
		m.Add(res)
	}
	m.Close()

	return BenchReport{
		Requests:    m.Requests,
		Rate:        m.Rate,
		Throughput:  m.Throughput,
		Success:     m.Success,
		Mean:        m.Latencies.Mean,
		P50:         m.Latencies.P50,
		P95:         m.Latencies.P95,
		P99:         m.Latencies.P99,
		Max:         m.Latencies.Max,
		BytesOut:    m.BytesOut.Total,
		StatusCodes: m.StatusCodes,
		Errors:      m.Errors,
	}, nil
}
