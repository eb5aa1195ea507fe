package ctl

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
)

type options struct {
	host       string
	configPath string
	output     string
	timeout    time.Duration

	// hc replaces the default HTTP client, e.g. to dial an in-memory listener
	hc *fasthttp.Client

	cfg *Config
	out printer
}

func (o *options) client() *Client {
	return NewClient(o.host, o.timeout, o.hc)
}

// Execute runs the CLI and exits non-zero on error.
func Execute(version, commit string) {
	root := NewRootCmd(version, commit)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func NewRootCmd(version, commit string) *cobra.Command {
	return newRootCmd(&options{}, version, commit)
}

func newRootCmd(o *options, version, commit string) *cobra.Command {
	root := &cobra.Command{
		Use:   "taskpipectl",
		Short: "Control and inspect a taskpipe daemon",
		Long: `taskpipectl submits tasks to a running taskpipe daemon, lists results and
dead letters, replays failures, toggles intake and runs load tests. The
inspect command reads a stopped daemon's data directory directly.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.resolve(cmd)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&o.host, "host", defaultHost, "daemon base URL (env TASKPIPE_HOST)")
	pf.StringVarP(&o.configPath, "config", "c", "", "config file path (default is $HOME/.taskpipectl.yaml)")
	pf.StringVarP(&o.output, "output", "o", "", "output format: table, json or yaml (default table on a terminal, json otherwise)")
	pf.DurationVar(&o.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newSubmitCmd(o),
		newStatsCmd(o),
		newResultsCmd(o),
		newDeadLettersCmd(o),
		newPauseCmd(o),
		newResumeCmd(o),
		newPurgeCmd(o),
		newInspectCmd(o),
		newBenchCmd(o),
	)
	return root
}

// resolve merges flags, environment and the config file. Explicit flags win.
func (o *options) resolve(cmd *cobra.Command) error {
	path := o.configPath
	if path == "" {
		path = DefaultConfigPath()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	o.cfg = cfg

	flags := cmd.Flags()
	if !flags.Changed("host") {
		if h := strings.TrimSpace(os.Getenv("TASKPIPE_HOST")); h != "" {
			o.host = h
		} else if cfg.Host != "" {
			o.host = cfg.Host
		}
	}
	if !flags.Changed("timeout") && cfg.Timeout > 0 {
		o.timeout = cfg.Timeout
	}

	format := o.output
	if format == "" {
		format = cfg.Output
	}
	w := cmd.OutOrStdout()
	if format == "" {
		f, _ := w.(*os.File)
		format = defaultFormat(f)
	}
	format = strings.ToLower(format)
	if err := validFormat(format); err != nil {
		return err
	}
	o.out = printer{w: w, format: format}
	return nil
}
