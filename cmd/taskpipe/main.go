package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"

	"taskpipe/internal/app"
	"taskpipe/pkg/config"
	"taskpipe/pkg/logger"
	"taskpipe/pkg/shutdown"
	"taskpipe/pkg/state"
)

// set build metadata
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// load .env file if present
	_ = godotenv.Load(".env")

	// parse config flags
	flags := config.ParseConfigFlags()

	// parse config file
	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		shutdown.Abort("failed to load config file", err, flags.DataPath, 0)
	}

	// parse config env variables
	envCfg, envRes, err := config.ParseConfigEnvs()
	if err != nil {
		shutdown.Abort("failed to parse environment", err, flags.DataPath, 0)
	}

	// load effective config
	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg, envRes)
	if err != nil {
		shutdown.Abort("failed to build effective config", err, flags.DataPath, 0)
	}

	// validate config and apply defaults
	if err := config.ValidateConfig(&eff); err != nil {
		shutdown.Abort("invalid configuration", err, eff.DataPath, 0)
	}
	if flags.Validate {
		fmt.Printf("config ok (source=%s addr=%s data=%s)\n", eff.Source, eff.Addr, eff.DataPath)
		return
	}

	// initialize logger after config is fully loaded
	lc := eff.Config.Logging
	logger.InitWith(lc.Level, lc.Format, lc.Sink)
	logger.Info("effective_config_loaded", "source", eff.Source, "addr", eff.Addr, "data_path", eff.DataPath)

	// cap workers at 2 x logical cores
	numCPU := runtime.NumCPU()
	if maxWorkers := numCPU * 2; eff.Config.Pipeline.Workers > maxWorkers {
		logger.Warn("worker_count_capped", "requested", eff.Config.Pipeline.Workers, "capped_to", maxWorkers)
		eff.Config.Pipeline.Workers = maxWorkers
	}
	logger.Info("system_logical_cores", "logical_cores", numCPU)

	if lc.Audit {
		if err := logger.AttachAuditFileSink(state.Layout(eff.DataPath).Audit); err != nil {
			logger.Warn("audit_sink_unavailable", "error", err)
		}
	}

	// initialize app
	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("failed to initialize app", err, eff.DataPath)
	}

	// set up context and signal handling for graceful shutdown
	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	runErr := a.Run(ctx)

	// shutdown the app with a bounded timeout so teardown cannot hang forever
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_incomplete", "error", err)
	}
	if runErr != nil {
		shutdown.Abort("app run failed", runErr, eff.DataPath)
	}
	if err := shutdownCtx.Err(); err != nil {
		os.Exit(1)
	}
}
