package shutdown

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"taskpipe/pkg/logger"
	"taskpipe/pkg/state"
)

type exitRequest struct {
	Time      string            `json:"time"`
	Reason    string            `json:"reason"`
	Cmd       string            `json:"cmd"`
	CrashPath string            `json:"crash_path,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Abort logs a fatal startup error, writes diagnostics under the data path
// and exits with status 2 after delay seconds (default 10).
func Abort(contextMsg string, err error, dataPath string, delaySeconds ...int) {
	delay := 10
	if len(delaySeconds) > 0 && delaySeconds[0] >= 0 {
		delay = delaySeconds[0]
	}
	logger.Error("startup_fatal", "msg", contextMsg, "error", err)
	dumpPath, reqPath, derr := AbortWithDiagnostics(dataPath, contextMsg, err)
	if derr != nil {
		logger.Error("abort_with_diagnostics_failed", "error", derr)
		fmt.Fprintf(os.Stderr, "FAILED TO WRITE CRASH DUMP: %v\n", derr)
	} else {
		logger.Error("startup_fatal_crashdump", "path", dumpPath, "request", reqPath)
		fmt.Fprintf(os.Stderr, "CRASH DUMP WRITTEN: %s\n", dumpPath)
	}
	for i := delay; i > 0; i-- {
		logger.Info("exiting_in_seconds", "seconds", i)
		time.Sleep(time.Second)
	}
	os.Exit(2)
}

// AbortWithDiagnostics writes a crash dump with goroutine stacks into
// state/crash and an abort request referencing it into state/abort. It
// returns both paths.
func AbortWithDiagnostics(dataPath, reason string, err error) (string, string, error) {
	crashDir, abortDir := "./crash", "./abort"
	if dataPath != "" {
		p := state.Layout(dataPath)
		crashDir, abortDir = p.Crash, p.Abort
	}
	for _, d := range []string{crashDir, abortDir} {
		if e := os.MkdirAll(d, 0o700); e != nil {
			return "", "", fmt.Errorf("failed to create %s: %w", d, e)
		}
	}

	ts := time.Now().UnixNano()
	dumpPath := filepath.Join(crashDir, fmt.Sprintf("crash-%d.log", ts))
	werr := writeAtomic(crashDir, dumpPath, func(f *os.File) error {
		fmt.Fprintf(f, "time: %s\n", time.Now().UTC().Format(time.RFC3339))
		fmt.Fprintf(f, "reason: %s\n", reason)
		fmt.Fprintf(f, "error: %v\n", err)
		fmt.Fprintf(f, "\n--- goroutine stacks ---\n")
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		_, err := f.Write(buf[:n])
		return err
	})
	if werr != nil {
		return "", "", fmt.Errorf("write crash dump: %w", werr)
	}

	req := exitRequest{
		Time:      time.Now().UTC().Format(time.RFC3339),
		Reason:    reason,
		Cmd:       "crash",
		CrashPath: dumpPath,
		Meta:      map[string]string{"pid": fmt.Sprint(os.Getpid())},
	}
	reqPath := filepath.Join(abortDir, fmt.Sprintf("req-%d.json", ts))
	werr = writeAtomic(abortDir, reqPath, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(req)
	})
	if werr != nil {
		return dumpPath, "", fmt.Errorf("write abort request: %w", werr)
	}
	return dumpPath, reqPath, nil
}

// writeAtomic writes through a temp file in dir and renames it to dst.
func writeAtomic(dir, dst string, fill func(*os.File) error) error {
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := f.Name()
	defer func() { _ = os.Remove(name) }()
	if err := fill(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(name, dst); err != nil {
		return err
	}
	return os.Chmod(dst, 0o600)
}

// SetupSignalHandler returns a context cancelled on SIGINT, SIGTERM or
// SIGPIPE. SIGPIPE also dumps goroutine stacks to the log.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGPIPE)
	go func() {
		defer signal.Stop(sigc)
		select {
		case s := <-sigc:
			if s == syscall.SIGPIPE {
				buf := make([]byte, 1<<20)
				n := runtime.Stack(buf, true)
				logger.Info("goroutine_stack_dump", "dump", string(buf[:n]))
			}
			logger.Info("signal_received", "signal", s.String(), "msg", "shutdown requested")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
