package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var Log *slog.Logger

// Audit is an optional dedicated audit logger for dead-letter replay and
// purge events. When nil, audit events go to Log.
var Audit *slog.Logger

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels. Unknown
// values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger. format is "text" or "json"; sink is "" or "stdout"
// for standard output, "stderr", or "file:<path>".
func New(level, format, sink string) (*slog.Logger, error) {
	var w io.Writer = os.Stdout
	switch {
	case sink == "" || sink == "stdout":
	case sink == "stderr":
		w = os.Stderr
	case strings.HasPrefix(sink, "file:"):
		path := strings.TrimPrefix(sink, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		w = f
	default:
		return nil, fmt.Errorf("unknown log sink %q", sink)
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// Init initializes the global logger from TASKPIPE_LOG_LEVEL and
// TASKPIPE_LOG_SINK.
func Init() {
	InitWithLevel("")
}

// InitWithLevel initializes the global logger but honors the provided level.
// If level is empty it falls back to TASKPIPE_LOG_LEVEL. A sink that cannot
// be opened falls back to stdout.
func InitWithLevel(level string) {
	InitWith(level, os.Getenv("TASKPIPE_LOG_FORMAT"), "")
}

// InitWith is InitWithLevel with an explicit format and sink. Empty values
// are taken from the environment.
func InitWith(level, format, sink string) {
	if strings.TrimSpace(level) == "" {
		level = os.Getenv("TASKPIPE_LOG_LEVEL")
	}
	if sink == "" {
		sink = os.Getenv("TASKPIPE_LOG_SINK") // e.g. "file:/path/to/log"
	}
	l, err := New(level, format, sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v; falling back to stdout\n", err)
		l = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)}))
	}
	Log = l
}

// AttachAuditFileSink configures a JSON audit logger writing to
// <auditDir>/audit.log. If the file cannot be opened Audit is left nil.
func AttachAuditFileSink(auditDir string) error {
	if auditDir == "" {
		return fmt.Errorf("empty audit dir")
	}
	if fi, err := os.Lstat(auditDir); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("audit path is a symlink: %s", auditDir)
		}
		if !fi.IsDir() {
			return fmt.Errorf("audit path exists and is not a directory: %s", auditDir)
		}
	}
	if err := os.MkdirAll(auditDir, 0o700); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	fname := filepath.Join(auditDir, "audit.log")
	// rotate once it passes 10MB
	if fi, err := os.Stat(fname); err == nil {
		const maxSize = 10 * 1024 * 1024
		if fi.Size() > maxSize {
			bak := fname + "." + fi.ModTime().UTC().Format("20060102T150405Z")
			_ = os.Rename(fname, bak)
		}
	}
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	Audit = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo}))
	Audit.Info("audit_sink_attached", "path", fname)
	return nil
}

// AuditLogger returns Audit, falling back to Log.
func AuditLogger() *slog.Logger {
	if Audit != nil {
		return Audit
	}
	return Log
}

// Debug logs with slog-style key/value pairs.
func Debug(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Debug(msg, args...)
}

// Info logs with slog-style key/value pairs.
func Info(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Info(msg, args...)
}

// Warn logs with slog-style key/value pairs.
func Warn(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Warn(msg, args...)
}

// Error logs with slog-style key/value pairs.
func Error(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Error(msg, args...)
}
