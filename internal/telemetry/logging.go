package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/taskvisor/internal/shared"
)

// Options configures the daemon logger.
type Options struct {
	HomeDir string
	Level   string
	// Quiet writes to the log file only.
	Quiet bool
	// Component is attached to every record. Defaults to "taskvisor".
	Component string
}

// Logger bundles the slog logger with its level knob and backing file.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  *os.File
}

// NewLogger opens <home>/logs/system.jsonl and returns a JSON logger that
// writes to it (and stdout unless quiet). Secret-looking keys and values are
// redacted before they reach either sink.
func NewLogger(opts Options) (*Logger, error) {
	logDir := filepath.Join(opts.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	var w io.Writer = file
	if !opts.Quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(opts.Level))

	component := opts.Component
	if component == "" {
		component = "taskvisor"
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, ReplaceAttr: replaceAttr})
	return &Logger{
		Logger: slog.New(handler).With("component", component, "trace_id", "-"),
		level:  lvl,
		file:   file,
	}, nil
}

// SetLevel changes the minimum level at runtime (config reload).
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

// Close flushes nothing and closes the log file.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// WithTrace returns a logger carrying the trace and job ids found in ctx.
func WithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("trace_id", shared.TraceID(ctx))
	if job := shared.JobID(ctx); job != "" {
		l = l.With("job_id", job)
	}
	return l
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shared.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
