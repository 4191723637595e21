// Package log provides structured logging for the stratum bridge.
// It wraps log/slog with helpers for the events the bridge emits.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hako/durafmt"
)

// Logger wraps slog.Logger with bridge specific helpers
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "test", "dev", "error", "json")
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithWorker returns a logger tagged with a worker's identity and name
func (l *Logger) WithWorker(identity, worker string) *Logger {
	return l.WithFields("identity", identity, "worker", worker)
}

// WithJob returns a logger with job fields
func (l *Logger) WithJob(jobID string, height int64) *Logger {
	return l.WithFields("job_id", jobID, "height", height)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/float64(time.Millisecond),
	)
}

// LogConnection logs connection lifecycle events. A non-zero age is
// rendered in human form.
func (l *Logger) LogConnection(event, remoteAddr string, age time.Duration) {
	attrs := []any{"event", event, "remote_addr", remoteAddr}
	if age > 0 {
		attrs = append(attrs, "connected_for", FormatDuration(age))
	}
	l.Info("connection event", attrs...)
}

// LogStratumMessage logs raw stratum lines at debug level
func (l *Logger) LogStratumMessage(direction string, line []byte) {
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.Debug("stratum message",
		"direction", direction,
		"message", string(line),
	)
}

// LogShareSubmission logs a validated share
func (l *Logger) LogShareSubmission(worker, jobID string, difficulty float64, status, reason string) {
	attrs := []any{
		"worker", worker,
		"job_id", jobID,
		"share_difficulty", difficulty,
		"status", status,
	}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
		l.Debug("share rejected", attrs...)
		return
	}
	l.Debug("share accepted", attrs...)
}

// LogBlockFound logs a share that met the network target
func (l *Logger) LogBlockFound(blockHash string, height int64, worker string, difficulty float64) {
	l.Info("block found",
		"block_hash", blockHash,
		"height", height,
		"worker", worker,
		"share_difficulty", difficulty,
	)
}

// LogJobDistribution logs a job fan-out
func (l *Logger) LogJobDistribution(jobID string, height int64, clean bool, workers int) {
	l.Info("job distributed",
		"job_id", jobID,
		"height", height,
		"clean_jobs", clean,
		"worker_count", workers,
	)
}

// FormatDuration renders d at second precision, e.g. "2 hours 3 minutes".
func FormatDuration(d time.Duration) string {
	return durafmt.Parse(d.Truncate(time.Second)).LimitFirstN(2).String()
}
