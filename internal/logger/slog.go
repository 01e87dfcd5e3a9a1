package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
)

// SlogOptions configures the structured logger.
type SlogOptions struct {
	Dir   string // empty: console only
	JSON  bool
	Level string // debug, info, warn, error

	// Console receives every record alongside the file; nil means stdout.
	// Stdio servers pass os.Stderr or io.Discard.
	Console io.Writer
}

// InitSlog initializes the slog-based logger and installs it as the slog default.
func InitSlog(opts SlogOptions) error {
	var writer io.Writer = os.Stdout
	if opts.Console != nil {
		writer = opts.Console
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return err
		}

		logFileName := "conduit-" + time.Now().Format("2006-01-02") + ".jsonl"
		logFilePath := filepath.Join(opts.Dir, logFileName)

		var err error
		logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		writer = io.MultiWriter(writer, logFile)
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)

	return nil
}

// ParseLevel maps a config level name to a slog.Level, defaulting to info.
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

// CloseSlog closes the slog log file
func CloseSlog() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Discard returns a logger that drops every record. Used by tests and by
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithContext returns a logger with context fields
func WithContext(ctx context.Context) *slog.Logger {
	logger := Slog()

	if channelID := ctx.Value(ContextKeyChannelID); channelID != nil {
		logger = logger.With("channel_id", channelID)
	}
	if requestID := ctx.Value(ContextKeyRequestID); requestID != nil {
		logger = logger.With("request_id", requestID)
	}

	return logger
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyChannelID contextKey = "channel_id"
	ContextKeyRequestID contextKey = "request_id"
)

// WithChannel returns a context carrying the channel id for WithContext.
func WithChannel(ctx context.Context, channelID string) context.Context {
	return context.WithValue(ctx, ContextKeyChannelID, channelID)
}

// WithRequest returns a context carrying the request id for WithContext.
func WithRequest(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs debug info with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
