// Package logging provides structured logging for trucklog.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("relay")
//	log.Info("batch sent", "kind", "imu", "rows", 940)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stderr, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel parses "debug", "info", "warn" or "error".
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// The returned logger resolves the global handler lazily, so package-level
// component loggers pick up a later Init.
func Component(name string) *slog.Logger {
	return slog.New((&lazyHandler{}).WithAttrs([]slog.Attr{slog.String("component", name)}))
}

// WithContext returns a logger that includes context values.
func WithContext(ctx context.Context) *slog.Logger {
	logger := current()

	if device, ok := ctx.Value(contextKeyDevice).(uint64); ok {
		logger = logger.With("device_id", fmt.Sprintf("%#x", device))
	}
	if kind, ok := ctx.Value(contextKeyKind).(string); ok {
		logger = logger.With("kind", kind)
	}
	if batch, ok := ctx.Value(contextKeyBatch).(uint64); ok {
		logger = logger.With("batch_id", batch)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyDevice contextKey = iota
	contextKeyKind
	contextKeyBatch
)

// ContextWithDevice adds a device id to the context for logging.
func ContextWithDevice(ctx context.Context, device uint64) context.Context {
	return context.WithValue(ctx, contextKeyDevice, device)
}

// ContextWithKind adds a row kind ("imu", "gps") to the context for logging.
func ContextWithKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, contextKeyKind, kind)
}

// ContextWithBatch adds a relay batch id to the context for logging.
func ContextWithBatch(ctx context.Context, batch uint64) context.Context {
	return context.WithValue(ctx, contextKeyBatch, batch)
}

func current() *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger
}

// lazyHandler forwards to the handler of the global logger at call time.
// ops replays WithAttrs/WithGroup calls in order.
type lazyHandler struct {
	ops []func(slog.Handler) slog.Handler
}

func (h *lazyHandler) resolve() slog.Handler {
	handler := current().Handler()
	for _, op := range h.ops {
		handler = op(handler)
	}
	return handler
}

func (h *lazyHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return current().Handler().Enabled(ctx, level)
}

func (h *lazyHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *lazyHandler) with(op func(slog.Handler) slog.Handler) *lazyHandler {
	ops := make([]func(slog.Handler) slog.Handler, 0, len(h.ops)+1)
	ops = append(ops, h.ops...)
	return &lazyHandler{ops: append(ops, op)}
}

func (h *lazyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *lazyHandler) WithGroup(name string) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) { current().Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { current().Info(msg, args...) }

// Warn logs at warning level.
func Warn(msg string, args ...any) { current().Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { current().Error(msg, args...) }
