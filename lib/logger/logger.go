// Package logger provides structured logging with optional OpenTelemetry
// trace context integration.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const loggerKey contextKey = "logger"

// Config holds logging configuration.
type Config struct {
	// Level is the log level for the process.
	Level slog.Level
	// AddSource adds source file information to log entries.
	AddSource bool
}

// NewConfig creates a Config from the VOIDBOX_LOG_LEVEL environment
// variable, defaulting to info.
func NewConfig() Config {
	cfg := Config{Level: slog.LevelInfo}
	if levelStr := os.Getenv("VOIDBOX_LOG_LEVEL"); levelStr != "" {
		cfg.Level = parseLevel(levelStr)
	}
	return cfg
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new slog.Logger with JSON output, optionally tee'd to a
// per-app log file via AppLogHandler (see instance_handler.go).
func New(cfg Config, appLogPath func(app string) string) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	})

	var h slog.Handler = jsonHandler
	if appLogPath != nil {
		h = NewAppLogHandler(jsonHandler, appLogPath)
	}
	return slog.New(&traceContextHandler{Handler: h, level: cfg.Level})
}

// traceContextHandler wraps a slog.Handler to add trace context when present.
type traceContextHandler struct {
	slog.Handler
	level slog.Level
}

func (h *traceContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *traceContextHandler) Handle(ctx context.Context, r slog.Record) error {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceContextHandler{Handler: h.Handler.WithAttrs(attrs), level: h.level}
}

func (h *traceContextHandler) WithGroup(name string) slog.Handler {
	return &traceContextHandler{Handler: h.Handler.WithGroup(name), level: h.level}
}

// AddToContext adds a logger to the context.
func AddToContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext retrieves the logger from context, or returns the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// ForApp returns a logger that tags every record with the app name, which
// AppLogHandler uses to route it to that app's log file.
func ForApp(l *slog.Logger, app string) *slog.Logger {
	return l.With(slog.String("app", app))
}
