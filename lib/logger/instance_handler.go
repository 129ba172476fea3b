package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AppLogHandler wraps an slog.Handler and additionally writes any record
// carrying an "app" attribute to that app's voidbox.log file, so `info`
// and `run` diagnostics are visible per-app without manual instrumentation.
//
// Implementation follows the slog handler guide for shared state across
// WithAttrs/WithGroup: https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type AppLogHandler struct {
	slog.Handler
	logPathFunc func(app string) string
	state       *sharedState
	app         string // captured from WithAttrs; "" until ForApp tags a logger
}

// sharedState holds state that must be shared across all handler instances
// derived from the same parent via WithAttrs/WithGroup.
type sharedState struct {
	mu        sync.Mutex
	fileCache map[string]*os.File
}

// NewAppLogHandler creates a handler that wraps the given handler and
// writes app-tagged logs to per-app log files. logPathFunc returns the
// voidbox.log path for a given app name.
func NewAppLogHandler(wrapped slog.Handler, logPathFunc func(app string) string) *AppLogHandler {
	return &AppLogHandler{
		Handler:     wrapped,
		logPathFunc: logPathFunc,
		state:       &sharedState{fileCache: make(map[string]*os.File)},
	}
}

func (h *AppLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	// h.app comes from a WithAttrs-derived handler (the normal path via
	// ForApp); attrs added at the call site instead of via With still
	// work, since slog.Record.Attrs only carries call-site attrs.
	app := h.app
	if app == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "app" {
				app = a.Value.String()
				return false
			}
			return true
		})
	}

	if app != "" {
		h.writeToAppLog(app, r)
	}
	return nil
}

func (h *AppLogHandler) writeToAppLog(app string, r slog.Record) {
	logPath := h.logPathFunc(app)
	if logPath == "" {
		return
	}

	timestamp := r.Time.Format(time.RFC3339)
	level := r.Level.String()
	msg := r.Message

	var attrs []string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "app" {
			attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		}
		return true
	})

	line := fmt.Sprintf("%s %s %s", timestamp, level, msg)
	for _, attr := range attrs {
		line += " " + attr
	}
	line += "\n"

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	f, ok := h.state.fileCache[app]
	if !ok {
		dir := filepath.Dir(logPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return
		}
		var err error
		f, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		h.state.fileCache[app] = f
	}

	f.WriteString(line)
}

func (h *AppLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.Handler.Enabled(ctx, level)
}

func (h *AppLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	app := h.app
	for _, a := range attrs {
		if a.Key == "app" {
			app = a.Value.String()
		}
	}
	return &AppLogHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		logPathFunc: h.logPathFunc,
		state:       h.state,
		app:         app,
	}
}

func (h *AppLogHandler) WithGroup(name string) slog.Handler {
	return &AppLogHandler{
		Handler:     h.Handler.WithGroup(name),
		logPathFunc: h.logPathFunc,
		state:       h.state,
		app:         h.app,
	}
}

// Close closes and removes a cached file handle for app.
func (h *AppLogHandler) Close(app string) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	if f, ok := h.state.fileCache[app]; ok {
		f.Close()
		delete(h.state.fileCache, app)
	}
}

// CloseAll closes all cached file handles.
func (h *AppLogHandler) CloseAll() {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	for app, f := range h.state.fileCache {
		f.Close()
		delete(h.state.fileCache, app)
	}
}
