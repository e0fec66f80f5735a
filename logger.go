package gpusort

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

// liveEngines holds open engines so SetLogger reaches their backends.
var liveEngines sync.Map // *Engine -> struct{}

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for gpusort and its backends.
// By default, gpusort produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by gpusort:
//   - [slog.LevelDebug]: internal diagnostics (allocations, dispatch counts)
//   - [slog.LevelInfo]: lifecycle events (backend selected, engine closed)
//   - [slog.LevelWarn]: non-fatal issues (backend fallback, faulted submissions)
//
// Example:
//
//	gpusort.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	liveEngines.Range(func(k, _ any) bool {
		e := k.(*Engine)
		if e.opts.logger == nil {
			propagateLogger(e.backend, l)
		}
		return true
	})
}

// Logger returns the current logger used by gpusort.
// Sub-packages (radix/, cmd/) call this to share the same logger
// configuration without introducing import cycles.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by backends that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// propagateLogger passes the logger to a backend if it implements
// the loggerSetter interface.
func propagateLogger(b any, l *slog.Logger) {
	if ls, ok := b.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}
