//go:build !nogpu

package wgpu

import (
	"log/slog"
	"sync/atomic"
)

// loggerPtr holds the logger for device bring-up, submissions and fence
// waits. Records carry backend=wgpu so they can be told apart from the
// software fallback in one log stream.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.New(slog.DiscardHandler))
}

func slogger() *slog.Logger { return loggerPtr.Load() }

// setLogger is called by Backend.SetLogger when the engine propagates its
// logger. nil silences the backend.
func setLogger(l *slog.Logger) {
	if l == nil {
		loggerPtr.Store(slog.New(slog.DiscardHandler))
		return
	}
	loggerPtr.Store(l.With("backend", "wgpu"))
}
