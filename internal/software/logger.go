package software

import (
	"log/slog"
	"sync/atomic"
)

// loggerPtr holds the device logger, tagged with the backend name. Silent
// until the engine hands one over through Backend.SetLogger.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.New(slog.DiscardHandler))
}

func slogger() *slog.Logger { return loggerPtr.Load() }

// setLogger installs l for queue and validation messages. nil silences
// the device.
func setLogger(l *slog.Logger) {
	if l == nil {
		loggerPtr.Store(slog.New(slog.DiscardHandler))
		return
	}
	loggerPtr.Store(l.With("backend", "software"))
}
