package gpusort

import (
	"log/slog"
	"time"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/gpusort/gpucore"
)

// Option configures an Engine during creation.
// Use functional options to customize Engine behavior.
//
// Example:
//
//	// Best available device, default sizes
//	e, err := gpusort.NewEngine()
//
//	// CPU reference device with hazard checking
//	e, err := gpusort.NewEngine(
//	    gpusort.WithBackend(gpucore.BackendSoftware),
//	    gpusort.WithValidation(true),
//	)
type Option func(*engineOptions)

// engineOptions holds optional configuration for Engine creation.
type engineOptions struct {
	backendName string
	backend     gpucore.Backend
	arenaSize   uint64
	stagingSize uint64
	waitTimeout time.Duration
	validation  bool
	workers     int
	provider    gpucontext.DeviceProvider
	logger      *slog.Logger
}

// Default sizes and bounds.
const (
	// DefaultArenaSize is the default device memory pool (256 MiB).
	DefaultArenaSize = 256 << 20

	// DefaultStagingSize is the default capacity of each staging direction
	// (64 MiB up, 64 MiB down).
	DefaultStagingSize = 64 << 20

	// DefaultWaitTimeout bounds how long Run waits for the device.
	DefaultWaitTimeout = 10 * time.Second
)

// defaultOptions returns the default engine options.
func defaultOptions() engineOptions {
	return engineOptions{
		arenaSize:   DefaultArenaSize,
		stagingSize: DefaultStagingSize,
		waitTimeout: DefaultWaitTimeout,
	}
}

// WithBackend selects a registered backend by name ("wgpu", "software").
// Without it the best available backend is used: wgpu when the gpu
// package is imported and a device opens, software otherwise.
func WithBackend(name string) Option {
	return func(o *engineOptions) {
		o.backendName = name
	}
}

// WithBackendInstance uses an existing, not yet initialized backend. The
// engine takes ownership and closes it.
func WithBackendInstance(b gpucore.Backend) Option {
	return func(o *engineOptions) {
		o.backend = b
	}
}

// WithArenaSize sets the size in bytes of the device memory arena.
func WithArenaSize(size uint64) Option {
	return func(o *engineOptions) {
		o.arenaSize = size
	}
}

// WithStagingSize sets the capacity in bytes of each staging direction.
// It bounds how much one batch can upload and how much it can read back.
func WithStagingSize(size uint64) Option {
	return func(o *engineOptions) {
		o.stagingSize = size
	}
}

// WithWaitTimeout bounds how long Run and Pending.Wait block. Zero means
// only the caller's context bounds the wait.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *engineOptions) {
		o.waitTimeout = d
	}
}

// WithValidation enables hazard checking in backends that support it.
// Missing barriers are then reported as ErrInvalidSubmission.
func WithValidation(enabled bool) Option {
	return func(o *engineOptions) {
		o.validation = enabled
	}
}

// WithWorkers bounds host-side parallelism of the software backend.
func WithWorkers(n int) Option {
	return func(o *engineOptions) {
		o.workers = n
	}
}

// WithDeviceProvider makes the wgpu backend share the device of a host
// application instead of opening its own.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *engineOptions) {
		o.provider = p
	}
}

// WithLogger sets a logger for this engine and its backend, overriding
// the package logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) {
		o.logger = l
	}
}
