package gpusort

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpusort/gpucore"
	"github.com/gogpu/gpusort/internal/cache"
	"github.com/gogpu/gpusort/kernels"

	// The software device is always available as a fallback.
	_ "github.com/gogpu/gpusort/internal/software"
)

// programCacheSize bounds the number of loaded programs kept per engine.
const programCacheSize = 64

// Engine is an explicitly owned device context: one backend, one memory
// arena, one staging channel, and the programs and kernels built on them.
//
// Only one batch can be open per engine at a time; NewBatch waits for the
// previous batch to finish. Engine methods are safe for concurrent use.
type Engine struct {
	opts    engineOptions
	backend gpucore.Backend
	limits  gpucore.Limits
	arena   *Arena
	staging *StagingChannel

	programs  *cache.Cache[string, *gpucore.Program]
	pipelines *cache.Cache[*gpucore.Program, gpucore.KernelID]

	// slot holds a token while a batch is open.
	slot chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewEngine opens a backend and allocates the arena and staging channel.
//
// Example:
//
//	e, err := gpusort.NewEngine(gpusort.WithArenaSize(64 << 20))
//	if err != nil {
//	    return err
//	}
//	defer e.Close()
func NewEngine(opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{opts: o, slot: make(chan struct{}, 1)}
	log := e.logger()

	cfg := gpucore.Config{
		Validation: o.validation,
		Workers:    o.workers,
		Provider:   o.provider,
		Logger:     log,
	}
	var err error
	switch {
	case o.backend != nil:
		propagateLogger(o.backend, log)
		if err = o.backend.Init(); err != nil {
			return nil, fmt.Errorf("gpusort: init backend %s: %w", o.backend.Name(), err)
		}
		e.backend = o.backend
	case o.backendName != "":
		e.backend, err = gpucore.Open(o.backendName, cfg)
	default:
		e.backend, err = gpucore.OpenDefault(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("gpusort: %w", err)
	}
	propagateLogger(e.backend, log)
	e.limits = e.backend.Limits()

	e.arena, err = newArena(e.backend, o.arenaSize, e.limits.MinStorageBufferOffsetAlignment)
	if err != nil {
		e.backend.Close()
		return nil, err
	}
	e.staging, err = newStagingChannel(e.backend, o.stagingSize)
	if err != nil {
		e.arena.release()
		e.backend.Close()
		return nil, err
	}

	e.programs = cache.New[string, *gpucore.Program](programCacheSize, nil)
	e.pipelines = cache.New[*gpucore.Program, gpucore.KernelID](0, func(_ *gpucore.Program, id gpucore.KernelID) {
		e.backend.DestroyKernel(id)
	})

	liveEngines.Store(e, struct{}{})
	log.Info("gpusort: engine ready",
		"backend", e.backend.Name(),
		"arena_bytes", e.arena.capacity,
		"staging_bytes", e.staging.Capacity(),
		"validation", o.validation)
	return e, nil
}

// logger returns the engine's logger: WithLogger if set, else the package
// logger.
func (e *Engine) logger() *slog.Logger {
	if e.opts.logger != nil {
		return e.opts.logger
	}
	return Logger()
}

// Close releases the arena, staging channel, kernels and backend. Close
// must not be called while a batch is in flight. Close is idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		liveEngines.Delete(e)
		e.pipelines.Purge()
		e.staging.release()
		e.arena.release()
		e.backend.Close()
		e.logger().Info("gpusort: engine closed", "backend", e.backend.Name())
	})
}

// Backend returns the backend name.
func (e *Engine) Backend() string { return e.backend.Name() }

// Limits returns the device limits.
func (e *Engine) Limits() gpucore.Limits { return e.limits }

// Arena returns the engine's device memory arena.
func (e *Engine) Arena() *Arena { return e.arena }

// Staging returns the engine's staging channel.
func (e *Engine) Staging() *StagingChannel { return e.staging }

// LoadProgram loads a program file (.spv SPIR-V or .wgsl source). Results
// are cached per path. Missing files are reported as ErrProgramNotFound,
// malformed SPIR-V as ErrInvalidBinary.
func (e *Engine) LoadProgram(path string) (*gpucore.Program, error) {
	return e.programs.GetOrCreate("file:"+path, func() (*gpucore.Program, error) {
		prog, err := kernels.Load(path)
		if err != nil {
			return nil, fmt.Errorf("gpusort: load program: %w", err)
		}
		e.logger().Debug("gpusort: program loaded", "path", path, "name", prog.Name, "spirv_words", len(prog.SPIRV))
		return prog, nil
	})
}

// EmbeddedProgram returns one of the built-in programs by name (see
// package kernels).
func (e *Engine) EmbeddedProgram(name string) (*gpucore.Program, error) {
	return e.programs.GetOrCreate("embedded:"+name, func() (*gpucore.Program, error) {
		return kernels.Program(name)
	})
}

// pipeline returns the backend kernel for a program, creating it once.
func (e *Engine) pipeline(prog *gpucore.Program) (gpucore.KernelID, error) {
	return e.pipelines.GetOrCreate(prog, func() (gpucore.KernelID, error) {
		id, err := e.backend.CreateKernel(gpucore.KernelDesc{Label: prog.Name, Program: prog})
		if err != nil {
			return gpucore.InvalidID, fmt.Errorf("gpusort: create kernel %s: %w", prog.Name, err)
		}
		return id, nil
	})
}

// NewBatch opens a batch. It blocks until the engine's previous batch has
// finished or ctx ends. Command pool exhaustion is reported as
// ErrResourceExhausted.
func (e *Engine) NewBatch(ctx context.Context) (*Batch, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("gpusort: waiting for previous batch: %w", ctx.Err())
	}
	if e.closed.Load() {
		<-e.slot
		return nil, ErrEngineClosed
	}

	enc, err := e.backend.NewEncoder("gpusort_batch")
	if err != nil {
		<-e.slot
		return nil, fmt.Errorf("gpusort: new batch: %w", err)
	}
	e.staging.reset()
	return newBatch(e, enc), nil
}

func (e *Engine) releaseSlot() {
	<-e.slot
}
