package gpusort

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gpusort/gpucore"
)

// PushConstants is the per-dispatch parameter block:
// {ElementCount, BitOffset, ScanOffset, DigitBits}.
type PushConstants = gpucore.PushConstants

// Kernel is an immutable binding of a compute program to three device
// buffers (array, scratch/counters, output).
//
// Kernels built from the same program share one backend pipeline; each
// Kernel owns its resource set.
type Kernel struct {
	eng       *Engine
	name      string
	pipeline  gpucore.KernelID
	group     gpucore.BindGroupID
	buffers   [gpucore.Bindings]DeviceBuffer
	destroyed atomic.Bool
}

// NewKernel binds prog to exactly three buffers of this engine. Descriptor
// pool exhaustion is reported as ErrResourceExhausted.
//
// Example:
//
//	prog, _ := e.LoadProgram("shaders/count.spv")
//	k, err := e.NewKernel(prog, records, counts, output)
func (e *Engine) NewKernel(prog *gpucore.Program, bindings ...DeviceBuffer) (*Kernel, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if prog == nil {
		return nil, fmt.Errorf("%w: nil program", ErrInvalidBinding)
	}
	if len(bindings) != gpucore.Bindings {
		return nil, fmt.Errorf("%w: %s binds %d buffers, want %d", ErrInvalidBinding, prog.Name, len(bindings), gpucore.Bindings)
	}

	k := &Kernel{eng: e, name: prog.Name}
	ranges := make([]gpucore.BufferBinding, gpucore.Bindings)
	for i, b := range bindings {
		if b == nil || b.engine() != e {
			return nil, fmt.Errorf("%w: %s binding %d is not a buffer of this engine", ErrInvalidBinding, prog.Name, i)
		}
		if b.Destroyed() {
			return nil, fmt.Errorf("%s binding %d: %w", prog.Name, i, ErrBufferDestroyed)
		}
		k.buffers[i] = b
		ranges[i] = b.Region().binding()
	}

	pipeline, err := e.pipeline(prog)
	if err != nil {
		return nil, err
	}
	group, err := e.backend.CreateBindGroup(pipeline, ranges)
	if err != nil {
		return nil, fmt.Errorf("gpusort: bind %s: %w", prog.Name, err)
	}
	k.pipeline = pipeline
	k.group = group

	e.logger().Debug("gpusort: kernel bound", "program", prog.Name, "bind_group", group)
	return k, nil
}

// Name returns the program name.
func (k *Kernel) Name() string { return k.name }

// Destroy releases the resource set. The shared pipeline lives until the
// engine closes.
func (k *Kernel) Destroy() {
	if k.destroyed.CompareAndSwap(false, true) && !k.eng.closed.Load() {
		k.eng.backend.DestroyBindGroup(k.group)
	}
}

// check reports why the kernel cannot be dispatched, if it cannot.
func (k *Kernel) check(e *Engine) error {
	if k == nil || k.eng != e {
		return fmt.Errorf("%w: kernel is not bound on this engine", ErrInvalidBinding)
	}
	if k.destroyed.Load() {
		return fmt.Errorf("kernel %s: %w", k.name, ErrBufferDestroyed)
	}
	for i, b := range k.buffers {
		if b.Destroyed() {
			return fmt.Errorf("kernel %s binding %d: %w", k.name, i, ErrBufferDestroyed)
		}
	}
	return nil
}
