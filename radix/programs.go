package radix

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpusort"
	"github.com/gogpu/gpusort/gpucore"
	"github.com/gogpu/gpusort/kernels"
)

var (
	// ErrCapacityExceeded is returned when a problem is larger than the
	// capacity a Scanner or Sorter was built for.
	ErrCapacityExceeded = errors.New("radix: capacity exceeded")

	// ErrInvalidKeyBits is returned for key widths outside 1..32.
	ErrInvalidKeyBits = errors.New("radix: key bits must be in 1..32")

	// ErrCounterOverflow is returned when the sum of scanned values does
	// not fit in 32 bits.
	ErrCounterOverflow = errors.New("radix: prefix sum overflows uint32")
)

// Option configures a Scanner or Sorter.
type Option func(*options)

type options struct {
	programDir string
}

// WithProgramDir loads the kernels from dir instead of the embedded WGSL.
// Each program is looked up as <name>.spv, <name>.comp.spv or
// <name>.wgsl (see kernels.Find).
func WithProgramDir(dir string) Option {
	return func(o *options) {
		o.programDir = dir
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// program returns the named program from the configured source.
func (o options) program(e *gpusort.Engine, name string) (*gpucore.Program, error) {
	if o.programDir == "" {
		return e.EmbeddedProgram(name)
	}
	path, err := kernels.Find(o.programDir, name)
	if err != nil {
		return nil, fmt.Errorf("radix: %w", err)
	}
	return e.LoadProgram(path)
}

// bind builds a kernel for the named program over three buffers.
func (o options) bind(e *gpusort.Engine, name string, bindings [gpucore.Bindings]gpusort.DeviceBuffer) (*gpusort.Kernel, error) {
	prog, err := o.program(e, name)
	if err != nil {
		return nil, err
	}
	k, err := e.NewKernel(prog, bindings[:]...)
	if err != nil {
		return nil, fmt.Errorf("radix: %s: %w", name, err)
	}
	return k, nil
}

// workgroups returns ceil(n / BlockSize).
func workgroups(n uint32) uint32 {
	return (n + BlockSize - 1) / BlockSize
}

// maxElements is the largest element count one dispatch can cover.
func maxElements(e *gpusort.Engine) int {
	return int(e.Limits().MaxComputeWorkgroupsPerDimension) * BlockSize
}
