package gpucore

import (
	"context"
	"log/slog"

	"github.com/gogpu/gpucontext"
)

// Backend abstracts over the device that executes compute work.
//
// Implementations must be safe for concurrent use. The orchestration layer
// serializes submissions per engine, but Poll and Wait may be called from
// other goroutines while a submission is in flight.
//
// Resource lifecycle:
//   - Resources are created via Create* methods
//   - Resources must be explicitly destroyed via Destroy* methods
//   - Destroying a resource used by an in-flight submission is undefined
//   - IDs become invalid after destruction and are never reused
type Backend interface {
	// Name returns the backend identifier ("wgpu", "software").
	Name() string

	// Init acquires the device. It must be called once before any other
	// method.
	Init() error

	// Close releases the device and every resource still alive.
	Close()

	// Limits returns the device limits. Valid after Init.
	Limits() Limits

	// === Buffers ===

	// CreateBuffer creates a buffer. Exhausted device memory is reported
	// as ErrResourceExhausted.
	CreateBuffer(desc BufferDesc) (BufferID, error)

	// DestroyBuffer releases a buffer.
	DestroyBuffer(id BufferID)

	// WriteBuffer copies data into a host-visible buffer.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// ReadBuffer copies data out of a host-visible buffer. The caller must
	// have waited for every submission writing the range.
	ReadBuffer(id BufferID, offset uint64, dst []byte) error

	// === Kernels ===

	// CreateKernel builds a compute pipeline with [Bindings] storage slots
	// and a [PushConstants] block.
	CreateKernel(desc KernelDesc) (KernelID, error)

	// DestroyKernel releases a kernel.
	DestroyKernel(id KernelID)

	// CreateBindGroup binds exactly [Bindings] buffer ranges for use
	// with kernel. Pool exhaustion is reported as ErrResourceExhausted.
	CreateBindGroup(kernel KernelID, bindings []BufferBinding) (BindGroupID, error)

	// DestroyBindGroup releases a bind group.
	DestroyBindGroup(id BindGroupID)

	// === Submission ===

	// NewEncoder opens a command recording. Command pool exhaustion is
	// reported as ErrResourceExhausted.
	NewEncoder(label string) (Encoder, error)

	// Submit hands finished commands to the device. It does not block on
	// execution. Rejected submissions wrap ErrInvalidSubmission.
	Submit(cmd CommandBuffer) (Fence, error)

	// Poll reports whether the submission completed. A completed
	// submission that faulted returns its error (ErrDeviceLost).
	Poll(f Fence) (bool, error)

	// Wait blocks until the submission completes or ctx ends. Expiry of
	// ctx is reported as ErrWaitTimeout.
	Wait(ctx context.Context, f Fence) error

	// Release frees the fence and the command buffer it tracks.
	Release(f Fence)
}

// Encoder records device operations in order.
//
// The encoder is not safe for concurrent use. After Finish or Discard it
// must not be used again.
type Encoder interface {
	// CopyBufferToBuffer records a device-side copy.
	CopyBufferToBuffer(src BufferID, srcOffset uint64, dst BufferID, dstOffset uint64, size uint64)

	// Dispatch records a kernel invocation over groupsX workgroups.
	Dispatch(kernel KernelID, group BindGroupID, groupsX uint32, push PushConstants)

	// Barrier makes all prior writes visible to all later reads and
	// writes, for both compute and transfer work.
	Barrier()

	// Finish closes the recording.
	Finish() (CommandBuffer, error)

	// Discard abandons the recording and releases its resources.
	Discard()
}

// CommandBuffer is a finished recording, owned by the backend that made it.
type CommandBuffer interface {
	// Len returns the number of recorded operations.
	Len() int
}

// Config carries engine-level settings into a backend factory.
type Config struct {
	// Validation enables hazard checking where the backend supports it.
	Validation bool

	// Workers bounds host-side parallelism. Zero means GOMAXPROCS.
	Workers int

	// Provider, if set, supplies an existing device to share.
	Provider gpucontext.DeviceProvider

	// Logger receives backend diagnostics. Nil disables logging.
	Logger *slog.Logger
}
