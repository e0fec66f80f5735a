package gpusort

import (
	"errors"

	"github.com/gogpu/gpusort/gpucore"
	"github.com/gogpu/gpusort/kernels"
)

// Errors returned by the orchestration layer. Device error kinds alias the
// gpucore sentinels so errors.Is matches either name.
var (
	// ErrOutOfArenaSpace is returned when an allocation does not fit in the
	// remaining arena capacity. Prior allocations are unaffected.
	ErrOutOfArenaSpace = errors.New("gpusort: out of arena space")

	// ErrStagingOverflow is returned when a batch stages or requests more
	// bytes than one direction of the staging channel holds.
	ErrStagingOverflow = errors.New("gpusort: staging channel overflow")

	// ErrBatchFinished is returned when recording into, or submitting, a
	// batch that was already run or discarded.
	ErrBatchFinished = errors.New("gpusort: batch already finished")

	// ErrBufferDestroyed is returned when recording against a destroyed
	// buffer or kernel binding.
	ErrBufferDestroyed = errors.New("gpusort: buffer destroyed")

	// ErrInvalidBinding is returned when a kernel binding does not bind
	// exactly three buffers of the same engine.
	ErrInvalidBinding = errors.New("gpusort: invalid kernel binding")

	// ErrSizeMismatch is returned when a transfer does not fit its buffer.
	ErrSizeMismatch = errors.New("gpusort: transfer size exceeds buffer size")

	// ErrDispatchTooLarge is returned when a dispatch exceeds the device's
	// workgroup count limit.
	ErrDispatchTooLarge = errors.New("gpusort: dispatch exceeds workgroup limit")

	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("gpusort: engine closed")

	// ErrResourceExhausted: the device could not allocate a buffer,
	// command recording or bind group.
	ErrResourceExhausted = gpucore.ErrResourceExhausted

	// ErrDeviceLost: the device faulted or disappeared.
	ErrDeviceLost = gpucore.ErrDeviceLost

	// ErrInvalidSubmission: the device rejected the recorded commands.
	ErrInvalidSubmission = gpucore.ErrInvalidSubmission

	// ErrWaitTimeout: waiting for a submission exceeded its bound.
	ErrWaitTimeout = gpucore.ErrWaitTimeout

	// ErrProgramNotFound: a program file does not exist.
	ErrProgramNotFound = kernels.ErrNotFound

	// ErrInvalidBinary: a .spv program is not a SPIR-V word stream.
	ErrInvalidBinary = kernels.ErrInvalidBinary
)
