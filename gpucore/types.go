package gpucore

import "encoding/binary"

// Resource IDs
//
// These opaque IDs represent device resources. Each backend maintains a
// mapping between IDs and its native objects.

// BufferID is an opaque handle to a device buffer.
type BufferID uint64

// KernelID is an opaque handle to a compute pipeline and its layout.
type KernelID uint64

// BindGroupID is an opaque handle to a bound resource set.
type BindGroupID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	// BufferUsageMapRead indicates the host can read the buffer.
	BufferUsageMapRead BufferUsage = 1 << 0

	// BufferUsageMapWrite indicates the host can write the buffer.
	BufferUsageMapWrite BufferUsage = 1 << 1

	// BufferUsageCopySrc indicates the buffer can be used as a copy source.
	BufferUsageCopySrc BufferUsage = 1 << 2

	// BufferUsageCopyDst indicates the buffer can be used as a copy destination.
	BufferUsageCopyDst BufferUsage = 1 << 3

	// BufferUsageStorage indicates the buffer can be bound as a storage buffer.
	BufferUsageStorage BufferUsage = 1 << 7
)

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// Limits reports device limits that the orchestration layer depends on.
type Limits struct {
	// MaxBufferSize is the largest buffer the device can create, in bytes.
	MaxBufferSize uint64

	// MaxStorageBufferBindingSize is the largest range that can be bound
	// to a single storage binding.
	MaxStorageBufferBindingSize uint64

	// MinStorageBufferOffsetAlignment is the required alignment of storage
	// binding offsets. Arena sub-allocations use it as their alignment.
	MinStorageBufferOffsetAlignment uint64

	// MaxComputeWorkgroupsPerDimension bounds the groupsX of a dispatch.
	MaxComputeWorkgroupsPerDimension uint32
}

// DefaultLimits returns the WebGPU baseline limits.
func DefaultLimits() Limits {
	return Limits{
		MaxBufferSize:                    1 << 30,
		MaxStorageBufferBindingSize:      1 << 30,
		MinStorageBufferOffsetAlignment:  256,
		MaxComputeWorkgroupsPerDimension: 65535,
	}
}

// Program is a compute program ready to be turned into a kernel.
//
// A program carries SPIR-V words, WGSL source, or both. Backends pick the
// representation they can consume. The software backend executes programs
// by Name.
type Program struct {
	// Name identifies the program ("count", "scan_forward", ...).
	Name string

	// SPIRV holds the SPIR-V word stream, if any.
	SPIRV []uint32

	// WGSL holds the WGSL source, if any.
	WGSL string

	// EntryPoint is the compute entry point. Empty means "main".
	EntryPoint string
}

// Entry returns the entry point name, defaulting to "main".
func (p *Program) Entry() string {
	if p.EntryPoint == "" {
		return "main"
	}
	return p.EntryPoint
}

// Bindings is the number of storage bindings every kernel declares:
// array, scratch/counters and output.
const Bindings = 3

// KernelDesc describes a kernel to create from a program.
type KernelDesc struct {
	Label   string
	Program *Program
}

// BufferBinding binds a buffer range to one storage slot.
type BufferBinding struct {
	Buffer BufferID
	Offset uint64
	Size   uint64
}

// End returns the first byte offset past the binding.
func (b BufferBinding) End() uint64 { return b.Offset + b.Size }

// Overlaps reports whether two bindings touch a common byte.
func (b BufferBinding) Overlaps(o BufferBinding) bool {
	return b.Buffer == o.Buffer && b.Offset < o.End() && o.Offset < b.End()
}

// PushConstantSize is the size in bytes of [PushConstants].
const PushConstantSize = 16

// MaxDigitBits is the widest radix digit a count or distribute dispatch
// reads.
const MaxDigitBits = 8

// PushConstants is the per-dispatch parameter block shared by all kernels.
type PushConstants struct {
	// ElementCount is the logical number of elements the dispatch covers.
	ElementCount uint32

	// BitOffset selects the radix digit (count and distribute).
	BitOffset uint32

	// ScanOffset is the element offset of the scan level (scan kernels).
	ScanOffset uint32

	// DigitBits is the width of the digit at BitOffset, 1..MaxDigitBits.
	// Zero means MaxDigitBits.
	DigitBits uint32
}

// DigitMask returns the mask applied to keys shifted by BitOffset.
func (p PushConstants) DigitMask() uint32 {
	bits := p.DigitBits
	if bits == 0 || bits > MaxDigitBits {
		bits = MaxDigitBits
	}
	return 1<<bits - 1
}

// Bytes encodes the constants as four little-endian u32 words, the layout
// of the kernels' Params uniform.
func (p PushConstants) Bytes() []byte {
	b := make([]byte, PushConstantSize)
	binary.LittleEndian.PutUint32(b[0:], p.ElementCount)
	binary.LittleEndian.PutUint32(b[4:], p.BitOffset)
	binary.LittleEndian.PutUint32(b[8:], p.ScanOffset)
	binary.LittleEndian.PutUint32(b[12:], p.DigitBits)
	return b
}

// Fence tracks completion of one submission.
type Fence uint64
