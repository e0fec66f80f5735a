package gpusort

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// DeviceBuffer is a device-resident range that batches and kernel bindings
// operate on. *Buffer[T] implements it.
type DeviceBuffer interface {
	// Region returns the byte range backing the buffer.
	Region() Region

	// Destroyed reports whether the handle was destroyed.
	Destroyed() bool

	engine() *Engine
}

// Buffer is a typed device buffer of fixed-size elements, sub-allocated
// from an engine's arena.
//
// T must be plain data without pointers, such as uint32 or Record. Data
// moves between host and device byte for byte, in host byte order, which
// matches the little-endian layout kernels expect on every supported
// platform.
type Buffer[T any] struct {
	eng       *Engine
	region    Region
	n         int
	destroyed atomic.Bool
}

// NewBuffer allocates a device buffer of n elements from the engine's
// arena. It fails with ErrOutOfArenaSpace when the arena is exhausted.
func NewBuffer[T any](e *Engine, n int) (*Buffer[T], error) {
	if n <= 0 {
		return nil, fmt.Errorf("gpusort: buffer of %d elements: %w", n, ErrSizeMismatch)
	}
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	var zero T
	size := uint64(n) * uint64(unsafe.Sizeof(zero))
	region, err := e.arena.Allocate(size)
	if err != nil {
		return nil, err
	}
	return &Buffer[T]{eng: e, region: region, n: n}, nil
}

// Len returns the number of elements.
func (b *Buffer[T]) Len() int { return b.n }

// Size returns the size in bytes.
func (b *Buffer[T]) Size() uint64 { return b.region.Size }

// Region returns the byte range backing the buffer.
func (b *Buffer[T]) Region() Region { return b.region }

// Destroyed reports whether Destroy was called.
func (b *Buffer[T]) Destroyed() bool { return b.destroyed.Load() }

// Destroy invalidates the handle. Later recording against it fails with
// ErrBufferDestroyed. The arena space is not reclaimed.
func (b *Buffer[T]) Destroy() { b.destroyed.Store(true) }

func (b *Buffer[T]) engine() *Engine { return b.eng }

// asBytes views a slice of plain-data elements as bytes without copying.
func asBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(zero))) //nolint:gosec // plain-data view
}
