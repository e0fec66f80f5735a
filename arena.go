package gpusort

import (
	"fmt"
	"sync"

	"github.com/gogpu/gpusort/gpucore"
)

// Region is a byte range of a backend buffer.
type Region struct {
	Buffer gpucore.BufferID
	Offset uint64
	Size   uint64
}

// binding returns the region as a storage binding, padded to whole words.
func (r Region) binding() gpucore.BufferBinding {
	return gpucore.BufferBinding{Buffer: r.Buffer, Offset: r.Offset, Size: alignUp(r.Size, copyAlignment)}
}

// copyAlignment is the granularity of buffer copies and storage bindings.
const copyAlignment = 4

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

// Arena is a bump allocator over one device-local buffer.
//
// Allocations are aligned to the device's storage offset alignment and are
// never returned: the cursor only moves forward, and space is reclaimed
// when the engine closes. Drivers therefore allocate their buffers once
// for a maximum capacity and reuse them.
//
// Arena is safe for concurrent use.
type Arena struct {
	mu          sync.Mutex
	backend     gpucore.Backend
	buffer      gpucore.BufferID
	capacity    uint64
	alignment   uint64
	cursor      uint64
	allocations int
}

func newArena(b gpucore.Backend, capacity, alignment uint64) (*Arena, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("gpusort: arena size must be positive")
	}
	alignment = max(alignment, copyAlignment)
	capacity = alignUp(capacity, copyAlignment)

	id, err := b.CreateBuffer(gpucore.BufferDesc{
		Label: "gpusort_arena",
		Size:  capacity,
		Usage: gpucore.BufferUsageStorage | gpucore.BufferUsageCopySrc | gpucore.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("gpusort: create arena of %d bytes: %w", capacity, err)
	}
	return &Arena{backend: b, buffer: id, capacity: capacity, alignment: alignment}, nil
}

// Allocate reserves size bytes at the next aligned offset. The reserved
// length is padded to whole words; Region.Size is the requested size.
// If the request does not fit, ErrOutOfArenaSpace is returned and the
// arena is unchanged.
func (a *Arena) Allocate(size uint64) (Region, error) {
	if size == 0 {
		return Region{}, fmt.Errorf("gpusort: zero-size allocation: %w", ErrSizeMismatch)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buffer == gpucore.InvalidID {
		return Region{}, ErrEngineClosed
	}
	offset := alignUp(a.cursor, a.alignment)
	reserved := alignUp(size, copyAlignment)
	if offset > a.capacity || reserved > a.capacity-offset {
		return Region{}, fmt.Errorf("%w: requested %d bytes, %d of %d available",
			ErrOutOfArenaSpace, size, a.capacity-min(offset, a.capacity), a.capacity)
	}
	a.cursor = offset + reserved
	a.allocations++

	Logger().Debug("gpusort: arena allocation", "offset", offset, "size", size, "used", a.cursor)
	return Region{Buffer: a.buffer, Offset: offset, Size: size}, nil
}

// Stats returns a snapshot of arena usage.
func (a *Arena) Stats() ArenaStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := ArenaStats{
		Capacity:    a.capacity,
		Used:        a.cursor,
		Available:   a.capacity - a.cursor,
		Allocations: a.allocations,
		Alignment:   a.alignment,
	}
	if a.capacity > 0 {
		s.Utilization = float64(a.cursor) / float64(a.capacity)
	}
	return s
}

func (a *Arena) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buffer != gpucore.InvalidID {
		a.backend.DestroyBuffer(a.buffer)
		a.buffer = gpucore.InvalidID
	}
}

// ArenaStats contains device memory arena statistics.
type ArenaStats struct {
	// Capacity is the arena size in bytes.
	Capacity uint64

	// Used is the cursor position, including alignment padding.
	Used uint64

	// Available is the space left after the cursor.
	Available uint64

	// Allocations is the number of successful allocations.
	Allocations int

	// Alignment is the offset alignment of allocations.
	Alignment uint64

	// Utilization is Used / Capacity (0.0 to 1.0).
	Utilization float64
}

// String returns a human-readable string of arena stats.
func (s ArenaStats) String() string {
	return fmt.Sprintf("Arena[%.1f%% used, %d/%d KB, %d allocations]",
		s.Utilization*100,
		s.Used/1024,
		s.Capacity/1024,
		s.Allocations)
}
