package radix

import (
	"context"
	"fmt"

	"github.com/gogpu/gpusort"
	"github.com/gogpu/gpusort/gpucore"
	"github.com/gogpu/gpusort/kernels"
)

// BlockSize is the number of elements one workgroup scans.
const BlockSize = kernels.BlockSize

// ScanLevel is one dispatched level of the scan pyramid: Size elements
// starting at element Offset of the scratch array.
type ScanLevel struct {
	Size   uint32
	Offset uint32
}

// Levels returns the dispatched levels for scanning n elements, bottom
// first. Level 0 is the input at offset 0. Each level's block totals form
// the next level, stored right after the current level rounded up to
// whole blocks. The last level fits one workgroup; its total is written
// past it and is not scanned further.
func Levels(n int) []ScanLevel {
	if n <= 0 {
		return nil
	}
	var levels []ScanLevel
	size, offset := uint32(n), uint32(0)
	for {
		levels = append(levels, ScanLevel{Size: size, Offset: offset})
		groups := workgroups(size)
		offset += groups * BlockSize
		if groups == 1 {
			return levels
		}
		size = groups
	}
}

// ScratchLength returns the length of the scratch array needed to scan n
// elements, including the slot for the grand total.
func ScratchLength(n int) int {
	levels := Levels(n)
	if len(levels) == 0 {
		return 0
	}
	top := levels[len(levels)-1]
	return int(top.Offset) + BlockSize + 1
}

// Scanner computes exclusive prefix sums on the device.
type Scanner struct {
	engine   *gpusort.Engine
	capacity int
	data     *gpusort.Buffer[uint32]
	forward  *gpusort.Kernel
	backward *gpusort.Kernel
}

// NewScanner allocates a scratch array for up to capacity elements and
// binds the scan kernels to it.
func NewScanner(e *gpusort.Engine, capacity int, opts ...Option) (*Scanner, error) {
	if capacity <= 0 || capacity > maxElements(e) {
		return nil, fmt.Errorf("%w: scanner capacity %d, limit %d", ErrCapacityExceeded, capacity, maxElements(e))
	}
	data, err := gpusort.NewBuffer[uint32](e, ScratchLength(capacity))
	if err != nil {
		return nil, fmt.Errorf("radix: scanner scratch: %w", err)
	}
	s, err := newScanner(e, buildOptions(opts), capacity, [gpucore.Bindings]gpusort.DeviceBuffer{data, data, data})
	if err != nil {
		return nil, err
	}
	s.data = data
	return s, nil
}

// newScanner binds the scan kernels to a binding set whose second buffer
// is the scratch array.
func newScanner(e *gpusort.Engine, o options, capacity int, bindings [gpucore.Bindings]gpusort.DeviceBuffer) (*Scanner, error) {
	forward, err := o.bind(e, kernels.ScanForward, bindings)
	if err != nil {
		return nil, err
	}
	backward, err := o.bind(e, kernels.ScanBackward, bindings)
	if err != nil {
		forward.Destroy()
		return nil, err
	}
	return &Scanner{engine: e, capacity: capacity, forward: forward, backward: backward}, nil
}

// Capacity returns the largest element count the scanner accepts.
func (s *Scanner) Capacity() int { return s.capacity }

// Buffer returns the scratch array. Its first elements hold the input
// before the scan and the result after it. Nil for scanners embedded in a
// Sorter.
func (s *Scanner) Buffer() *gpusort.Buffer[uint32] { return s.data }

// Record appends the scan of the first n scratch elements to b. The input
// must be visible to the device (barrier after the write that produced
// it); the recorded work ends with a barrier.
func (s *Scanner) Record(b *gpusort.Batch, n int) error {
	if n > s.capacity {
		return fmt.Errorf("%w: scan of %d elements, capacity %d", ErrCapacityExceeded, n, s.capacity)
	}
	levels := Levels(n)
	for _, l := range levels {
		b.Dispatch(s.forward, workgroups(l.Size), gpusort.PushConstants{ElementCount: l.Size, ScanOffset: l.Offset})
		b.Barrier()
	}
	for i := len(levels) - 2; i >= 0; i-- {
		l := levels[i]
		b.Dispatch(s.backward, workgroups(l.Size), gpusort.PushConstants{ElementCount: l.Size, ScanOffset: l.Offset})
		b.Barrier()
	}
	return b.Err()
}

// Scan replaces values with their exclusive prefix sum, computed on the
// device in one batch.
func (s *Scanner) Scan(ctx context.Context, values []uint32) error {
	if s.data == nil {
		return fmt.Errorf("radix: scanner has no scratch buffer of its own")
	}
	n := len(values)
	if n == 0 {
		return nil
	}
	if n > s.capacity {
		return fmt.Errorf("%w: scan of %d elements, capacity %d", ErrCapacityExceeded, n, s.capacity)
	}
	var total uint64
	for _, v := range values {
		total += uint64(v)
	}
	if total > 1<<32-1 {
		return fmt.Errorf("%w: total %d", ErrCounterOverflow, total)
	}

	b, err := s.engine.NewBatch(ctx)
	if err != nil {
		return err
	}
	gpusort.Upload(b, s.data, values)
	b.Barrier()
	if err := s.Record(b, n); err != nil {
		b.Discard()
		return err
	}
	gpusort.Download(b, s.data, values)
	if err := b.Run(ctx); err != nil {
		return fmt.Errorf("radix: scan: %w", err)
	}

	gpusort.Logger().Debug("radix: scan complete", "elements", n, "levels", len(Levels(n)), "stats", b.Stats().String())
	return nil
}

// Destroy releases the kernel bindings.
func (s *Scanner) Destroy() {
	s.forward.Destroy()
	s.backward.Destroy()
	if s.data != nil {
		s.data.Destroy()
	}
}
