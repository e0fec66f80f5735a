package radix

import (
	"context"
	"fmt"

	"github.com/gogpu/gpusort"
	"github.com/gogpu/gpusort/gpucore"
	"github.com/gogpu/gpusort/kernels"
)

// Sort parameters.
const (
	// DigitBits is the number of key bits sorted per pass.
	DigitBits = 8

	// Radix is the number of digit values per pass.
	Radix = 1 << DigitBits

	// MaxKeyBits is the widest supported key.
	MaxKeyBits = 32
)

// Record is a sortable key/value pair, laid out as two u32 words.
type Record struct {
	Key   uint32
	Value uint32
}

// SortPassConfig describes one pass of the sort.
type SortPassConfig struct {
	RecordCount uint32
	BitOffset   uint32
	DigitWidth  uint32
}

// Passes returns the passes sorting n records by keyBits key bits, least
// significant digit first. The last digit is narrower than DigitBits when
// keyBits is not a multiple of it, so key bits at or above keyBits never
// affect the order.
func Passes(n, keyBits int) []SortPassConfig {
	if n <= 0 || keyBits <= 0 {
		return nil
	}
	passes := make([]SortPassConfig, 0, (keyBits+DigitBits-1)/DigitBits)
	for off := 0; off < keyBits; off += DigitBits {
		passes = append(passes, SortPassConfig{
			RecordCount: uint32(n),
			BitOffset:   uint32(off),
			DigitWidth:  uint32(min(DigitBits, keyBits-off)),
		})
	}
	return passes
}

// Sorter sorts records on the device. It owns the input, output and
// counter buffers, all sized for its capacity.
type Sorter struct {
	engine   *gpusort.Engine
	capacity int

	input  *gpusort.Buffer[Record]
	output *gpusort.Buffer[Record]
	counts *gpusort.Buffer[uint32]

	count      *gpusort.Kernel
	distribute *gpusort.Kernel
	scanner    *Scanner
}

// NewSorter allocates buffers for up to capacity records and binds the
// count, scan and distribute kernels to them.
func NewSorter(e *gpusort.Engine, capacity int, opts ...Option) (*Sorter, error) {
	if capacity <= 0 || capacity > maxElements(e) {
		return nil, fmt.Errorf("%w: sorter capacity %d, limit %d", ErrCapacityExceeded, capacity, maxElements(e))
	}
	o := buildOptions(opts)
	blocks := int(workgroups(uint32(capacity)))

	s := &Sorter{engine: e, capacity: capacity}
	var err error
	if s.input, err = gpusort.NewBuffer[Record](e, capacity); err != nil {
		return nil, fmt.Errorf("radix: sorter input: %w", err)
	}
	if s.output, err = gpusort.NewBuffer[Record](e, capacity); err != nil {
		return nil, fmt.Errorf("radix: sorter output: %w", err)
	}
	if s.counts, err = gpusort.NewBuffer[uint32](e, ScratchLength(blocks*Radix)); err != nil {
		return nil, fmt.Errorf("radix: sorter counters: %w", err)
	}

	bindings := [gpucore.Bindings]gpusort.DeviceBuffer{s.input, s.counts, s.output}
	if s.count, err = o.bind(e, kernels.Count, bindings); err != nil {
		return nil, err
	}
	if s.distribute, err = o.bind(e, kernels.Distribute, bindings); err != nil {
		s.count.Destroy()
		return nil, err
	}
	if s.scanner, err = newScanner(e, o, blocks*Radix, bindings); err != nil {
		s.count.Destroy()
		s.distribute.Destroy()
		return nil, err
	}
	return s, nil
}

// Capacity returns the largest record count the sorter accepts.
func (s *Sorter) Capacity() int { return s.capacity }

// Input returns the buffer records are sorted in. After a recorded sort
// its first n records hold the result.
func (s *Sorter) Input() *gpusort.Buffer[Record] { return s.input }

// Record appends a sort of the first n input records by keyBits key bits
// to b. The input must be visible to the device; the recorded work ends
// with a barrier.
func (s *Sorter) Record(b *gpusort.Batch, n, keyBits int) error {
	if keyBits < 1 || keyBits > MaxKeyBits {
		return fmt.Errorf("%w: got %d", ErrInvalidKeyBits, keyBits)
	}
	if n > s.capacity {
		return fmt.Errorf("%w: sort of %d records, capacity %d", ErrCapacityExceeded, n, s.capacity)
	}
	if n <= 1 {
		return b.Err()
	}

	blocks := workgroups(uint32(n))
	size := uint64(n) * uint64(recordSize)
	for _, p := range Passes(n, keyBits) {
		push := gpusort.PushConstants{ElementCount: p.RecordCount, BitOffset: p.BitOffset, DigitBits: p.DigitWidth}

		b.Dispatch(s.count, blocks, push)
		b.Barrier()
		if err := s.scanner.Record(b, int(blocks)*Radix); err != nil {
			return err
		}
		b.Dispatch(s.distribute, blocks, push)
		b.Barrier()
		b.CopyBuffer(s.output, s.input, size)
		b.Barrier()
	}
	return b.Err()
}

// recordSize is the size of a Record in bytes.
const recordSize = 8

// Sort sorts records in place by the low keyBits bits of their keys,
// stably, in one batch.
func (s *Sorter) Sort(ctx context.Context, records []Record, keyBits int) error {
	if keyBits < 1 || keyBits > MaxKeyBits {
		return fmt.Errorf("%w: got %d", ErrInvalidKeyBits, keyBits)
	}
	n := len(records)
	if n > s.capacity {
		return fmt.Errorf("%w: sort of %d records, capacity %d", ErrCapacityExceeded, n, s.capacity)
	}
	if n <= 1 {
		return nil
	}

	b, err := s.engine.NewBatch(ctx)
	if err != nil {
		return err
	}
	gpusort.Upload(b, s.input, records)
	b.Barrier()
	if err := s.Record(b, n, keyBits); err != nil {
		b.Discard()
		return err
	}
	gpusort.Download(b, s.input, records)
	if err := b.Run(ctx); err != nil {
		return fmt.Errorf("radix: sort: %w", err)
	}

	gpusort.Logger().Debug("radix: sort complete",
		"records", n, "key_bits", keyBits, "passes", len(Passes(n, keyBits)), "stats", b.Stats().String())
	return nil
}

// Destroy releases the kernels and buffers.
func (s *Sorter) Destroy() {
	s.count.Destroy()
	s.distribute.Destroy()
	s.scanner.Destroy()
	s.input.Destroy()
	s.output.Destroy()
	s.counts.Destroy()
}
