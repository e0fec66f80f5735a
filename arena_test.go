package gpusort

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestArenaAllocate(t *testing.T) {
	e := newTestEngine(t, WithArenaSize(4096))
	a := e.Arena()

	r1, err := a.Allocate(10)
	if err != nil {
		t.Fatalf("Allocate(10): %v", err)
	}
	r2, err := a.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate(100): %v", err)
	}
	if r1.Offset != 0 || r1.Size != 10 {
		t.Errorf("r1 = %+v", r1)
	}
	align := e.Limits().MinStorageBufferOffsetAlignment
	if r2.Offset%align != 0 || r2.Offset < r1.Offset+r1.Size {
		t.Errorf("r2 = %+v, not aligned to %d after r1", r2, align)
	}

	if _, err := a.Allocate(0); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("Allocate(0) err = %v, want ErrSizeMismatch", err)
	}
}

func TestArenaExhaustionKeepsEarlierAllocations(t *testing.T) {
	e := newTestEngine(t, WithArenaSize(2048))
	ctx := context.Background()

	keep, err := NewBuffer[uint32](e, 256)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	before := e.Arena().Stats()

	if _, err := NewBuffer[uint32](e, 1024); !errors.Is(err, ErrOutOfArenaSpace) {
		t.Fatalf("oversized NewBuffer err = %v, want ErrOutOfArenaSpace", err)
	}
	if after := e.Arena().Stats(); after != before {
		t.Errorf("failed allocation changed the arena: %+v -> %+v", before, after)
	}

	in := make([]uint32, 256)
	for i := range in {
		in[i] = uint32(i) + 100
	}
	out := make([]uint32, 256)
	b, _ := e.NewBatch(ctx)
	Upload(b, keep, in)
	b.Barrier()
	Download(b, keep, out)
	if err := b.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out[255] != 355 {
		t.Errorf("out[255] = %d, want 355", out[255])
	}

	// The remaining space is still usable.
	if _, err := NewBuffer[uint32](e, 16); err != nil {
		t.Errorf("small NewBuffer after failure: %v", err)
	}
}

func TestArenaStats(t *testing.T) {
	e := newTestEngine(t, WithArenaSize(8192))
	a := e.Arena()

	s := a.Stats()
	if s.Capacity != 8192 || s.Used != 0 || s.Available != 8192 || s.Allocations != 0 {
		t.Errorf("fresh Stats = %+v", s)
	}
	if _, err := a.Allocate(4096); err != nil {
		t.Fatal(err)
	}
	s = a.Stats()
	if s.Used != 4096 || s.Allocations != 1 || s.Utilization != 0.5 {
		t.Errorf("Stats = %+v", s)
	}
	if got := s.String(); !strings.Contains(got, "50.0% used") || !strings.Contains(got, "1 allocations") {
		t.Errorf("String() = %q", got)
	}
}

func TestStagingPending(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	buf, _ := NewBuffer[byte](e, 64)

	b, _ := e.NewBatch(ctx)
	b.StageToDevice(buf, make([]byte, 10))
	b.Barrier()
	b.RequestFromDevice(buf, make([]byte, 6))
	up, down := e.Staging().Pending()
	if up != 12 || down != 8 {
		t.Errorf("Pending() = %d, %d; want 12, 8", up, down)
	}
	if err := b.Run(ctx); err != nil {
		t.Fatal(err)
	}

	// A new batch starts with empty staging.
	b, _ = e.NewBatch(ctx)
	defer b.Discard()
	if up, down := e.Staging().Pending(); up != 0 || down != 0 {
		t.Errorf("Pending() in new batch = %d, %d; want 0, 0", up, down)
	}
}
