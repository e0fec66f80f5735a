package radix

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/gogpu/gpusort"
)

func randomRecords(n, keyBits int, seed uint64) []Record {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	mask := uint32(1<<keyBits - 1)
	if keyBits == 32 {
		mask = ^uint32(0)
	}
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{Key: rng.Uint32() & mask, Value: uint32(i)}
	}
	return records
}

// checkSorted verifies order by key and stability; Values must be input
// positions.
func checkSorted(t *testing.T, got, input []Record) {
	t.Helper()
	want := slices.Clone(input)
	slices.SortStableFunc(want, func(a, b Record) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestPasses(t *testing.T) {
	tests := []struct {
		keyBits int
		offsets []uint32
		widths  []uint32
	}{
		{0, nil, nil},
		{1, []uint32{0}, []uint32{1}},
		{8, []uint32{0}, []uint32{8}},
		{9, []uint32{0, 8}, []uint32{8, 1}},
		{30, []uint32{0, 8, 16, 24}, []uint32{8, 8, 8, 6}},
		{32, []uint32{0, 8, 16, 24}, []uint32{8, 8, 8, 8}},
	}
	for _, tt := range tests {
		passes := Passes(100, tt.keyBits)
		if len(passes) != len(tt.offsets) {
			t.Fatalf("Passes(100, %d) has %d passes, want %d", tt.keyBits, len(passes), len(tt.offsets))
		}
		for i, p := range passes {
			if p.BitOffset != tt.offsets[i] || p.DigitWidth != tt.widths[i] || p.RecordCount != 100 {
				t.Errorf("Passes(100, %d)[%d] = %+v", tt.keyBits, i, p)
			}
		}
	}
}

func TestSort(t *testing.T) {
	e := newTestEngine(t, 8<<20, 2<<20)
	s, err := NewSorter(e, 20000)
	if err != nil {
		t.Fatalf("NewSorter: %v", err)
	}
	defer s.Destroy()

	tests := []struct {
		n, keyBits int
	}{
		{2, 8},
		{255, 8},
		{256, 4},
		{257, 9},
		{5000, 16},
		{20000, 30},
		{20000, 32},
	}
	for i, tt := range tests {
		input := randomRecords(tt.n, tt.keyBits, uint64(i+1))
		got := slices.Clone(input)
		if err := s.Sort(context.Background(), got, tt.keyBits); err != nil {
			t.Fatalf("Sort(n=%d, bits=%d): %v", tt.n, tt.keyBits, err)
		}
		checkSorted(t, got, input)
	}
}

func TestSortMillion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 1M record sort in short mode")
	}
	const n = 1_000_000
	e := newTestEngine(t, 32<<20, 9<<20)
	s, err := NewSorter(e, n)
	if err != nil {
		t.Fatalf("NewSorter: %v", err)
	}
	input := randomRecords(n, 30, 1234)
	got := slices.Clone(input)
	if err := s.Sort(context.Background(), got, 30); err != nil {
		t.Fatalf("Sort: %v", err)
	}
	checkSorted(t, got, input)
}

func TestSortStability(t *testing.T) {
	e := newTestEngine(t, 4<<20, 1<<20)
	s, err := NewSorter(e, 3000)
	if err != nil {
		t.Fatalf("NewSorter: %v", err)
	}
	// Few distinct keys spread over many blocks.
	input := make([]Record, 3000)
	for i := range input {
		input[i] = Record{Key: uint32(i*7) % 3, Value: uint32(i)}
	}
	got := slices.Clone(input)
	if err := s.Sort(context.Background(), got, 2); err != nil {
		t.Fatalf("Sort: %v", err)
	}
	checkSorted(t, got, input)
}

func TestSortIgnoresHighBits(t *testing.T) {
	e := newTestEngine(t, 1<<20, 1<<20)
	s, err := NewSorter(e, 10)
	if err != nil {
		t.Fatalf("NewSorter: %v", err)
	}
	got := []Record{{0x102, 0}, {0x001, 1}, {0x201, 2}, {0x000, 3}}
	if err := s.Sort(context.Background(), got, 8); err != nil {
		t.Fatalf("Sort: %v", err)
	}
	want := []Record{{0x000, 3}, {0x001, 1}, {0x201, 2}, {0x102, 0}}
	if !slices.Equal(got, want) {
		t.Errorf("Sort = %v, want %v", got, want)
	}

	got = []Record{{0x001, 0}, {0x200, 1}}
	if err := s.Sort(context.Background(), got, 9); err != nil {
		t.Fatalf("Sort: %v", err)
	}
	want = []Record{{0x200, 1}, {0x001, 0}}
	if !slices.Equal(got, want) {
		t.Errorf("Sort(keyBits=9) = %v, want %v", got, want)
	}
}

func TestSortPartialDigitWithHighBits(t *testing.T) {
	e := newTestEngine(t, 4<<20, 1<<20)
	s, err := NewSorter(e, 3000)
	if err != nil {
		t.Fatalf("NewSorter: %v", err)
	}
	defer s.Destroy()

	for _, keyBits := range []int{1, 9, 12, 30} {
		mask := uint32(1<<keyBits - 1)
		input := randomRecords(3000, 32, uint64(keyBits))
		got := slices.Clone(input)
		if err := s.Sort(context.Background(), got, keyBits); err != nil {
			t.Fatalf("Sort(keyBits=%d): %v", keyBits, err)
		}

		want := slices.Clone(input)
		slices.SortStableFunc(want, func(a, b Record) int {
			return int(a.Key&mask) - int(b.Key&mask)
		})
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("keyBits=%d: record %d = %+v, want %+v", keyBits, i, got[i], want[i])
			}
		}
	}
}

func TestSortErrors(t *testing.T) {
	e := newTestEngine(t, 1<<20, 1<<20)
	s, err := NewSorter(e, 100)
	if err != nil {
		t.Fatalf("NewSorter: %v", err)
	}
	ctx := context.Background()

	for _, bits := range []int{0, -1, 33} {
		if err := s.Sort(ctx, make([]Record, 4), bits); !errors.Is(err, ErrInvalidKeyBits) {
			t.Errorf("Sort(bits=%d): err = %v, want ErrInvalidKeyBits", bits, err)
		}
	}
	if err := s.Sort(ctx, make([]Record, 101), 8); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("Sort over capacity: err = %v, want ErrCapacityExceeded", err)
	}
	if err := s.Sort(ctx, nil, 8); err != nil {
		t.Errorf("Sort(nil) = %v, want nil", err)
	}
	one := []Record{{Key: 5, Value: 9}}
	if err := s.Sort(ctx, one, 8); err != nil || one[0] != (Record{5, 9}) {
		t.Errorf("Sort(one) = %v, %v", one, err)
	}

	limit := int(e.Limits().MaxComputeWorkgroupsPerDimension) * BlockSize
	if _, err := NewSorter(e, limit+1); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("NewSorter over dispatch limit: err = %v, want ErrCapacityExceeded", err)
	}
}

func TestSortRecordIntoBatch(t *testing.T) {
	e := newTestEngine(t, 1<<20, 1<<20)
	s, err := NewSorter(e, 1000)
	if err != nil {
		t.Fatalf("NewSorter: %v", err)
	}
	ctx := context.Background()
	input := randomRecords(1000, 12, 7)
	got := make([]Record, len(input))

	b, err := e.NewBatch(ctx)
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	gpusort.Upload(b, s.Input(), input)
	b.Barrier()
	if err := s.Record(b, len(input), 12); err != nil {
		t.Fatalf("Record: %v", err)
	}
	gpusort.Download(b, s.Input(), got)
	if err := b.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	checkSorted(t, got, input)

	// 2 passes of count + 2 scan levels forward + 1 backward + distribute.
	if d := b.Stats().Dispatches; d != 2*5 {
		t.Errorf("Dispatches = %d, want 10", d)
	}
}
