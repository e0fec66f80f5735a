// Command radixbench sorts random key/value records on a gpusort engine,
// verifies the result against a stable CPU sort and reports timings.
//
// Usage:
//
//	radixbench -n 1000000 -keybits 30 -png histogram.png
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"slices"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/gpusort"
	"github.com/gogpu/gpusort/radix"
)

func main() {
	var (
		n        = flag.Int("n", 1_000_000, "number of records")
		keyBits  = flag.Int("keybits", 30, "significant key bits (1..32)")
		seed     = flag.Uint64("seed", 1234, "random seed")
		backend  = flag.String("backend", "", "backend name (wgpu, software); empty picks the best available")
		validate = flag.Bool("validate", false, "enable hazard validation")
		runs     = flag.Int("runs", 3, "timed sort runs")
		pngPath  = flag.String("png", "", "write a key histogram of the sorted output to this PNG file")
		verbose  = flag.Bool("v", false, "debug logging")
		programs = flag.String("programs", "", "load kernels from this directory instead of the embedded WGSL")
	)
	flag.Parse()

	if *verbose {
		gpusort.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	if err := run(config{
		n: *n, keyBits: *keyBits, seed: *seed, backend: *backend, validate: *validate,
		runs: *runs, pngPath: *pngPath, programs: *programs,
	}); err != nil {
		log.Fatalf("radixbench: %v", err)
	}
}

type config struct {
	n, keyBits int
	seed       uint64
	backend    string
	validate   bool
	runs       int
	pngPath    string
	programs   string
}

func run(cfg config) error {
	p := message.NewPrinter(language.English)

	recordBytes := uint64(cfg.n) * 8
	opts := []gpusort.Option{
		gpusort.WithValidation(cfg.validate),
		gpusort.WithArenaSize(3*recordBytes + 64<<20),
		gpusort.WithStagingSize(recordBytes + 1<<20),
	}
	if cfg.backend != "" {
		opts = append(opts, gpusort.WithBackend(cfg.backend))
	}
	e, err := gpusort.NewEngine(opts...)
	if err != nil {
		return err
	}
	defer e.Close()

	var sorterOpts []radix.Option
	if cfg.programs != "" {
		sorterOpts = append(sorterOpts, radix.WithProgramDir(cfg.programs))
	}
	s, err := radix.NewSorter(e, cfg.n, sorterOpts...)
	if err != nil {
		return err
	}
	defer s.Destroy()

	input := generate(cfg.n, cfg.keyBits, cfg.seed)
	want := slices.Clone(input)
	cpuStart := time.Now()
	slices.SortStableFunc(want, compareKeys)
	cpuTime := time.Since(cpuStart)

	p.Printf("backend %s, %d records, %d key bits, %d passes\n",
		e.Backend(), cfg.n, cfg.keyBits, len(radix.Passes(cfg.n, cfg.keyBits)))

	var got []radix.Record
	var best time.Duration
	for i := range max(cfg.runs, 1) {
		got = slices.Clone(input)
		start := time.Now()
		if err := s.Sort(context.Background(), got, cfg.keyBits); err != nil {
			return fmt.Errorf("run %d: %w", i, err)
		}
		d := time.Since(start)
		if i == 0 || d < best {
			best = d
		}
		p.Printf("  run %d: %v (%.1f Mrec/s)\n", i, d.Round(time.Microsecond), mrecPerSec(cfg.n, d))
	}

	if i, ok := firstMismatch(got, want); !ok {
		return fmt.Errorf("output differs from stable CPU sort at record %d: got %+v, want %+v", i, got[i], want[i])
	}
	p.Printf("verified against stable CPU sort (%v, %.1f Mrec/s)\n", cpuTime.Round(time.Microsecond), mrecPerSec(cfg.n, cpuTime))
	p.Printf("best %v, speedup %.2fx\n", best.Round(time.Microsecond), float64(cpuTime)/float64(best))
	p.Printf("%s\n", e.Arena().Stats())

	if cfg.pngPath != "" {
		h := newHistogram(got, cfg.keyBits, histogramBins)
		if err := h.writePNG(cfg.pngPath, p.Sprintf("%d records, %d-bit keys, %s", cfg.n, cfg.keyBits, e.Backend())); err != nil {
			return err
		}
		p.Printf("histogram written to %s\n", cfg.pngPath)
	}
	return nil
}

func generate(n, keyBits int, seed uint64) []radix.Record {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	mask := keyMask(keyBits)
	records := make([]radix.Record, n)
	for i := range records {
		records[i] = radix.Record{Key: rng.Uint32() & mask, Value: uint32(i)} //nolint:gosec // n fits uint32
	}
	return records
}

func keyMask(keyBits int) uint32 {
	if keyBits >= 32 {
		return ^uint32(0)
	}
	return 1<<uint(keyBits) - 1
}

func compareKeys(a, b radix.Record) int {
	switch {
	case a.Key < b.Key:
		return -1
	case a.Key > b.Key:
		return 1
	}
	return 0
}

func firstMismatch(got, want []radix.Record) (int, bool) {
	for i := range want {
		if got[i] != want[i] {
			return i, false
		}
	}
	return 0, true
}

func mrecPerSec(n int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds() / 1e6
}
