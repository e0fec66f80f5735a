// Command kernelc compiles WGSL compute programs to SPIR-V.
//
// With no -src directory it compiles the embedded sort programs. Outputs
// newer than their source are skipped unless -f is given; a failed
// compilation removes any stale output so it cannot be loaded by mistake.
//
// Usage:
//
//	kernelc -out build/kernels
//	kernelc -src shaders -out build/kernels -f
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gogpu/gpusort/kernels"
)

func main() {
	var (
		src   = flag.String("src", "", "directory of .wgsl sources (default: embedded programs)")
		out   = flag.String("out", ".", "output directory for .spv files")
		force = flag.Bool("f", false, "recompile even if outputs are up to date")
	)
	flag.Parse()
	log.SetFlags(0)
	log.SetPrefix("kernelc: ")

	units, err := collect(*src)
	if err != nil {
		log.Fatal(err)
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		log.Fatal(err)
	}

	failed := 0
	for _, u := range units {
		dst := filepath.Join(*out, u.name+kernels.ExtSPIRV)
		status, err := build(u, dst, *force)
		if err != nil {
			log.Printf("%s: %v", u.name, err)
			failed++
			continue
		}
		log.Printf("%-14s %s", u.name, status)
	}
	if failed > 0 {
		log.Fatalf("%d of %d programs failed", failed, len(units))
	}
}

// unit is one program to compile. modTime is zero for embedded sources,
// which are always considered newer than existing output.
type unit struct {
	name    string
	source  string
	modTime time.Time
}

func collect(dir string) ([]unit, error) {
	if dir == "" {
		units := make([]unit, 0, len(kernels.Names()))
		for _, name := range kernels.Names() {
			src, err := kernels.Source(name)
			if err != nil {
				return nil, err
			}
			units = append(units, unit{name: name, source: src})
		}
		return units, nil
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*"+kernels.ExtWGSL))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no %s files in %s", kernels.ExtWGSL, dir)
	}
	units := make([]unit, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		units = append(units, unit{name: kernels.NameOf(p), source: string(data), modTime: info.ModTime()})
	}
	return units, nil
}

// build compiles u into dst and reports what it did.
func build(u unit, dst string, force bool) (string, error) {
	if !force && upToDate(u, dst) {
		return "up to date", nil
	}
	words, err := kernels.Compile(u.source)
	if err != nil {
		if rmErr := os.Remove(dst); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return "", errors.Join(err, rmErr)
		}
		return "", err
	}
	if err := os.WriteFile(dst, encodeWords(words), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d words -> %s", len(words), dst), nil
}

func upToDate(u unit, dst string) bool {
	if u.modTime.IsZero() {
		return false
	}
	info, err := os.Stat(dst)
	return err == nil && !info.ModTime().Before(u.modTime)
}

func encodeWords(words []uint32) []byte {
	b := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}
