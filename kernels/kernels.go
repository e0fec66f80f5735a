// Package kernels holds the compute programs used by the radix sort and
// the loader for program files.
//
// The four programs share one binding contract:
//
//	group(0) binding(0)  records   array<vec2<u32>>  (key, value)
//	group(0) binding(1)  scratch   array<u32>        counters / scan levels
//	group(0) binding(2)  output    array<vec2<u32>>
//	group(1) binding(0)  params    {element_count, bit_offset, scan_offset, digit_bits}
//
// count and distribute read the digit (key >> bit_offset) masked to
// digit_bits bits (0 means 8).
// Every program runs 256 invocations per workgroup and is dispatched with
// ceil(element_count / 256) workgroups.
package kernels

import (
	"embed"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gogpu/naga"

	"github.com/gogpu/gpusort/gpucore"
)

// Program names.
const (
	Count        = "count"
	ScanForward  = "scan_forward"
	ScanBackward = "scan_backward"
	Distribute   = "distribute"
)

// BlockSize is the workgroup size of every program.
const BlockSize = 256

// SPIRVMagic is the first word of every SPIR-V module.
const SPIRVMagic = 0x07230203

// File extensions understood by [Load].
const (
	ExtSPIRV = ".spv"
	ExtWGSL  = ".wgsl"
)

var (
	// ErrNotFound is returned when a program file or embedded program does
	// not exist. It wraps fs.ErrNotExist for file lookups.
	ErrNotFound = errors.New("kernels: program not found")

	// ErrInvalidBinary is returned when a .spv file is not a SPIR-V word
	// stream.
	ErrInvalidBinary = errors.New("kernels: invalid SPIR-V binary")
)

//go:embed shaders/*.wgsl
var shaderFS embed.FS

// Names returns the embedded program names in pass order.
func Names() []string {
	return []string{Count, ScanForward, ScanBackward, Distribute}
}

// Source returns the WGSL source of an embedded program.
func Source(name string) (string, error) {
	b, err := shaderFS.ReadFile("shaders/" + name + ExtWGSL)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return string(b), nil
}

// Program returns an embedded program carrying its WGSL source. Backends
// that need SPIR-V compile it on first use.
func Program(name string) (*gpucore.Program, error) {
	src, err := Source(name)
	if err != nil {
		return nil, err
	}
	return &gpucore.Program{Name: name, WGSL: src}, nil
}

// Compile compiles WGSL source to SPIR-V words with naga.
func Compile(wgsl string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return nil, fmt.Errorf("kernels: compile: %w", err)
	}
	return DecodeSPIRV(spirvBytes)
}

// DecodeSPIRV converts a little-endian SPIR-V byte stream to words,
// checking the length and magic number.
func DecodeSPIRV(b []byte) ([]uint32, error) {
	const headerWords = 5
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of 4", ErrInvalidBinary, len(b))
	}
	if len(b) < headerWords*4 {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the module header", ErrInvalidBinary, len(b))
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	if words[0] != SPIRVMagic {
		return nil, fmt.Errorf("%w: magic 0x%08X, want 0x%08X", ErrInvalidBinary, words[0], SPIRVMagic)
	}
	return words, nil
}

// NameOf derives a program name from a file path: the base name up to the
// first dot ("shaders/count.comp.spv" -> "count").
func NameOf(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

// Load reads a program file. A ".spv" file must hold a SPIR-V word stream;
// any other file is treated as WGSL source. Missing files are reported as
// ErrNotFound wrapping fs.ErrNotExist.
func Load(path string) (*gpucore.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, fmt.Errorf("kernels: read %s: %w", path, err)
	}

	prog := &gpucore.Program{Name: NameOf(path)}
	if strings.EqualFold(filepath.Ext(path), ExtSPIRV) {
		words, err := DecodeSPIRV(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		prog.SPIRV = words
		return prog, nil
	}
	prog.WGSL = string(data)
	return prog, nil
}

// Find locates the file for a named program in dir, preferring a compiled
// "<name>.spv" or "<name>.comp.spv" over "<name>.wgsl".
func Find(dir, name string) (string, error) {
	for _, candidate := range []string{name + ExtSPIRV, name + ".comp" + ExtSPIRV, name + ExtWGSL} {
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %q in %s: %w", ErrNotFound, name, dir, fs.ErrNotExist)
}
