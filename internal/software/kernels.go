package software

import (
	"sync"

	"github.com/gogpu/gpusort/gpucore"
	"github.com/gogpu/gpusort/kernels"
)

// Invocation is one workgroup of a dispatch.
//
// Bindings hold the bound ranges as u32 words, in binding order (records,
// scratch, output). Workgroups of one dispatch run concurrently, so a
// kernel must only write locations its workgroup owns.
type Invocation struct {
	Group    uint32
	Groups   uint32
	Push     gpucore.PushConstants
	Bindings [gpucore.Bindings][]uint32
}

// HostKernel emulates one workgroup of a compute program.
type HostKernel func(inv *Invocation)

var (
	kernelsMu   sync.RWMutex
	hostKernels = map[string]HostKernel{
		kernels.Count:        countKernel,
		kernels.ScanForward:  scanForwardKernel,
		kernels.ScanBackward: scanBackwardKernel,
		kernels.Distribute:   distributeKernel,
	}
)

// RegisterKernel makes a host emulation available under a program name.
// Registering an existing name replaces it.
func RegisterKernel(name string, fn HostKernel) {
	kernelsMu.Lock()
	defer kernelsMu.Unlock()
	hostKernels[name] = fn
}

func lookupKernel(name string) (HostKernel, bool) {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	fn, ok := hostKernels[name]
	return fn, ok
}

const (
	block     = kernels.BlockSize
	radixMask = 255
)

// blockRange returns the element range [lo, hi) of the workgroup, clipped
// to the element count.
func (inv *Invocation) blockRange() (lo, hi uint32) {
	lo = inv.Group * block
	hi = min(lo+block, inv.Push.ElementCount)
	return lo, max(lo, hi)
}

// nextLevel returns the offset of the scan level after the current one.
func (inv *Invocation) nextLevel() uint32 {
	n := inv.Push.ElementCount
	return inv.Push.ScanOffset + (n+block-1)/block*block
}

func countKernel(inv *Invocation) {
	records, counts := inv.Bindings[0], inv.Bindings[1]
	lo, hi := inv.blockRange()

	mask := inv.Push.DigitMask()
	var hist [radixMask + 1]uint32
	for i := lo; i < hi; i++ {
		hist[(records[2*i]>>inv.Push.BitOffset)&mask]++
	}
	for d, c := range hist {
		counts[uint32(d)*inv.Groups+inv.Group] = c
	}
}

func scanForwardKernel(inv *Invocation) {
	data := inv.Bindings[1]
	base := inv.Push.ScanOffset
	lo, hi := inv.blockRange()

	var sum uint32
	for i := lo; i < hi; i++ {
		v := data[base+i]
		data[base+i] = sum
		sum += v
	}
	data[inv.nextLevel()+inv.Group] = sum
}

func scanBackwardKernel(inv *Invocation) {
	data := inv.Bindings[1]
	base := inv.Push.ScanOffset
	lo, hi := inv.blockRange()
	if lo == hi {
		return
	}

	carry := data[inv.nextLevel()+inv.Group]
	for i := lo; i < hi; i++ {
		data[base+i] += carry
	}
}

func distributeKernel(inv *Invocation) {
	records, counts, output := inv.Bindings[0], inv.Bindings[1], inv.Bindings[2]
	lo, hi := inv.blockRange()

	mask := inv.Push.DigitMask()
	var rank [radixMask + 1]uint32
	for i := lo; i < hi; i++ {
		key := records[2*i]
		d := (key >> inv.Push.BitOffset) & mask
		dst := counts[d*inv.Groups+inv.Group] + rank[d]
		rank[d]++
		output[2*dst] = key
		output[2*dst+1] = records[2*i+1]
	}
}
