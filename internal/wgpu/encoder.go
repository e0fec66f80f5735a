//go:build !nogpu

package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusort/gpucore"
)

// paramsStride is the distance between per-dispatch parameter blocks in
// the batch's uniform buffer (the uniform offset alignment).
const paramsStride = 256

// paramsSize is the size of the uniform Params struct:
// {element_count, bit_offset, scan_offset, digit_bits}.
const paramsSize = gpucore.PushConstantSize

type opKind uint8

const (
	opCopy opKind = iota
	opDispatch
	opBarrier
)

type op struct {
	kind opKind

	src, dst       gpucore.BufferID
	srcOff, dstOff uint64
	size           uint64

	kernel gpucore.KernelID
	group  gpucore.BindGroupID
	groups uint32
	push   gpucore.PushConstants
}

// encoder records operations. Nothing reaches hal until Finish.
type encoder struct {
	backend *Backend
	label   string
	ops     []op
	done    bool
}

func (e *encoder) CopyBufferToBuffer(src gpucore.BufferID, srcOffset uint64, dst gpucore.BufferID, dstOffset uint64, size uint64) {
	e.ops = append(e.ops, op{kind: opCopy, src: src, srcOff: srcOffset, dst: dst, dstOff: dstOffset, size: size})
}

func (e *encoder) Dispatch(kernel gpucore.KernelID, group gpucore.BindGroupID, groupsX uint32, push gpucore.PushConstants) {
	e.ops = append(e.ops, op{kind: opDispatch, kernel: kernel, group: group, groups: groupsX, push: push})
}

func (e *encoder) Barrier() {
	e.ops = append(e.ops, op{kind: opBarrier})
}

// commandBuffer is an encoded recording plus the per-batch resources it
// references. They live until the fence is released.
type commandBuffer struct {
	label       string
	ops         int
	cmd         hal.CommandBuffer
	params      hal.Buffer
	paramGroups []hal.BindGroup
	submitted   bool
}

// Len returns the number of recorded operations.
func (c *commandBuffer) Len() int { return c.ops }

// packParams lays out one Params block per dispatch at paramsStride.
func packParams(ops []op) []byte {
	var n int
	for i := range ops {
		if ops[i].kind == opDispatch {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	data := make([]byte, n*paramsStride)
	slot := 0
	for i := range ops {
		if ops[i].kind != opDispatch {
			continue
		}
		copy(data[slot*paramsStride:], ops[i].push.Bytes())
		slot++
	}
	return data
}

// passes splits the recording into runs encoded back to back. Consecutive
// dispatches share a compute pass; a barrier or a copy closes it, and the
// pass boundary orders storage writes before later reads.
func passes(ops []op) [][]op {
	var runs [][]op
	start := -1
	flush := func(end int) {
		if start >= 0 {
			runs = append(runs, ops[start:end])
			start = -1
		}
	}
	for i := range ops {
		switch ops[i].kind {
		case opDispatch:
			if start < 0 {
				start = i
			}
		case opCopy:
			flush(i)
			runs = append(runs, ops[i:i+1])
		case opBarrier:
			flush(i)
		}
	}
	flush(len(ops))
	return runs
}

// Finish validates the recording and encodes it into a hal command buffer.
func (e *encoder) Finish() (gpucore.CommandBuffer, error) {
	if e.done {
		return nil, fmt.Errorf("wgpu: encoder %q reused: %w", e.label, gpucore.ErrInvalidSubmission)
	}
	e.done = true

	b := e.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, err := b.encode(e)
	if err != nil {
		b.encoders--
		return nil, err
	}
	return cb, nil
}

func (e *encoder) Discard() {
	if e.done {
		return
	}
	e.done = true
	b := e.backend
	b.mu.Lock()
	b.encoders--
	b.mu.Unlock()
}

// encode checks every handle and range and records the hal commands.
// Caller holds b.mu.
func (b *Backend) encode(e *encoder) (*commandBuffer, error) {
	if err := b.usable(); err != nil {
		return nil, err
	}
	if err := b.validate(e.ops); err != nil {
		return nil, err
	}

	cb := &commandBuffer{label: e.label, ops: len(e.ops)}
	fail := func(err error) (*commandBuffer, error) {
		b.freeCommandResources(cb)
		return nil, err
	}

	if params := packParams(e.ops); params != nil {
		pb, err := b.device.CreateBuffer(&hal.BufferDescriptor{
			Label: e.label + "_params",
			Size:  uint64(len(params)),
			Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fail(fmt.Errorf("wgpu: params buffer: %w: %w", gpucore.ErrResourceExhausted, err))
		}
		cb.params = pb
		b.queue.WriteBuffer(pb, 0, params)

		for slot := range len(params) / paramsStride {
			bg, err := b.device.CreateBindGroup(&hal.BindGroupDescriptor{
				Label:  e.label + "_params_bind",
				Layout: b.paramsLayout,
				Entries: []gputypes.BindGroupEntry{
					{Binding: 0, Resource: gputypes.BufferBinding{
						Buffer: pb.NativeHandle(),
						Offset: uint64(slot) * paramsStride, //nolint:gosec // slot is non-negative
						Size:   paramsSize,
					}},
				},
			})
			if err != nil {
				return fail(fmt.Errorf("wgpu: params bind group %d: %w: %w", slot, gpucore.ErrResourceExhausted, err))
			}
			cb.paramGroups = append(cb.paramGroups, bg)
		}
	}

	enc, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: e.label})
	if err != nil {
		return fail(fmt.Errorf("wgpu: create command encoder: %w: %w", gpucore.ErrResourceExhausted, err))
	}
	if err := enc.BeginEncoding(e.label); err != nil {
		return fail(fmt.Errorf("wgpu: begin encoding: %w", err))
	}

	slot := 0
	for _, run := range passes(e.ops) {
		if run[0].kind == opCopy {
			o := run[0]
			enc.CopyBufferToBuffer(b.buffers[o.src].buf, b.buffers[o.dst].buf, []hal.BufferCopy{
				{SrcOffset: o.srcOff, DstOffset: o.dstOff, Size: alignUp(o.size, copyAlign)},
			})
			continue
		}
		pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: e.label + "_pass"})
		for _, o := range run {
			pass.SetPipeline(b.kernels[o.kernel].pipeline)
			pass.SetBindGroup(0, b.bindGroups[o.group].group, nil)
			pass.SetBindGroup(1, cb.paramGroups[slot], nil)
			pass.Dispatch(o.groups, 1, 1)
			slot++
		}
		pass.End()
	}

	cmd, err := enc.EndEncoding()
	if err != nil {
		enc.DiscardEncoding()
		return fail(fmt.Errorf("wgpu: end encoding: %w: %w", gpucore.ErrInvalidSubmission, err))
	}
	cb.cmd = cmd
	return cb, nil
}

// validate checks handles, ranges and the dispatch limit. Caller holds b.mu.
func (b *Backend) validate(ops []op) error {
	for i := range ops {
		o := &ops[i]
		switch o.kind {
		case opCopy:
			for _, r := range []struct {
				id  gpucore.BufferID
				off uint64
			}{{o.src, o.srcOff}, {o.dst, o.dstOff}} {
				buf, err := b.lookupBuffer(r.id)
				if err != nil {
					return fmt.Errorf("wgpu: op %d: %w", i, err)
				}
				if err := buf.checkRange(r.id, r.off, alignUp(o.size, copyAlign)); err != nil {
					return fmt.Errorf("wgpu: op %d: %w", i, err)
				}
			}
		case opDispatch:
			if o.groups > b.limits.MaxComputeWorkgroupsPerDimension {
				return fmt.Errorf("wgpu: op %d dispatches %d workgroups, limit %d: %w",
					i, o.groups, b.limits.MaxComputeWorkgroupsPerDimension, gpucore.ErrInvalidSubmission)
			}
			if _, ok := b.kernels[o.kernel]; !ok {
				return fmt.Errorf("wgpu: op %d kernel %d: %w", i, o.kernel, gpucore.ErrInvalidID)
			}
			bg, ok := b.bindGroups[o.group]
			if !ok {
				return fmt.Errorf("wgpu: op %d bind group %d: %w", i, o.group, gpucore.ErrInvalidID)
			}
			if bg.kernel != o.kernel {
				return fmt.Errorf("wgpu: op %d bind group %d belongs to kernel %d: %w", i, o.group, bg.kernel, gpucore.ErrInvalidSubmission)
			}
		}
	}
	return nil
}

// freeCommandResources releases what an encoded recording holds. Caller
// holds b.mu.
func (b *Backend) freeCommandResources(cb *commandBuffer) {
	if cb.cmd != nil {
		b.device.FreeCommandBuffer(cb.cmd)
		cb.cmd = nil
	}
	for _, bg := range cb.paramGroups {
		b.device.DestroyBindGroup(bg)
	}
	cb.paramGroups = nil
	if cb.params != nil {
		b.device.DestroyBuffer(cb.params)
		cb.params = nil
	}
}
