package software

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpusort/gpucore"
	"github.com/gogpu/gpusort/internal/parallel"
)

type opKind uint8

const (
	opCopy opKind = iota
	opDispatch
	opBarrier
)

func (k opKind) String() string {
	switch k {
	case opCopy:
		return "copy"
	case opDispatch:
		return "dispatch"
	default:
		return "barrier"
	}
}

type op struct {
	kind opKind

	// opCopy
	src, dst       gpucore.BufferID
	srcOff, dstOff uint64
	size           uint64

	// opDispatch
	kernel gpucore.KernelID
	group  gpucore.BindGroupID
	groups uint32
	push   gpucore.PushConstants
}

type commandBuffer struct {
	label     string
	ops       []op
	finished  bool
	submitted bool
}

// Len returns the number of recorded operations.
func (c *commandBuffer) Len() int { return len(c.ops) }

type encoder struct {
	backend *Backend
	cmd     *commandBuffer
	done    bool
}

func (e *encoder) CopyBufferToBuffer(src gpucore.BufferID, srcOffset uint64, dst gpucore.BufferID, dstOffset uint64, size uint64) {
	e.cmd.ops = append(e.cmd.ops, op{kind: opCopy, src: src, srcOff: srcOffset, dst: dst, dstOff: dstOffset, size: size})
}

func (e *encoder) Dispatch(kernel gpucore.KernelID, group gpucore.BindGroupID, groupsX uint32, push gpucore.PushConstants) {
	e.cmd.ops = append(e.cmd.ops, op{kind: opDispatch, kernel: kernel, group: group, groups: groupsX, push: push})
}

func (e *encoder) Barrier() {
	e.cmd.ops = append(e.cmd.ops, op{kind: opBarrier})
}

// Finish validates handles and ranges of every operation and, in
// validation mode, checks that dependent operations are separated by a
// barrier.
func (e *encoder) Finish() (gpucore.CommandBuffer, error) {
	if e.done {
		return nil, fmt.Errorf("software: encoder %q reused: %w", e.cmd.label, gpucore.ErrInvalidSubmission)
	}
	e.done = true

	if err := e.backend.validate(e.cmd); err != nil {
		e.backend.releaseEncoderSlot()
		return nil, err
	}
	e.cmd.finished = true
	return e.cmd, nil
}

func (e *encoder) Discard() {
	if e.done {
		return
	}
	e.done = true
	e.backend.releaseEncoderSlot()
}

// access is a byte range an operation reads or writes.
type access struct {
	gpucore.BufferBinding
	op    int
	write bool
}

// accesses returns the ranges touched by an operation. Dispatches are
// treated as reading and writing all of their bindings. Caller must hold
// b.mu.
func (b *Backend) accesses(i int, o *op) ([]access, error) {
	switch o.kind {
	case opCopy:
		for _, r := range []struct {
			id  gpucore.BufferID
			off uint64
		}{{o.src, o.srcOff}, {o.dst, o.dstOff}} {
			buf, ok := b.buffers[r.id]
			if !ok {
				return nil, fmt.Errorf("software: op %d copy buffer %d: %w", i, r.id, gpucore.ErrInvalidID)
			}
			if err := buf.checkRange(r.id, r.off, o.size); err != nil {
				return nil, fmt.Errorf("software: op %d: %w", i, err)
			}
		}
		return []access{
			{BufferBinding: gpucore.BufferBinding{Buffer: o.src, Offset: o.srcOff, Size: o.size}, op: i},
			{BufferBinding: gpucore.BufferBinding{Buffer: o.dst, Offset: o.dstOff, Size: o.size}, op: i, write: true},
		}, nil

	case opDispatch:
		if _, ok := b.kernels[o.kernel]; !ok {
			return nil, fmt.Errorf("software: op %d kernel %d: %w", i, o.kernel, gpucore.ErrInvalidID)
		}
		bg, ok := b.bindGroups[o.group]
		if !ok {
			return nil, fmt.Errorf("software: op %d bind group %d: %w", i, o.group, gpucore.ErrInvalidID)
		}
		if bg.kernel != o.kernel {
			return nil, fmt.Errorf("software: op %d bind group %d belongs to kernel %d, not %d: %w",
				i, o.group, bg.kernel, o.kernel, gpucore.ErrInvalidSubmission)
		}
		out := make([]access, 0, len(bg.bindings))
		for _, bind := range bg.bindings {
			out = append(out, access{BufferBinding: bind, op: i, write: true})
		}
		return out, nil
	}
	return nil, nil
}

func (b *Backend) validate(cmd *commandBuffer) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	limits := b.Limits()
	var pending []access // since the last barrier
	for i := range cmd.ops {
		o := &cmd.ops[i]
		if o.kind == opBarrier {
			pending = pending[:0]
			continue
		}
		if o.kind == opDispatch && o.groups > limits.MaxComputeWorkgroupsPerDimension {
			return fmt.Errorf("software: op %d dispatches %d workgroups, limit %d: %w",
				i, o.groups, limits.MaxComputeWorkgroupsPerDimension, gpucore.ErrInvalidSubmission)
		}
		acc, err := b.accesses(i, o)
		if err != nil {
			return err
		}
		if !b.cfg.Validation {
			continue
		}
		for _, a := range acc {
			for _, p := range pending {
				if (a.write || p.write) && a.op != p.op && a.Overlaps(p.BufferBinding) {
					return fmt.Errorf("software: missing barrier: %s op %d touches buffer %d [%d, %d) written or read by %s op %d: %w",
						o.kind, i, a.Buffer, a.Offset, a.End(), cmd.ops[p.op].kind, p.op, gpucore.ErrInvalidSubmission)
				}
			}
		}
		pending = append(pending, acc...)
	}
	return nil
}

// execute runs a submission on the queue goroutine.
func (b *Backend) execute(cmd *commandBuffer) error {
	for i := range cmd.ops {
		o := &cmd.ops[i]
		var err error
		switch o.kind {
		case opCopy:
			err = b.executeCopy(o)
		case opDispatch:
			err = b.executeDispatch(o)
		}
		if err != nil {
			return fmt.Errorf("software: %q op %d (%s): %w", cmd.label, i, o.kind, err)
		}
	}
	return nil
}

func (b *Backend) executeCopy(o *op) error {
	b.mu.RLock()
	src, okSrc := b.buffers[o.src]
	dst, okDst := b.buffers[o.dst]
	b.mu.RUnlock()
	if !okSrc || !okDst {
		return fmt.Errorf("buffer destroyed while in flight: %w", gpucore.ErrDeviceLost)
	}
	copy(dst.bytes[o.dstOff:o.dstOff+o.size], src.bytes[o.srcOff:o.srcOff+o.size])
	return nil
}

func (b *Backend) executeDispatch(o *op) error {
	b.mu.RLock()
	k, okK := b.kernels[o.kernel]
	bg, okBG := b.bindGroups[o.group]
	var views [gpucore.Bindings][]uint32
	okBufs := okBG
	if okBG {
		for i, bind := range bg.bindings {
			buf, ok := b.buffers[bind.Buffer]
			if !ok {
				okBufs = false
				break
			}
			views[i] = buf.words[bind.Offset/4 : bind.End()/4]
		}
	}
	b.mu.RUnlock()
	if !okK || !okBufs {
		return fmt.Errorf("resource destroyed while in flight: %w", gpucore.ErrDeviceLost)
	}

	err := b.pool.Dispatch(int(o.groups), func(g int) {
		inv := Invocation{
			Group:    uint32(g),
			Groups:   o.groups,
			Push:     o.push,
			Bindings: views,
		}
		k.fn(&inv)
	})
	if err != nil {
		var pe *parallel.PanicError
		if errors.As(err, &pe) {
			b.LoseDevice()
			return fmt.Errorf("kernel %s faulted in workgroup %d: %v: %w", k.name, pe.Index, pe.Value, gpucore.ErrDeviceLost)
		}
		return err
	}
	return nil
}
