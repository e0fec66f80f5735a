//go:build !nogpu

package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusort/gpucore"
	"github.com/gogpu/gpusort/kernels"
)

// halUsage converts gpucore usage flags. Host-writable buffers are
// written through the queue, so they become copy destinations rather than
// mappable memory.
func halUsage(u gpucore.BufferUsage) gputypes.BufferUsage {
	var r gputypes.BufferUsage
	if u&gpucore.BufferUsageMapRead != 0 {
		r |= gputypes.BufferUsageMapRead
	}
	if u&gpucore.BufferUsageMapWrite != 0 {
		r |= gputypes.BufferUsageCopyDst
	}
	if u&gpucore.BufferUsageCopySrc != 0 {
		r |= gputypes.BufferUsageCopySrc
	}
	if u&gpucore.BufferUsageCopyDst != 0 {
		r |= gputypes.BufferUsageCopyDst
	}
	if u&gpucore.BufferUsageStorage != 0 {
		r |= gputypes.BufferUsageStorage
	}
	return r
}

// copyAlign is the alignment of queue writes and buffer copies.
const copyAlign = 4

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}

// CreateBuffer allocates device memory. Allocation failures are reported
// as gpucore.ErrResourceExhausted.
func (b *Backend) CreateBuffer(desc gpucore.BufferDesc) (gpucore.BufferID, error) {
	if desc.Size == 0 {
		return gpucore.InvalidID, fmt.Errorf("wgpu: buffer %q has zero size", desc.Label)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(); err != nil {
		return gpucore.InvalidID, err
	}
	if desc.Size > b.limits.MaxBufferSize {
		return gpucore.InvalidID, fmt.Errorf("wgpu: buffer %q of %d bytes exceeds max buffer size %d: %w",
			desc.Label, desc.Size, b.limits.MaxBufferSize, gpucore.ErrResourceExhausted)
	}

	size := alignUp(desc.Size, copyAlign)
	hb, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  size,
		Usage: halUsage(desc.Usage),
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("wgpu: create buffer %q of %d bytes: %w: %w",
			desc.Label, size, gpucore.ErrResourceExhausted, err)
	}

	id := gpucore.BufferID(b.newID())
	b.buffers[id] = &buffer{label: desc.Label, buf: hb, size: size, usage: desc.Usage}
	slogger().Debug("wgpu: buffer created", "label", desc.Label, "id", id, "size", size)
	return id, nil
}

// DestroyBuffer releases a buffer.
func (b *Backend) DestroyBuffer(id gpucore.BufferID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf, ok := b.buffers[id]; ok {
		b.device.DestroyBuffer(buf.buf)
		delete(b.buffers, id)
	}
}

// lookupBuffer returns a live buffer. Caller holds b.mu.
func (b *Backend) lookupBuffer(id gpucore.BufferID) (*buffer, error) {
	buf, ok := b.buffers[id]
	if !ok {
		return nil, fmt.Errorf("wgpu: buffer %d: %w", id, gpucore.ErrInvalidID)
	}
	return buf, nil
}

func (buf *buffer) checkRange(id gpucore.BufferID, offset, size uint64) error {
	if offset > buf.size || size > buf.size-offset {
		return fmt.Errorf("wgpu: range [%d, +%d) outside buffer %d of %d bytes: %w",
			offset, size, id, buf.size, gpucore.ErrInvalidSubmission)
	}
	return nil
}

// WriteBuffer writes host bytes into a host-writable buffer through the
// queue. Short writes are padded to whole words.
func (b *Backend) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.usable(); err != nil {
		return err
	}
	buf, err := b.lookupBuffer(id)
	if err != nil {
		return err
	}
	if buf.usage&gpucore.BufferUsageMapWrite == 0 {
		return fmt.Errorf("wgpu: write to buffer %q: %w", buf.label, gpucore.ErrNotMappable)
	}
	if offset%copyAlign != 0 {
		return fmt.Errorf("wgpu: write offset %d is not word aligned: %w", offset, gpucore.ErrInvalidSubmission)
	}
	if n := uint64(len(data)); n%copyAlign != 0 {
		padded := make([]byte, alignUp(n, copyAlign))
		copy(padded, data)
		data = padded
	}
	if err := buf.checkRange(id, offset, uint64(len(data))); err != nil {
		return err
	}
	b.queue.WriteBuffer(buf.buf, offset, data)
	return nil
}

// ReadBuffer copies bytes out of a host-readable buffer.
func (b *Backend) ReadBuffer(id gpucore.BufferID, offset uint64, dst []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.usable(); err != nil {
		return err
	}
	buf, err := b.lookupBuffer(id)
	if err != nil {
		return err
	}
	if buf.usage&gpucore.BufferUsageMapRead == 0 {
		return fmt.Errorf("wgpu: read from buffer %q: %w", buf.label, gpucore.ErrNotMappable)
	}
	if err := buf.checkRange(id, offset, uint64(len(dst))); err != nil {
		return err
	}
	if err := b.queue.ReadBuffer(buf.buf, offset, dst); err != nil {
		return fmt.Errorf("wgpu: read buffer %q: %w", buf.label, err)
	}
	return nil
}

// shaderSource prefers SPIR-V: the program's own words, else WGSL compiled
// with naga. When naga cannot lower the source the WGSL is handed to the
// device as is.
func shaderSource(prog *gpucore.Program) (hal.ShaderSource, error) {
	if len(prog.SPIRV) > 0 {
		return hal.ShaderSource{SPIRV: prog.SPIRV}, nil
	}
	if prog.WGSL == "" {
		return hal.ShaderSource{}, fmt.Errorf("wgpu: program %q has neither SPIR-V nor WGSL: %w", prog.Name, gpucore.ErrUnknownKernel)
	}
	words, err := kernels.Compile(prog.WGSL)
	if err != nil {
		slogger().Debug("wgpu: naga compile failed, passing WGSL through", "program", prog.Name, "error", err)
		return hal.ShaderSource{WGSL: prog.WGSL}, nil
	}
	return hal.ShaderSource{SPIRV: words}, nil
}

// CreateKernel builds a compute pipeline for a program.
func (b *Backend) CreateKernel(desc gpucore.KernelDesc) (gpucore.KernelID, error) {
	prog := desc.Program
	if prog == nil {
		return gpucore.InvalidID, fmt.Errorf("wgpu: kernel %q has no program", desc.Label)
	}
	src, err := shaderSource(prog)
	if err != nil {
		return gpucore.InvalidID, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(); err != nil {
		return gpucore.InvalidID, err
	}
	module, err := b.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  prog.Name,
		Source: src,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("wgpu: shader module %s: %w: %w", prog.Name, gpucore.ErrInvalidSubmission, err)
	}
	pipeline, err := b.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   prog.Name + "_pipeline",
		Layout:  b.pipeLayout,
		Compute: hal.ComputeState{Module: module, EntryPoint: prog.Entry()},
	})
	if err != nil {
		b.device.DestroyShaderModule(module)
		return gpucore.InvalidID, fmt.Errorf("wgpu: compute pipeline %s: %w: %w", prog.Name, gpucore.ErrInvalidSubmission, err)
	}

	id := gpucore.KernelID(b.newID())
	b.kernels[id] = &kernel{name: prog.Name, module: module, pipeline: pipeline}
	slogger().Debug("wgpu: kernel created", "program", prog.Name, "id", id, "spirv", len(src.SPIRV) > 0)
	return id, nil
}

func (b *Backend) destroyKernel(k *kernel) {
	b.device.DestroyComputePipeline(k.pipeline)
	b.device.DestroyShaderModule(k.module)
}

// DestroyKernel releases a kernel.
func (b *Backend) DestroyKernel(id gpucore.KernelID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k, ok := b.kernels[id]; ok {
		b.destroyKernel(k)
		delete(b.kernels, id)
	}
}

// CreateBindGroup binds three storage ranges for a kernel. Descriptor
// allocation failures are reported as gpucore.ErrResourceExhausted.
func (b *Backend) CreateBindGroup(kernelID gpucore.KernelID, bindings []gpucore.BufferBinding) (gpucore.BindGroupID, error) {
	if len(bindings) != gpucore.Bindings {
		return gpucore.InvalidID, fmt.Errorf("wgpu: bind group needs %d bindings, got %d: %w",
			gpucore.Bindings, len(bindings), gpucore.ErrInvalidID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(); err != nil {
		return gpucore.InvalidID, err
	}
	if _, ok := b.kernels[kernelID]; !ok {
		return gpucore.InvalidID, fmt.Errorf("wgpu: kernel %d: %w", kernelID, gpucore.ErrInvalidID)
	}

	entries := make([]gputypes.BindGroupEntry, len(bindings))
	for i, bind := range bindings {
		buf, err := b.lookupBuffer(bind.Buffer)
		if err != nil {
			return gpucore.InvalidID, err
		}
		if bind.Offset%b.limits.MinStorageBufferOffsetAlignment != 0 {
			return gpucore.InvalidID, fmt.Errorf("wgpu: binding %d offset %d not aligned to %d: %w",
				i, bind.Offset, b.limits.MinStorageBufferOffsetAlignment, gpucore.ErrInvalidSubmission)
		}
		if bind.Size > b.limits.MaxStorageBufferBindingSize {
			return gpucore.InvalidID, fmt.Errorf("wgpu: binding %d of %d bytes exceeds %d: %w",
				i, bind.Size, b.limits.MaxStorageBufferBindingSize, gpucore.ErrInvalidSubmission)
		}
		if err := buf.checkRange(bind.Buffer, bind.Offset, bind.Size); err != nil {
			return gpucore.InvalidID, err
		}
		entries[i] = gputypes.BindGroupEntry{
			Binding:  uint32(i), //nolint:gosec // binding index fits uint32
			Resource: gputypes.BufferBinding{Buffer: buf.buf.NativeHandle(), Offset: bind.Offset, Size: bind.Size},
		}
	}

	group, err := b.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "gpusort_bind_group",
		Layout:  b.storageLayout,
		Entries: entries,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("wgpu: create bind group: %w: %w", gpucore.ErrResourceExhausted, err)
	}

	id := gpucore.BindGroupID(b.newID())
	b.bindGroups[id] = &bindGroup{kernel: kernelID, group: group}
	return id, nil
}

// DestroyBindGroup releases a bind group.
func (b *Backend) DestroyBindGroup(id gpucore.BindGroupID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bg, ok := b.bindGroups[id]; ok {
		b.device.DestroyBindGroup(bg.group)
		delete(b.bindGroups, id)
	}
}
