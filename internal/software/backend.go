// Package software implements gpucore.Backend on the host.
//
// The software device mirrors the execution model of a real queue:
// submissions run asynchronously, one after another, on a queue goroutine,
// and each dispatch runs its workgroups in parallel on a worker pool.
// Kernels are host emulations selected by program name (see
// RegisterKernel); SPIR-V and WGSL payloads are accepted but not
// interpreted.
//
// The backend is the reference device for tests and the fallback on
// machines without a GPU. With validation enabled it reports missing
// barriers the way a validation layer would.
package software

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/gogpu/gpusort/gpucore"
	"github.com/gogpu/gpusort/internal/parallel"
)

func init() {
	gpucore.Register(gpucore.BackendSoftware, func(cfg gpucore.Config) (gpucore.Backend, error) {
		return New(cfg, Options{}), nil
	})
}

// Options tunes device capacity. Zero values mean unlimited, so tests can
// provoke exhaustion deterministically.
type Options struct {
	// MaxEncoders bounds live command recordings (the command pool).
	MaxEncoders int

	// MaxBindGroups bounds live bind groups (the descriptor pool).
	MaxBindGroups int

	// MemoryBudget bounds the total bytes of live buffers.
	MemoryBudget uint64

	// Limits overrides gpucore.DefaultLimits when non-zero.
	Limits gpucore.Limits
}

// queueDepth bounds submissions waiting for the queue goroutine.
const queueDepth = 64

// Backend is the host-emulated device.
type Backend struct {
	cfg  gpucore.Config
	opts Options

	mu         sync.RWMutex
	nextID     uint64
	buffers    map[gpucore.BufferID]*buffer
	kernels    map[gpucore.KernelID]*kernel
	bindGroups map[gpucore.BindGroupID]*bindGroup
	fences     map[gpucore.Fence]*fence
	memoryUsed uint64
	encoders   int
	lost       bool
	closed     bool

	pool    *parallel.WorkerPool
	sendMu  sync.RWMutex // guards sends on queue against Close
	queue   chan *fence
	queueWG sync.WaitGroup
}

type buffer struct {
	label string
	usage gpucore.BufferUsage
	size  uint64
	words []uint32
	bytes []byte
}

type kernel struct {
	name string
	fn   HostKernel
}

type bindGroup struct {
	kernel   gpucore.KernelID
	bindings [gpucore.Bindings]gpucore.BufferBinding
}

type fence struct {
	cmd  *commandBuffer
	done chan struct{}
	err  error
}

// New creates an uninitialized software backend.
func New(cfg gpucore.Config, opts Options) *Backend {
	if cfg.Logger != nil {
		setLogger(cfg.Logger)
	}
	return &Backend{cfg: cfg, opts: opts}
}

// Name returns "software".
func (b *Backend) Name() string { return gpucore.BackendSoftware }

// SetLogger sets the logger for the backend.
// Called by gpusort.SetLogger to propagate logging configuration.
func (b *Backend) SetLogger(l *slog.Logger) { setLogger(l) }

// Init starts the worker pool and the queue goroutine.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pool != nil {
		return nil
	}
	b.buffers = make(map[gpucore.BufferID]*buffer)
	b.kernels = make(map[gpucore.KernelID]*kernel)
	b.bindGroups = make(map[gpucore.BindGroupID]*bindGroup)
	b.fences = make(map[gpucore.Fence]*fence)
	b.pool = parallel.NewWorkerPool(b.cfg.Workers)
	b.queue = make(chan *fence, queueDepth)

	b.queueWG.Add(1)
	go b.runQueue()

	slogger().Info("software: device initialized",
		"workers", b.pool.Workers(),
		"validation", b.cfg.Validation)
	return nil
}

// Close drains the queue and releases all memory.
func (b *Backend) Close() {
	b.mu.Lock()
	if b.closed || b.pool == nil {
		b.closed = true
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.sendMu.Lock()
	close(b.queue)
	b.sendMu.Unlock()

	b.queueWG.Wait()
	b.pool.Close()

	b.mu.Lock()
	b.buffers = nil
	b.kernels = nil
	b.bindGroups = nil
	b.fences = nil
	b.memoryUsed = 0
	b.mu.Unlock()
}

// Limits returns the device limits.
func (b *Backend) Limits() gpucore.Limits {
	if b.opts.Limits != (gpucore.Limits{}) {
		return b.opts.Limits
	}
	return gpucore.DefaultLimits()
}

// LoseDevice simulates device loss: every later submission fails with
// gpucore.ErrDeviceLost. Submissions already queued still run.
func (b *Backend) LoseDevice() {
	b.mu.Lock()
	b.lost = true
	b.mu.Unlock()
	slogger().Warn("software: device lost")
}

// MemoryUsed returns the bytes held by live buffers.
func (b *Backend) MemoryUsed() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.memoryUsed
}

func (b *Backend) newID() uint64 {
	b.nextID++
	return b.nextID
}

// CreateBuffer allocates word-aligned host memory standing in for device
// memory.
func (b *Backend) CreateBuffer(desc gpucore.BufferDesc) (gpucore.BufferID, error) {
	limits := b.Limits()
	if desc.Size == 0 {
		return gpucore.InvalidID, fmt.Errorf("software: buffer %q has zero size", desc.Label)
	}
	if desc.Size > limits.MaxBufferSize {
		return gpucore.InvalidID, fmt.Errorf("software: buffer %q of %d bytes exceeds max buffer size %d: %w",
			desc.Label, desc.Size, limits.MaxBufferSize, gpucore.ErrResourceExhausted)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return gpucore.InvalidID, gpucore.ErrDeviceLost
	}
	if b.opts.MemoryBudget > 0 && b.memoryUsed+desc.Size > b.opts.MemoryBudget {
		return gpucore.InvalidID, fmt.Errorf("software: buffer %q of %d bytes exceeds memory budget (%d of %d used): %w",
			desc.Label, desc.Size, b.memoryUsed, b.opts.MemoryBudget, gpucore.ErrResourceExhausted)
	}

	words := make([]uint32, (desc.Size+3)/4)
	buf := &buffer{
		label: desc.Label,
		usage: desc.Usage,
		size:  desc.Size,
		words: words,
		bytes: unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4)[:desc.Size],
	}
	id := gpucore.BufferID(b.newID())
	b.buffers[id] = buf
	b.memoryUsed += desc.Size

	slogger().Debug("software: buffer created", "label", desc.Label, "id", id, "size", desc.Size)
	return id, nil
}

// DestroyBuffer releases a buffer.
func (b *Backend) DestroyBuffer(id gpucore.BufferID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf, ok := b.buffers[id]; ok {
		b.memoryUsed -= buf.size
		delete(b.buffers, id)
	}
}

func (b *Backend) lookupBuffer(id gpucore.BufferID) (*buffer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	buf, ok := b.buffers[id]
	if !ok {
		return nil, fmt.Errorf("software: buffer %d: %w", id, gpucore.ErrInvalidID)
	}
	return buf, nil
}

func (buf *buffer) checkRange(id gpucore.BufferID, offset, size uint64) error {
	if offset > buf.size || size > buf.size-offset {
		return fmt.Errorf("software: range [%d, %d) outside buffer %d of %d bytes: %w",
			offset, offset+size, id, buf.size, gpucore.ErrInvalidSubmission)
	}
	return nil
}

// WriteBuffer copies data into a host-visible buffer.
func (b *Backend) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	buf, err := b.lookupBuffer(id)
	if err != nil {
		return err
	}
	if buf.usage&gpucore.BufferUsageMapWrite == 0 {
		return fmt.Errorf("software: write buffer %q: %w", buf.label, gpucore.ErrNotMappable)
	}
	if err := buf.checkRange(id, offset, uint64(len(data))); err != nil {
		return err
	}
	copy(buf.bytes[offset:], data)
	return nil
}

// ReadBuffer copies data out of a host-visible buffer.
func (b *Backend) ReadBuffer(id gpucore.BufferID, offset uint64, dst []byte) error {
	buf, err := b.lookupBuffer(id)
	if err != nil {
		return err
	}
	if buf.usage&gpucore.BufferUsageMapRead == 0 {
		return fmt.Errorf("software: read buffer %q: %w", buf.label, gpucore.ErrNotMappable)
	}
	if err := buf.checkRange(id, offset, uint64(len(dst))); err != nil {
		return err
	}
	copy(dst, buf.bytes[offset:])
	return nil
}

// CreateKernel resolves the program to a host emulation by name.
func (b *Backend) CreateKernel(desc gpucore.KernelDesc) (gpucore.KernelID, error) {
	if desc.Program == nil {
		return gpucore.InvalidID, fmt.Errorf("software: kernel %q has no program", desc.Label)
	}
	fn, ok := lookupKernel(desc.Program.Name)
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("software: program %q: %w", desc.Program.Name, gpucore.ErrUnknownKernel)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	id := gpucore.KernelID(b.newID())
	b.kernels[id] = &kernel{name: desc.Program.Name, fn: fn}

	slogger().Debug("software: kernel created", "program", desc.Program.Name, "id", id)
	return id, nil
}

// DestroyKernel releases a kernel.
func (b *Backend) DestroyKernel(id gpucore.KernelID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kernels, id)
}

// CreateBindGroup binds three buffer ranges for a kernel.
func (b *Backend) CreateBindGroup(kernelID gpucore.KernelID, bindings []gpucore.BufferBinding) (gpucore.BindGroupID, error) {
	if len(bindings) != gpucore.Bindings {
		return gpucore.InvalidID, fmt.Errorf("software: bind group needs %d bindings, got %d: %w",
			gpucore.Bindings, len(bindings), gpucore.ErrInvalidID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.kernels[kernelID]; !ok {
		return gpucore.InvalidID, fmt.Errorf("software: kernel %d: %w", kernelID, gpucore.ErrInvalidID)
	}
	if b.opts.MaxBindGroups > 0 && len(b.bindGroups) >= b.opts.MaxBindGroups {
		return gpucore.InvalidID, fmt.Errorf("software: descriptor pool of %d sets is full: %w",
			b.opts.MaxBindGroups, gpucore.ErrResourceExhausted)
	}

	bg := &bindGroup{kernel: kernelID}
	for i, bind := range bindings {
		buf, ok := b.buffers[bind.Buffer]
		if !ok {
			return gpucore.InvalidID, fmt.Errorf("software: binding %d buffer %d: %w", i, bind.Buffer, gpucore.ErrInvalidID)
		}
		if bind.Offset%4 != 0 || bind.Size%4 != 0 {
			return gpucore.InvalidID, fmt.Errorf("software: binding %d range [%d, +%d) is not word aligned: %w",
				i, bind.Offset, bind.Size, gpucore.ErrInvalidSubmission)
		}
		if err := buf.checkRange(bind.Buffer, bind.Offset, bind.Size); err != nil {
			return gpucore.InvalidID, err
		}
		bg.bindings[i] = bind
	}

	id := gpucore.BindGroupID(b.newID())
	b.bindGroups[id] = bg
	return id, nil
}

// DestroyBindGroup releases a bind group.
func (b *Backend) DestroyBindGroup(id gpucore.BindGroupID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bindGroups, id)
}

// NewEncoder opens a recording. The command pool slot is held until the
// recording is discarded or its fence released.
func (b *Backend) NewEncoder(label string) (gpucore.Encoder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, gpucore.ErrDeviceLost
	}
	if b.opts.MaxEncoders > 0 && b.encoders >= b.opts.MaxEncoders {
		return nil, fmt.Errorf("software: command pool of %d buffers is full: %w",
			b.opts.MaxEncoders, gpucore.ErrResourceExhausted)
	}
	b.encoders++
	return &encoder{backend: b, cmd: &commandBuffer{label: label}}, nil
}

func (b *Backend) releaseEncoderSlot() {
	b.mu.Lock()
	b.encoders--
	b.mu.Unlock()
}

// Submit queues a finished recording for execution.
func (b *Backend) Submit(cmd gpucore.CommandBuffer) (gpucore.Fence, error) {
	cb, ok := cmd.(*commandBuffer)
	if !ok || cb == nil || !cb.finished {
		return 0, fmt.Errorf("software: foreign or unfinished command buffer: %w", gpucore.ErrInvalidSubmission)
	}

	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	b.mu.Lock()
	if b.closed || b.lost {
		if !cb.submitted {
			cb.submitted = true
			b.encoders--
		}
		b.mu.Unlock()
		return 0, fmt.Errorf("software: submit %q: %w", cb.label, gpucore.ErrDeviceLost)
	}
	if cb.submitted {
		b.mu.Unlock()
		return 0, fmt.Errorf("software: command buffer %q submitted twice: %w", cb.label, gpucore.ErrInvalidSubmission)
	}
	cb.submitted = true
	f := &fence{cmd: cb, done: make(chan struct{})}
	id := gpucore.Fence(b.newID())
	b.fences[id] = f
	b.mu.Unlock()

	b.queue <- f
	return id, nil
}

func (b *Backend) lookupFence(id gpucore.Fence) (*fence, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.fences[id]
	if !ok {
		return nil, fmt.Errorf("software: fence %d: %w", id, gpucore.ErrInvalidID)
	}
	return f, nil
}

// Poll reports whether the submission completed.
func (b *Backend) Poll(id gpucore.Fence) (bool, error) {
	f, err := b.lookupFence(id)
	if err != nil {
		return false, err
	}
	select {
	case <-f.done:
		return true, f.err
	default:
		return false, nil
	}
}

// Wait blocks until the submission completes or ctx ends.
func (b *Backend) Wait(ctx context.Context, id gpucore.Fence) error {
	f, err := b.lookupFence(id)
	if err != nil {
		return err
	}
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return fmt.Errorf("software: fence %d: %w: %w", id, gpucore.ErrWaitTimeout, ctx.Err())
	}
}

// Release frees the fence and returns its command pool slot.
func (b *Backend) Release(id gpucore.Fence) {
	b.mu.Lock()
	_, ok := b.fences[id]
	delete(b.fences, id)
	if ok {
		b.encoders--
	}
	b.mu.Unlock()
}

// runQueue executes submissions in order until Close.
func (b *Backend) runQueue() {
	defer b.queueWG.Done()
	for f := range b.queue {
		f.err = b.execute(f.cmd)
		if f.err != nil {
			slogger().Warn("software: submission faulted", "label", f.cmd.label, "error", f.err)
		}
		close(f.done)
	}
}
