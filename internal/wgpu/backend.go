//go:build !nogpu

// Package wgpu implements gpucore.Backend on wgpu/hal compute pipelines.
//
// The backend either opens its own Vulkan device or shares the device of
// a host application through a gpucontext.DeviceProvider that exposes HAL
// types. Kernels take their three storage buffers in bind group 0 and the
// per-dispatch parameters as a uniform in bind group 1.
package wgpu

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusort/gpucore"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

func init() {
	gpucore.Register(gpucore.BackendWGPU, func(cfg gpucore.Config) (gpucore.Backend, error) {
		return New(cfg), nil
	})
}

// Backend is a gpucore.Backend over one hal device and queue.
type Backend struct {
	cfg gpucore.Config

	mu       sync.RWMutex
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	external bool // device shared from a provider, not destroyed on Close
	adapter  string
	limits   gpucore.Limits

	storageLayout hal.BindGroupLayout // group 0: three storage buffers
	paramsLayout  hal.BindGroupLayout // group 1: dispatch parameters
	pipeLayout    hal.PipelineLayout

	nextID     uint64
	buffers    map[gpucore.BufferID]*buffer
	kernels    map[gpucore.KernelID]*kernel
	bindGroups map[gpucore.BindGroupID]*bindGroup
	fences     map[gpucore.Fence]*submission
	encoders   int
	lost       bool
	closed     bool
}

type buffer struct {
	label string
	buf   hal.Buffer
	size  uint64
	usage gpucore.BufferUsage
}

type kernel struct {
	name     string
	module   hal.ShaderModule
	pipeline hal.ComputePipeline
}

type bindGroup struct {
	kernel gpucore.KernelID
	group  hal.BindGroup
}

// New creates an uninitialized wgpu backend.
func New(cfg gpucore.Config) *Backend {
	if cfg.Logger != nil {
		setLogger(cfg.Logger)
	}
	return &Backend{cfg: cfg}
}

// Name returns "wgpu".
func (b *Backend) Name() string { return gpucore.BackendWGPU }

// SetLogger sets the logger for the backend.
// Called by gpusort.SetLogger to propagate logging configuration.
func (b *Backend) SetLogger(l *slog.Logger) { setLogger(l) }

// Adapter returns the name of the GPU in use, or "shared" for a provided
// device.
func (b *Backend) Adapter() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.adapter
}

// Init opens the device, or adopts the configured provider's device, and
// creates the layouts shared by all kernels.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device != nil {
		return nil
	}
	if b.cfg.Provider != nil {
		if err := b.adoptProvider(b.cfg.Provider); err != nil {
			return err
		}
	} else if err := b.openDevice(); err != nil {
		return err
	}

	if err := b.createLayouts(); err != nil {
		b.destroyPartialInit()
		return fmt.Errorf("wgpu: create layouts: %w", err)
	}

	b.limits = gpucore.DefaultLimits()
	b.buffers = make(map[gpucore.BufferID]*buffer)
	b.kernels = make(map[gpucore.KernelID]*kernel)
	b.bindGroups = make(map[gpucore.BindGroupID]*bindGroup)
	b.fences = make(map[gpucore.Fence]*submission)

	slogger().Info("wgpu: device initialized", "adapter", b.adapter, "shared", b.external)
	return nil
}

// adoptProvider uses the HAL device and queue of a host application. The
// provider must implement HalDevice() any and HalQueue() any returning
// hal.Device and hal.Queue.
func (b *Backend) adoptProvider(provider any) error {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return fmt.Errorf("wgpu: provider does not expose HAL types: %w", gpucore.ErrBackendNotAvailable)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return fmt.Errorf("wgpu: provider HalDevice is not hal.Device: %w", gpucore.ErrBackendNotAvailable)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return fmt.Errorf("wgpu: provider HalQueue is not hal.Queue: %w", gpucore.ErrBackendNotAvailable)
	}
	b.device = device
	b.queue = queue
	b.external = true
	b.adapter = "shared"
	return nil
}

// openDevice creates a Vulkan instance and opens the first discrete or
// integrated GPU, falling back to the first adapter.
func (b *Backend) openDevice() error {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("wgpu: vulkan backend not available: %w", gpucore.ErrBackendNotAvailable)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("wgpu: create instance: %w: %w", gpucore.ErrBackendNotAvailable, err)
	}
	b.instance = instance

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		b.destroyPartialInit()
		return fmt.Errorf("wgpu: no GPU adapters found: %w", gpucore.ErrBackendNotAvailable)
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		b.destroyPartialInit()
		return fmt.Errorf("wgpu: open device: %w: %w", gpucore.ErrBackendNotAvailable, err)
	}
	b.device = openDev.Device
	b.queue = openDev.Queue
	b.adapter = selected.Info.Name
	return nil
}

func (b *Backend) createLayouts() error {
	storage := gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}
	entries := make([]gputypes.BindGroupLayoutEntry, gpucore.Bindings)
	for i := range entries {
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i), //nolint:gosec // binding index fits uint32
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &storage,
		}
	}
	storageLayout, err := b.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   "gpusort_storage_layout",
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("storage layout: %w", err)
	}
	b.storageLayout = storageLayout

	paramsLayout, err := b.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "gpusort_params_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{Binding: 0, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
		},
	})
	if err != nil {
		return fmt.Errorf("params layout: %w", err)
	}
	b.paramsLayout = paramsLayout

	pipeLayout, err := b.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "gpusort_pipeline_layout",
		BindGroupLayouts: []hal.BindGroupLayout{b.storageLayout, b.paramsLayout},
	})
	if err != nil {
		return fmt.Errorf("pipeline layout: %w", err)
	}
	b.pipeLayout = pipeLayout
	return nil
}

func (b *Backend) destroyLayouts() {
	if b.device == nil {
		return
	}
	if b.pipeLayout != nil {
		b.device.DestroyPipelineLayout(b.pipeLayout)
		b.pipeLayout = nil
	}
	if b.paramsLayout != nil {
		b.device.DestroyBindGroupLayout(b.paramsLayout)
		b.paramsLayout = nil
	}
	if b.storageLayout != nil {
		b.device.DestroyBindGroupLayout(b.storageLayout)
		b.storageLayout = nil
	}
}

// destroyPartialInit releases whatever Init created before failing.
func (b *Backend) destroyPartialInit() {
	b.destroyLayouts()
	if !b.external && b.device != nil {
		b.device.Destroy()
	}
	if b.instance != nil {
		b.instance.Destroy()
	}
	b.device = nil
	b.queue = nil
	b.instance = nil
	b.external = false
}

// Close waits for outstanding submissions and releases every resource.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	if b.device == nil {
		return
	}

	for id, s := range b.fences {
		if _, err := b.device.Wait(s.fence, 1, closeWaitTimeout); err != nil {
			slogger().Warn("wgpu: submission did not finish before close", "fence", id, "error", err)
		}
		b.freeSubmission(s)
	}
	for _, bg := range b.bindGroups {
		b.device.DestroyBindGroup(bg.group)
	}
	for _, k := range b.kernels {
		b.destroyKernel(k)
	}
	for _, buf := range b.buffers {
		b.device.DestroyBuffer(buf.buf)
	}
	b.fences = nil
	b.bindGroups = nil
	b.kernels = nil
	b.buffers = nil

	b.destroyPartialInit()
	slogger().Info("wgpu: device closed")
}

// Limits returns the device limits.
func (b *Backend) Limits() gpucore.Limits {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.limits == (gpucore.Limits{}) {
		return gpucore.DefaultLimits()
	}
	return b.limits
}

func (b *Backend) newID() uint64 {
	b.nextID++
	return b.nextID
}

// usable reports why the device cannot take new work. Caller holds b.mu.
func (b *Backend) usable() error {
	switch {
	case b.closed || b.device == nil:
		return fmt.Errorf("wgpu: device closed: %w", gpucore.ErrDeviceLost)
	case b.lost:
		return fmt.Errorf("wgpu: %w", gpucore.ErrDeviceLost)
	}
	return nil
}

// markLost records a device fault. Caller holds b.mu.
func (b *Backend) markLost(err error) {
	if !b.lost {
		b.lost = true
		slogger().Warn("wgpu: device lost", "error", err)
	}
}
