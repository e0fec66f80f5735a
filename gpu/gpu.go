//go:build !nogpu

// Package gpu registers the wgpu backend for hardware-accelerated sorting.
//
// Import this package to let gpusort.NewEngine pick a Vulkan device. If
// no device opens (no driver, no adapter), engine creation falls back to
// the software backend.
//
// Usage:
//
//	import _ "github.com/gogpu/gpusort/gpu" // enable GPU execution
//
// Build with -tags nogpu to leave the wgpu stack out of the binary.
package gpu

import (
	"github.com/gogpu/gpucontext"

	"github.com/gogpu/gpusort"
	"github.com/gogpu/gpusort/gpucore"
	"github.com/gogpu/gpusort/internal/wgpu"
)

// Probe opens and closes a wgpu device and reports the adapter name, so
// callers can tell whether GPU execution is available.
func Probe() (string, error) {
	b := wgpu.New(gpucore.Config{Logger: gpusort.Logger()})
	if err := b.Init(); err != nil {
		return "", err
	}
	defer b.Close()
	return b.Adapter(), nil
}

// NewSharedEngine opens an engine on the device of a host application
// (for example a gogpu window) instead of a device of its own. The
// provider must also expose HalDevice() and HalQueue().
func NewSharedEngine(provider gpucontext.DeviceProvider, opts ...gpusort.Option) (*gpusort.Engine, error) {
	base := []gpusort.Option{
		gpusort.WithBackend(gpucore.BackendWGPU),
		gpusort.WithDeviceProvider(provider),
	}
	return gpusort.NewEngine(append(base, opts...)...)
}
