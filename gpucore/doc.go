// Package gpucore provides the device abstraction shared by every gpusort
// backend.
//
// This package defines the [Backend] interface, which abstracts over the
// device that executes compute work, so that the same orchestration layer
// (arena, staging, batches) and the same sort drivers work with:
//   - gogpu/wgpu (Pure Go WebGPU via HAL, registered by importing gpusort/gpu)
//   - the CPU reference device (always registered, used by tests)
//
// # Architecture
//
//	               +-----------------+
//	               |     gpusort     |
//	               | (Engine, Batch) |
//	               +--------+--------+
//	                        |
//	               +--------v--------+
//	               | gpucore.Backend |
//	               +--------+--------+
//	                        |
//	         +--------------+--------------+
//	         |                             |
//	+--------v--------+          +--------v--------+
//	|  wgpu backend   |          |    software     |
//	|  (hal.Device)   |          | (host emulation)|
//	+-----------------+          +-----------------+
//
// # Resource Model
//
// Resources are referenced by opaque IDs ([BufferID], [KernelID],
// [BindGroupID]). Backends map IDs to native objects. IDs are never reused
// within a backend's lifetime and [InvalidID] is never a valid handle.
//
// # Execution Model
//
// Work is recorded into an [Encoder] and submitted as one unit. Operations
// execute in recorded order, but the device may overlap them unless an
// [Encoder.Barrier] separates them. Completion is observed through a
// [Fence] with [Backend.Poll] or [Backend.Wait].
package gpucore
