// Package gpusort orchestrates compute work on a GPU and provides the
// building blocks for the radix sort in package radix.
//
// # Overview
//
// An [Engine] owns one device (a gpucore backend), a bump-allocated device
// memory [Arena], and a [StagingChannel] of host-visible memory for moving
// data between host and device. Work is recorded into a [Batch] and
// submitted as one unit.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/gpusort"
//	    _ "github.com/gogpu/gpusort/gpu" // enable the wgpu backend
//	)
//
//	e, err := gpusort.NewEngine()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Close()
//
//	buf, _ := gpusort.NewBuffer[uint32](e, len(data))
//	out := make([]uint32, len(data))
//
//	b, _ := e.NewBatch(ctx)
//	gpusort.Upload(b, buf, data)
//	b.Barrier()
//	gpusort.Download(b, buf, out)
//	if err := b.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Memory
//
// Buffers are sub-ranges of the arena, aligned to the device's storage
// offset alignment. Space is never reclaimed individually: allocate for
// the largest problem once and reuse the buffers.
//
// # Synchronization
//
// Operations of a batch execute in recorded order, but the device may
// overlap them. Insert [Batch.Barrier] between any two operations where
// the second reads or overwrites what the first wrote. With
// [WithValidation] the software backend reports missing barriers.
//
// Readbacks requested with [Batch.RequestFromDevice] or [Download] are
// copied into their host targets after the device completes, in request
// order. Waiting is bounded by the caller's context and [WithWaitTimeout].
//
// # Backends
//
// The software backend is always available. Importing
// github.com/gogpu/gpusort/gpu registers the wgpu backend (Vulkan through
// gogpu/wgpu), which [NewEngine] prefers when a device opens.
package gpusort
