//go:build !nogpu

package wgpu

import (
	"context"
	"fmt"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusort/gpucore"
)

const (
	// waitSlice bounds each blocking fence wait so context cancellation is
	// noticed.
	waitSlice = 100 * time.Millisecond

	// closeWaitTimeout bounds how long Close waits for each submission.
	closeWaitTimeout = 5 * time.Second
)

// submission is an in-flight command buffer and its fence.
type submission struct {
	cb    *commandBuffer
	fence hal.Fence
	done  bool
	err   error
}

// NewEncoder opens a recording.
func (b *Backend) NewEncoder(label string) (gpucore.Encoder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(); err != nil {
		return nil, err
	}
	b.encoders++
	return &encoder{backend: b, label: label}, nil
}

// Submit hands an encoded recording to the queue.
func (b *Backend) Submit(cmd gpucore.CommandBuffer) (gpucore.Fence, error) {
	cb, ok := cmd.(*commandBuffer)
	if !ok || cb == nil || cb.cmd == nil {
		return 0, fmt.Errorf("wgpu: foreign or unfinished command buffer: %w", gpucore.ErrInvalidSubmission)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if cb.submitted {
		return 0, fmt.Errorf("wgpu: command buffer %q submitted twice: %w", cb.label, gpucore.ErrInvalidSubmission)
	}
	cb.submitted = true
	if err := b.usable(); err != nil {
		b.dropRecording(cb)
		return 0, err
	}

	fence, err := b.device.CreateFence()
	if err != nil {
		b.dropRecording(cb)
		return 0, fmt.Errorf("wgpu: create fence: %w: %w", gpucore.ErrResourceExhausted, err)
	}
	if err := b.queue.Submit([]hal.CommandBuffer{cb.cmd}, fence, 1); err != nil {
		b.device.DestroyFence(fence)
		b.dropRecording(cb)
		return 0, fmt.Errorf("wgpu: submit %q: %w: %w", cb.label, gpucore.ErrInvalidSubmission, err)
	}

	id := gpucore.Fence(b.newID())
	b.fences[id] = &submission{cb: cb, fence: fence}
	return id, nil
}

// dropRecording frees a recording that never reached the queue. Caller
// holds b.mu.
func (b *Backend) dropRecording(cb *commandBuffer) {
	if b.device != nil {
		b.freeCommandResources(cb)
	}
	b.encoders--
}

// Poll reports whether the submission completed without blocking.
func (b *Backend) Poll(id gpucore.Fence) (bool, error) {
	return b.check(id, 0)
}

// check waits up to timeout on the fence and records the outcome.
func (b *Backend) check(id gpucore.Fence, timeout time.Duration) (bool, error) {
	b.mu.RLock()
	s, ok := b.fences[id]
	device := b.device
	b.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("wgpu: fence %d: %w", id, gpucore.ErrInvalidID)
	}

	b.mu.RLock()
	done, err := s.done, s.err
	b.mu.RUnlock()
	if done {
		return true, err
	}

	signaled, werr := device.Wait(s.fence, 1, timeout)
	if werr == nil && !signaled {
		return false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !s.done {
		s.done = true
		if werr != nil {
			s.err = fmt.Errorf("wgpu: fence %d: %w: %w", id, gpucore.ErrDeviceLost, werr)
			b.markLost(werr)
		}
	}
	return true, s.err
}

// Wait blocks until the submission completes or ctx ends. Expiry is
// reported as gpucore.ErrWaitTimeout and leaves the submission in flight.
func (b *Backend) Wait(ctx context.Context, id gpucore.Fence) error {
	for {
		done, err := b.check(id, waitSlice)
		if done || err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("wgpu: fence %d: %w: %w", id, gpucore.ErrWaitTimeout, cerr)
		}
	}
}

// Release frees the fence, its command buffer and per-batch resources.
func (b *Backend) Release(id gpucore.Fence) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.fences[id]
	if !ok {
		return
	}
	delete(b.fences, id)
	b.freeSubmission(s)
	b.encoders--
}

// freeSubmission releases a submission's hal objects. Caller holds b.mu.
func (b *Backend) freeSubmission(s *submission) {
	b.device.DestroyFence(s.fence)
	b.freeCommandResources(s.cb)
}
