package gpusort

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpusort/gpucore"
)

type batchState uint8

const (
	batchRecording batchState = iota
	batchSubmitted
	batchFinished
)

// Batch records uploads, readbacks, copies, dispatches and barriers into
// one device submission.
//
// Operations run on the device in recorded order, but dependent operations
// must be separated by Barrier: no ordering is inferred. Readbacks land in
// their host targets only after the batch completes, in request order.
//
// Recording methods return the batch for chaining. The first recording
// error is kept and returned by Submit or Run; later operations are
// ignored. A batch is not safe for concurrent use.
//
// Example:
//
//	out := make([]uint32, n)
//	b, err := e.NewBatch(ctx)
//	if err != nil {
//	    return err
//	}
//	gpusort.Upload(b, buf, in)
//	b.Barrier()
//	b.Dispatch(k, groups, gpusort.PushConstants{ElementCount: uint32(n)})
//	b.Barrier()
//	gpusort.Download(b, buf, out)
//	err = b.Run(ctx)
type Batch struct {
	eng       *Engine
	enc       gpucore.Encoder
	readbacks []pendingReadback
	state     batchState
	err       error
	stats     BatchStats
	opened    time.Time
}

// pendingReadback is a device-to-host copy whose host side completes
// after the batch finishes.
type pendingReadback struct {
	target []byte
	offset uint64
}

func newBatch(e *Engine, enc gpucore.Encoder) *Batch {
	return &Batch{eng: e, enc: enc, opened: time.Now()}
}

// Err returns the first recording error, if any.
func (b *Batch) Err() error { return b.err }

// Stats returns counters and timings of the batch.
func (b *Batch) Stats() BatchStats { return b.stats }

// fail records the first error.
func (b *Batch) fail(err error) *Batch {
	if b.err == nil {
		b.err = err
	}
	return b
}

// recordable reports whether another operation may be recorded.
func (b *Batch) recordable() bool {
	if b.state != batchRecording {
		b.fail(ErrBatchFinished)
		return false
	}
	return b.err == nil
}

func (b *Batch) region(buf DeviceBuffer, what string) (Region, error) {
	if buf == nil || buf.engine() != b.eng {
		return Region{}, fmt.Errorf("%w: %s buffer is not from this engine", ErrInvalidBinding, what)
	}
	if buf.Destroyed() {
		return Region{}, fmt.Errorf("%s: %w", what, ErrBufferDestroyed)
	}
	return buf.Region(), nil
}

// StageToDevice copies data into the staging channel now and records a
// copy from there into dst. data may be reused once the call returns.
func (b *Batch) StageToDevice(dst DeviceBuffer, data []byte) *Batch {
	if !b.recordable() {
		return b
	}
	r, err := b.region(dst, "upload")
	if err != nil {
		return b.fail(err)
	}
	size := uint64(len(data))
	if size == 0 {
		return b
	}
	if size > r.Size {
		return b.fail(fmt.Errorf("%w: upload of %d bytes into %d", ErrSizeMismatch, size, r.Size))
	}
	off, err := b.eng.staging.stageUpload(data)
	if err != nil {
		return b.fail(err)
	}
	b.enc.CopyBufferToBuffer(b.eng.staging.upload.buffer, off, r.Buffer, r.Offset, alignUp(size, copyAlignment))

	b.stats.Operations++
	b.stats.Copies++
	b.stats.UploadBytes += size
	return b
}

// RequestFromDevice records a copy of src into the staging channel. The
// bytes reach target when the batch completes; target must stay valid and
// untouched until then.
func (b *Batch) RequestFromDevice(src DeviceBuffer, target []byte) *Batch {
	if !b.recordable() {
		return b
	}
	r, err := b.region(src, "readback")
	if err != nil {
		return b.fail(err)
	}
	size := uint64(len(target))
	if size == 0 {
		return b
	}
	if size > r.Size {
		return b.fail(fmt.Errorf("%w: readback of %d bytes from %d", ErrSizeMismatch, size, r.Size))
	}
	padded := alignUp(size, copyAlignment)
	off, err := b.eng.staging.reserveReadback(padded)
	if err != nil {
		return b.fail(err)
	}
	b.enc.CopyBufferToBuffer(r.Buffer, r.Offset, b.eng.staging.readback.buffer, off, padded)
	b.readbacks = append(b.readbacks, pendingReadback{target: target, offset: off})

	b.stats.Operations++
	b.stats.Copies++
	b.stats.ReadbackBytes += size
	return b
}

// CopyBuffer records a device-side copy of size bytes from the start of
// src to the start of dst. A size of 0 copies all of src.
func (b *Batch) CopyBuffer(src, dst DeviceBuffer, size uint64) *Batch {
	if !b.recordable() {
		return b
	}
	rs, err := b.region(src, "copy source")
	if err != nil {
		return b.fail(err)
	}
	rd, err := b.region(dst, "copy destination")
	if err != nil {
		return b.fail(err)
	}
	if size == 0 {
		size = rs.Size
	}
	if size > rs.Size || size > rd.Size {
		return b.fail(fmt.Errorf("%w: copy of %d bytes from %d into %d", ErrSizeMismatch, size, rs.Size, rd.Size))
	}
	b.enc.CopyBufferToBuffer(rs.Buffer, rs.Offset, rd.Buffer, rd.Offset, alignUp(size, copyAlignment))

	b.stats.Operations++
	b.stats.Copies++
	return b
}

// Dispatch records groupsX workgroups of k with the given push constants.
// A dispatch of zero workgroups records nothing.
func (b *Batch) Dispatch(k *Kernel, groupsX uint32, push PushConstants) *Batch {
	if !b.recordable() {
		return b
	}
	if err := k.check(b.eng); err != nil {
		return b.fail(err)
	}
	if groupsX == 0 {
		return b
	}
	if limit := b.eng.limits.MaxComputeWorkgroupsPerDimension; limit > 0 && groupsX > limit {
		return b.fail(fmt.Errorf("%w: %s with %d workgroups, limit %d", ErrDispatchTooLarge, k.name, groupsX, limit))
	}
	b.enc.Dispatch(k.pipeline, k.group, groupsX, push)

	b.stats.Operations++
	b.stats.Dispatches++
	b.stats.Workgroups += uint64(groupsX)
	return b
}

// Barrier makes every earlier write visible to every later operation.
func (b *Batch) Barrier() *Batch {
	if !b.recordable() {
		return b
	}
	b.enc.Barrier()
	b.stats.Operations++
	b.stats.Barriers++
	return b
}

// Discard abandons a batch that has not been submitted and frees the
// engine for the next batch. It is a no-op otherwise.
func (b *Batch) Discard() {
	if b.state != batchRecording {
		return
	}
	b.enc.Discard()
	b.state = batchFinished
	b.eng.releaseSlot()
}

// Submit finalizes the recording and hands it to the device without
// waiting. The returned Pending completes the batch.
//
// On error the batch is finished and the engine is free for a new batch.
// Submission failures wrap ErrInvalidSubmission or ErrDeviceLost and are
// not retried.
func (b *Batch) Submit(ctx context.Context) (*Pending, error) {
	if b.state != batchRecording {
		return nil, ErrBatchFinished
	}
	if b.err != nil {
		b.Discard()
		return nil, b.err
	}
	if err := ctx.Err(); err != nil {
		b.Discard()
		return nil, err
	}

	b.stats.RecordTime = time.Since(b.opened)
	cmd, err := b.enc.Finish()
	if err != nil {
		b.state = batchFinished
		b.eng.releaseSlot()
		return nil, fmt.Errorf("gpusort: finish batch: %w", err)
	}
	fence, err := b.eng.backend.Submit(cmd)
	if err != nil {
		b.state = batchFinished
		b.eng.releaseSlot()
		return nil, fmt.Errorf("gpusort: submit batch: %w", err)
	}
	b.state = batchSubmitted

	b.eng.logger().Debug("gpusort: batch submitted",
		"operations", b.stats.Operations,
		"dispatches", b.stats.Dispatches,
		"upload_bytes", b.stats.UploadBytes,
		"readback_bytes", b.stats.ReadbackBytes)
	return &Pending{batch: b, fence: fence, submitted: time.Now()}, nil
}

// Run submits the batch, waits for the device, and copies every requested
// readback into its host target in request order.
//
// If the wait expires, Run returns ErrWaitTimeout and abandons the batch:
// its readback targets are left untouched, and the engine accepts a new
// batch as soon as the device finishes the old one.
func (b *Batch) Run(ctx context.Context) error {
	p, err := b.Submit(ctx)
	if err != nil {
		return err
	}
	err = p.Wait(ctx)
	if errors.Is(err, ErrWaitTimeout) {
		p.abandon()
	}
	return err
}

// Pending is a submitted batch.
type Pending struct {
	batch     *Batch
	fence     gpucore.Fence
	submitted time.Time

	mu        sync.Mutex
	finished  bool
	abandoned bool
	err       error
}

// Poll reports whether the batch completed, completing it if so. It never
// blocks.
func (p *Pending) Poll() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished {
		return true, p.err
	}
	done, err := p.batch.eng.backend.Poll(p.fence)
	if !done && err == nil {
		return false, nil
	}
	p.complete(err)
	return true, p.err
}

// Wait blocks until the batch completes, ctx ends, or the engine's wait
// timeout expires. On ErrWaitTimeout the submission is still in flight:
// the engine stays busy and Wait or Poll may be called again.
func (p *Pending) Wait(ctx context.Context) error {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return p.err
	}
	p.mu.Unlock()

	if timeout := p.batch.eng.opts.waitTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := p.batch.eng.backend.Wait(ctx, p.fence)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return p.err
	}
	if errors.Is(err, gpucore.ErrWaitTimeout) {
		p.batch.eng.logger().Warn("gpusort: batch wait expired", "elapsed", time.Since(p.submitted))
		return fmt.Errorf("gpusort: wait for batch: %w", err)
	}
	p.complete(err)
	return p.err
}

// abandon hands the submission to a background wait that finishes the
// batch without readbacks once the device is done with it.
func (p *Pending) abandon() {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.abandoned = true
	p.mu.Unlock()

	go func() {
		err := p.batch.eng.backend.Wait(context.Background(), p.fence)
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.finished {
			p.complete(err)
		}
		p.batch.eng.logger().Debug("gpusort: abandoned batch finished",
			"elapsed", time.Since(p.submitted), "error", err)
	}()
}

// complete finalizes a batch whose submission ended. Caller holds p.mu.
func (p *Pending) complete(deviceErr error) {
	b := p.batch
	b.stats.DeviceTime = time.Since(p.submitted)

	switch {
	case deviceErr != nil:
		p.err = fmt.Errorf("gpusort: batch failed: %w", deviceErr)
	case p.abandoned:
	default:
		for i, rb := range b.readbacks {
			if err := b.eng.staging.read(rb.offset, rb.target); err != nil {
				p.err = fmt.Errorf("gpusort: readback %d: %w", i, err)
				break
			}
		}
	}

	b.eng.backend.Release(p.fence)
	b.readbacks = nil
	b.state = batchFinished
	p.finished = true
	b.eng.releaseSlot()
}

// BatchStats contains counters and timings of one batch.
type BatchStats struct {
	// Operations is the number of recorded operations.
	Operations int

	// Copies counts uploads, readbacks and device copies.
	Copies int

	// Dispatches is the number of non-empty dispatches.
	Dispatches int

	// Workgroups is the total workgroup count of all dispatches.
	Workgroups uint64

	// Barriers is the number of barriers.
	Barriers int

	// UploadBytes is the number of bytes staged to the device.
	UploadBytes uint64

	// ReadbackBytes is the number of bytes requested from the device.
	ReadbackBytes uint64

	// RecordTime is the time from NewBatch to Submit.
	RecordTime time.Duration

	// DeviceTime is the time from Submit to completion.
	DeviceTime time.Duration
}

// String returns a human-readable string of batch stats.
func (s BatchStats) String() string {
	return fmt.Sprintf("Batch[%d ops, %d dispatches, %d barriers, %d B up, %d B down, record %v, device %v]",
		s.Operations, s.Dispatches, s.Barriers, s.UploadBytes, s.ReadbackBytes,
		s.RecordTime.Round(time.Microsecond), s.DeviceTime.Round(time.Microsecond))
}

// Upload stages a typed slice into dst. See Batch.StageToDevice.
func Upload[T any](b *Batch, dst *Buffer[T], src []T) *Batch {
	return b.StageToDevice(dst, asBytes(src))
}

// Download requests dst to be filled from src when the batch completes.
// See Batch.RequestFromDevice.
func Download[T any](b *Batch, src *Buffer[T], dst []T) *Batch {
	return b.RequestFromDevice(src, asBytes(dst))
}
