package gpusort

import (
	"fmt"

	"github.com/gogpu/gpusort/gpucore"
)

// StagingChannel moves bytes between host and device memory.
//
// It owns two disjoint host-visible regions: upload (host to device) and
// readback (device to host). Each has its own cursor, reset when a batch
// begins, so uploads and readbacks of one batch can never alias.
type StagingChannel struct {
	backend  gpucore.Backend
	upload   stagingRegion
	readback stagingRegion
}

type stagingRegion struct {
	buffer   gpucore.BufferID
	capacity uint64
	cursor   uint64
}

// reserve advances the cursor by size rounded up to whole words.
func (r *stagingRegion) reserve(size uint64, direction string) (uint64, error) {
	padded := alignUp(size, copyAlignment)
	if padded > r.capacity-r.cursor {
		return 0, fmt.Errorf("%w: %s of %d bytes, %d of %d bytes free",
			ErrStagingOverflow, direction, size, r.capacity-r.cursor, r.capacity)
	}
	off := r.cursor
	r.cursor += padded
	return off, nil
}

func newStagingChannel(b gpucore.Backend, capacity uint64) (*StagingChannel, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("gpusort: staging size must be positive")
	}
	capacity = alignUp(capacity, copyAlignment)

	up, err := b.CreateBuffer(gpucore.BufferDesc{
		Label: "gpusort_staging_upload",
		Size:  capacity,
		Usage: gpucore.BufferUsageMapWrite | gpucore.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("gpusort: create upload staging: %w", err)
	}
	down, err := b.CreateBuffer(gpucore.BufferDesc{
		Label: "gpusort_staging_readback",
		Size:  capacity,
		Usage: gpucore.BufferUsageMapRead | gpucore.BufferUsageCopyDst,
	})
	if err != nil {
		b.DestroyBuffer(up)
		return nil, fmt.Errorf("gpusort: create readback staging: %w", err)
	}

	return &StagingChannel{
		backend:  b,
		upload:   stagingRegion{buffer: up, capacity: capacity},
		readback: stagingRegion{buffer: down, capacity: capacity},
	}, nil
}

// stageUpload copies data into the upload region and returns its offset.
func (s *StagingChannel) stageUpload(data []byte) (uint64, error) {
	off, err := s.upload.reserve(uint64(len(data)), "upload")
	if err != nil {
		return 0, err
	}
	if err := s.backend.WriteBuffer(s.upload.buffer, off, data); err != nil {
		return 0, fmt.Errorf("gpusort: write staging: %w", err)
	}
	return off, nil
}

// reserveReadback reserves size bytes of the readback region.
func (s *StagingChannel) reserveReadback(size uint64) (uint64, error) {
	return s.readback.reserve(size, "readback")
}

// read copies completed readback bytes to the host.
func (s *StagingChannel) read(offset uint64, dst []byte) error {
	return s.backend.ReadBuffer(s.readback.buffer, offset, dst)
}

func (s *StagingChannel) reset() {
	s.upload.cursor = 0
	s.readback.cursor = 0
}

// Capacity returns the capacity in bytes of each direction.
func (s *StagingChannel) Capacity() uint64 {
	return s.upload.capacity
}

// Pending returns the bytes staged for upload and reserved for readback
// by the current batch.
func (s *StagingChannel) Pending() (upload, readback uint64) {
	return s.upload.cursor, s.readback.cursor
}

func (s *StagingChannel) release() {
	s.backend.DestroyBuffer(s.upload.buffer)
	s.backend.DestroyBuffer(s.readback.buffer)
	s.upload = stagingRegion{}
	s.readback = stagingRegion{}
}
