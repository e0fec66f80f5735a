package software

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gpusort/gpucore"
	"github.com/gogpu/gpusort/kernels"
)

func newTestBackend(t *testing.T, cfg gpucore.Config, opts Options) *Backend {
	t.Helper()
	b := New(cfg, opts)
	if err := b.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func mustBuffer(t *testing.T, b *Backend, size uint64, usage gpucore.BufferUsage) gpucore.BufferID {
	t.Helper()
	id, err := b.CreateBuffer(gpucore.BufferDesc{Label: "test", Size: size, Usage: usage})
	if err != nil {
		t.Fatalf("CreateBuffer(%d) error = %v", size, err)
	}
	return id
}

func mustKernel(t *testing.T, b *Backend, name string) gpucore.KernelID {
	t.Helper()
	id, err := b.CreateKernel(gpucore.KernelDesc{Label: name, Program: &gpucore.Program{Name: name}})
	if err != nil {
		t.Fatalf("CreateKernel(%s) error = %v", name, err)
	}
	return id
}

func words(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

func bytesOf(w []uint32) []byte {
	out := make([]byte, 4*len(w))
	for i, v := range w {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

func bind(id gpucore.BufferID, offset, size uint64) gpucore.BufferBinding {
	return gpucore.BufferBinding{Buffer: id, Offset: offset, Size: size}
}

// run records fn, submits and waits.
func run(t *testing.T, b *Backend, fn func(enc gpucore.Encoder)) error {
	t.Helper()
	enc, err := b.NewEncoder("test")
	if err != nil {
		t.Fatalf("NewEncoder() error = %v", err)
	}
	fn(enc)
	cmd, err := enc.Finish()
	if err != nil {
		return err
	}
	f, err := b.Submit(cmd)
	if err != nil {
		return err
	}
	defer b.Release(f)
	return b.Wait(context.Background(), f)
}

const (
	hostWrite = gpucore.BufferUsageMapWrite | gpucore.BufferUsageCopySrc
	hostRead  = gpucore.BufferUsageMapRead | gpucore.BufferUsageCopyDst
	device    = gpucore.BufferUsageStorage | gpucore.BufferUsageCopySrc | gpucore.BufferUsageCopyDst
)

func TestBackend_Registered(t *testing.T) {
	if !gpucore.IsRegistered(gpucore.BackendSoftware) {
		t.Fatal("software backend not registered")
	}
	b, err := gpucore.Open(gpucore.BackendSoftware, gpucore.Config{Workers: 2})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer b.Close()
	if b.Name() != gpucore.BackendSoftware {
		t.Errorf("Name() = %q, want %q", b.Name(), gpucore.BackendSoftware)
	}
	if got := b.Limits().MinStorageBufferOffsetAlignment; got != 256 {
		t.Errorf("MinStorageBufferOffsetAlignment = %d, want 256", got)
	}
}

func TestBackend_CopyRoundTrip(t *testing.T) {
	b := newTestBackend(t, gpucore.Config{}, Options{})
	up := mustBuffer(t, b, 64, hostWrite)
	dev := mustBuffer(t, b, 64, device)
	down := mustBuffer(t, b, 64, hostRead)

	want := []uint32{1, 2, 3, 4, 5}
	if err := b.WriteBuffer(up, 8, bytesOf(want)); err != nil {
		t.Fatalf("WriteBuffer() error = %v", err)
	}
	err := run(t, b, func(enc gpucore.Encoder) {
		enc.CopyBufferToBuffer(up, 8, dev, 32, 20)
		enc.Barrier()
		enc.CopyBufferToBuffer(dev, 32, down, 0, 20)
	})
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	got := make([]byte, 20)
	if err := b.ReadBuffer(down, 0, got); err != nil {
		t.Fatalf("ReadBuffer() error = %v", err)
	}
	for i, v := range words(got) {
		if v != want[i] {
			t.Errorf("word %d = %d, want %d", i, v, want[i])
		}
	}
}

func TestBackend_HostAccessRequiresMapUsage(t *testing.T) {
	b := newTestBackend(t, gpucore.Config{}, Options{})
	dev := mustBuffer(t, b, 16, device)

	if err := b.WriteBuffer(dev, 0, []byte{1}); !errors.Is(err, gpucore.ErrNotMappable) {
		t.Errorf("WriteBuffer(device) error = %v, want ErrNotMappable", err)
	}
	if err := b.ReadBuffer(dev, 0, make([]byte, 4)); !errors.Is(err, gpucore.ErrNotMappable) {
		t.Errorf("ReadBuffer(device) error = %v, want ErrNotMappable", err)
	}
	up := mustBuffer(t, b, 16, hostWrite)
	if err := b.WriteBuffer(up, 12, make([]byte, 8)); !errors.Is(err, gpucore.ErrInvalidSubmission) {
		t.Errorf("WriteBuffer(out of range) error = %v, want ErrInvalidSubmission", err)
	}
}

func TestBackend_ResourceExhaustion(t *testing.T) {
	b := newTestBackend(t, gpucore.Config{}, Options{MaxEncoders: 1, MaxBindGroups: 1, MemoryBudget: 1024})

	if _, err := b.CreateBuffer(gpucore.BufferDesc{Size: 2048, Usage: device}); !errors.Is(err, gpucore.ErrResourceExhausted) {
		t.Errorf("CreateBuffer(over budget) error = %v, want ErrResourceExhausted", err)
	}

	enc, err := b.NewEncoder("first")
	if err != nil {
		t.Fatalf("NewEncoder() error = %v", err)
	}
	if _, err := b.NewEncoder("second"); !errors.Is(err, gpucore.ErrResourceExhausted) {
		t.Errorf("NewEncoder(second) error = %v, want ErrResourceExhausted", err)
	}
	enc.Discard()
	enc2, err := b.NewEncoder("after discard")
	if err != nil {
		t.Errorf("NewEncoder() after Discard error = %v", err)
	} else {
		enc2.Discard()
	}

	buf := mustBuffer(t, b, 512, device)
	k := mustKernel(t, b, kernels.Count)
	binds := []gpucore.BufferBinding{bind(buf, 0, 256), bind(buf, 256, 128), bind(buf, 384, 128)}
	if _, err := b.CreateBindGroup(k, binds); err != nil {
		t.Fatalf("CreateBindGroup() error = %v", err)
	}
	if _, err := b.CreateBindGroup(k, binds); !errors.Is(err, gpucore.ErrResourceExhausted) {
		t.Errorf("CreateBindGroup(second) error = %v, want ErrResourceExhausted", err)
	}
}

func TestBackend_UnknownKernel(t *testing.T) {
	b := newTestBackend(t, gpucore.Config{}, Options{})
	_, err := b.CreateKernel(gpucore.KernelDesc{Program: &gpucore.Program{Name: "bitonic"}})
	if !errors.Is(err, gpucore.ErrUnknownKernel) {
		t.Errorf("CreateKernel(bitonic) error = %v, want ErrUnknownKernel", err)
	}
}

func TestBackend_ValidationMissingBarrier(t *testing.T) {
	for _, validation := range []bool{true, false} {
		b := newTestBackend(t, gpucore.Config{Validation: validation}, Options{})
		up := mustBuffer(t, b, 64, hostWrite)
		dev := mustBuffer(t, b, 64, device)
		down := mustBuffer(t, b, 64, hostRead)

		enc, err := b.NewEncoder("hazard")
		if err != nil {
			t.Fatal(err)
		}
		enc.CopyBufferToBuffer(up, 0, dev, 0, 64)
		enc.CopyBufferToBuffer(dev, 0, down, 0, 64) // reads what the first copy wrote
		_, err = enc.Finish()
		if validation && !errors.Is(err, gpucore.ErrInvalidSubmission) {
			t.Errorf("validation: Finish() error = %v, want ErrInvalidSubmission", err)
		}
		if !validation && err != nil {
			t.Errorf("no validation: Finish() error = %v, want nil", err)
		}

		// Disjoint ranges need no barrier.
		err = run(t, b, func(enc gpucore.Encoder) {
			enc.CopyBufferToBuffer(up, 0, dev, 0, 32)
			enc.CopyBufferToBuffer(up, 32, dev, 32, 32)
		})
		if err != nil {
			t.Errorf("validation=%v: disjoint copies error = %v", validation, err)
		}
	}
}

func TestBackend_RejectsBadSubmissions(t *testing.T) {
	b := newTestBackend(t, gpucore.Config{}, Options{})
	dev := mustBuffer(t, b, 64, device)

	err := run(t, b, func(enc gpucore.Encoder) {
		enc.CopyBufferToBuffer(dev, 0, dev, 48, 32)
	})
	if !errors.Is(err, gpucore.ErrInvalidSubmission) {
		t.Errorf("out-of-range copy error = %v, want ErrInvalidSubmission", err)
	}

	k := mustKernel(t, b, kernels.Count)
	err = run(t, b, func(enc gpucore.Encoder) {
		enc.Dispatch(k, 9999, 1, gpucore.PushConstants{})
	})
	if !errors.Is(err, gpucore.ErrInvalidID) {
		t.Errorf("unknown bind group error = %v, want ErrInvalidID", err)
	}

	if _, err := b.Submit(nil); !errors.Is(err, gpucore.ErrInvalidSubmission) {
		t.Errorf("Submit(nil) error = %v, want ErrInvalidSubmission", err)
	}
}

func TestBackend_LoseDevice(t *testing.T) {
	b := newTestBackend(t, gpucore.Config{}, Options{})
	b.LoseDevice()

	err := run(t, b, func(enc gpucore.Encoder) { enc.Barrier() })
	if !errors.Is(err, gpucore.ErrDeviceLost) {
		t.Errorf("submit after loss error = %v, want ErrDeviceLost", err)
	}
}

func TestBackend_KernelPanicLosesDevice(t *testing.T) {
	RegisterKernel("test_fault", func(inv *Invocation) {
		_ = inv.Bindings[0][1<<20] // out of range
	})
	b := newTestBackend(t, gpucore.Config{}, Options{})
	buf := mustBuffer(t, b, 768, device)
	k := mustKernel(t, b, "test_fault")
	bg, err := b.CreateBindGroup(k, []gpucore.BufferBinding{bind(buf, 0, 256), bind(buf, 256, 256), bind(buf, 512, 256)})
	if err != nil {
		t.Fatal(err)
	}

	err = run(t, b, func(enc gpucore.Encoder) { enc.Dispatch(k, bg, 4, gpucore.PushConstants{}) })
	if !errors.Is(err, gpucore.ErrDeviceLost) {
		t.Errorf("faulting kernel error = %v, want ErrDeviceLost", err)
	}
	err = run(t, b, func(enc gpucore.Encoder) { enc.Barrier() })
	if !errors.Is(err, gpucore.ErrDeviceLost) {
		t.Errorf("submit after fault error = %v, want ErrDeviceLost", err)
	}
}

func TestBackend_PollAndWaitTimeout(t *testing.T) {
	release := make(chan struct{})
	RegisterKernel("test_block", func(*Invocation) { <-release })

	b := newTestBackend(t, gpucore.Config{Workers: 1}, Options{})
	buf := mustBuffer(t, b, 768, device)
	k := mustKernel(t, b, "test_block")
	bg, err := b.CreateBindGroup(k, []gpucore.BufferBinding{bind(buf, 0, 256), bind(buf, 256, 256), bind(buf, 512, 256)})
	if err != nil {
		t.Fatal(err)
	}

	enc, _ := b.NewEncoder("blocking")
	enc.Dispatch(k, bg, 1, gpucore.PushConstants{})
	cmd, err := enc.Finish()
	if err != nil {
		t.Fatal(err)
	}
	f, err := b.Submit(cmd)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Release(f)

	if done, err := b.Poll(f); done || err != nil {
		t.Errorf("Poll() = %v, %v, want false, nil", done, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Wait(ctx, f); !errors.Is(err, gpucore.ErrWaitTimeout) {
		t.Errorf("Wait() error = %v, want ErrWaitTimeout", err)
	}

	close(release)
	if err := b.Wait(context.Background(), f); err != nil {
		t.Errorf("Wait() after release error = %v", err)
	}
	if done, err := b.Poll(f); !done || err != nil {
		t.Errorf("Poll() after completion = %v, %v, want true, nil", done, err)
	}
}

func TestBackend_SubmissionsRunInOrder(t *testing.T) {
	b := newTestBackend(t, gpucore.Config{}, Options{})
	up := mustBuffer(t, b, 8, hostWrite)
	dev := mustBuffer(t, b, 4, device)
	down := mustBuffer(t, b, 4, hostRead)
	if err := b.WriteBuffer(up, 0, bytesOf([]uint32{1, 2})); err != nil {
		t.Fatal(err)
	}

	var fences []gpucore.Fence
	for _, off := range []uint64{0, 4} {
		enc, _ := b.NewEncoder("ordered")
		enc.CopyBufferToBuffer(up, off, dev, 0, 4)
		cmd, err := enc.Finish()
		if err != nil {
			t.Fatal(err)
		}
		f, err := b.Submit(cmd)
		if err != nil {
			t.Fatal(err)
		}
		fences = append(fences, f)
	}
	for _, f := range fences {
		if err := b.Wait(context.Background(), f); err != nil {
			t.Fatal(err)
		}
		b.Release(f)
	}
	if err := run(t, b, func(enc gpucore.Encoder) { enc.CopyBufferToBuffer(dev, 0, down, 0, 4) }); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4)
	_ = b.ReadBuffer(down, 0, got)
	if w := words(got)[0]; w != 2 {
		t.Errorf("last write = %d, want 2 (second submission)", w)
	}
}
