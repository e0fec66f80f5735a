package gpucore

import (
	"errors"
	"slices"
	"testing"
)

// stubBackend implements only what the registry touches.
type stubBackend struct {
	Backend
	name    string
	initErr error
}

func (s *stubBackend) Name() string { return s.name }
func (s *stubBackend) Init() error  { return s.initErr }

func register(t *testing.T, name string, f Factory) {
	t.Helper()
	Register(name, f)
	t.Cleanup(func() { Unregister(name) })
}

func stubFactory(name string, initErr error) Factory {
	return func(Config) (Backend, error) {
		return &stubBackend{name: name, initErr: initErr}, nil
	}
}

func TestRegisterUnregister(t *testing.T) {
	const name = "test_register"
	if IsRegistered(name) {
		t.Fatalf("%s registered before test", name)
	}
	register(t, name, stubFactory(name, nil))
	if !IsRegistered(name) {
		t.Error("IsRegistered() = false after Register")
	}
	if !slices.Contains(Available(), name) {
		t.Errorf("Available() = %v, missing %s", Available(), name)
	}
	if !slices.IsSorted(Available()) {
		t.Errorf("Available() = %v, not sorted", Available())
	}

	Unregister(name)
	if IsRegistered(name) {
		t.Error("IsRegistered() = true after Unregister")
	}
}

func TestOpen(t *testing.T) {
	register(t, "test_ok", stubFactory("test_ok", nil))
	register(t, "test_init_fails", stubFactory("test_init_fails", ErrDeviceLost))
	register(t, "test_factory_fails", func(Config) (Backend, error) {
		return nil, ErrResourceExhausted
	})

	b, err := Open("test_ok", Config{})
	if err != nil {
		t.Fatalf("Open(test_ok) error = %v", err)
	}
	if b.Name() != "test_ok" {
		t.Errorf("Name() = %q", b.Name())
	}

	tests := []struct {
		name string
		want error
	}{
		{"test_missing", ErrBackendNotAvailable},
		{"test_init_fails", ErrDeviceLost},
		{"test_factory_fails", ErrResourceExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(tt.name, Config{}); !errors.Is(err, tt.want) {
				t.Errorf("Open() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOpenDefaultPriority(t *testing.T) {
	saved := snapshot()
	t.Cleanup(func() { restore(saved) })
	restore(nil)

	Register(BackendSoftware, stubFactory(BackendSoftware, nil))
	Register(BackendWGPU, stubFactory(BackendWGPU, nil))
	b, err := OpenDefault(Config{})
	if err != nil {
		t.Fatalf("OpenDefault() error = %v", err)
	}
	if b.Name() != BackendWGPU {
		t.Errorf("OpenDefault() picked %q, want %q", b.Name(), BackendWGPU)
	}
}

func TestOpenDefaultFallback(t *testing.T) {
	saved := snapshot()
	t.Cleanup(func() { restore(saved) })
	restore(nil)

	Register(BackendWGPU, stubFactory(BackendWGPU, errors.New("no adapter")))
	Register(BackendSoftware, stubFactory(BackendSoftware, nil))
	b, err := OpenDefault(Config{})
	if err != nil {
		t.Fatalf("OpenDefault() error = %v", err)
	}
	if b.Name() != BackendSoftware {
		t.Errorf("OpenDefault() picked %q, want %q", b.Name(), BackendSoftware)
	}
}

func TestOpenDefaultNoneAvailable(t *testing.T) {
	saved := snapshot()
	t.Cleanup(func() { restore(saved) })
	restore(nil)

	if _, err := OpenDefault(Config{}); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("OpenDefault() on empty registry error = %v", err)
	}

	Register(BackendWGPU, stubFactory(BackendWGPU, ErrDeviceLost))
	_, err := OpenDefault(Config{})
	if !errors.Is(err, ErrBackendNotAvailable) || !errors.Is(err, ErrDeviceLost) {
		t.Errorf("OpenDefault() error = %v, want both ErrBackendNotAvailable and ErrDeviceLost", err)
	}
}

func snapshot() map[string]Factory {
	registryMu.RLock()
	defer registryMu.RUnlock()
	m := make(map[string]Factory, len(factories))
	for k, v := range factories {
		m[k] = v
	}
	return m
}

func restore(m map[string]Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories = make(map[string]Factory, len(m))
	for k, v := range m {
		factories[k] = v
	}
}

func TestLimitsAndBindings(t *testing.T) {
	l := DefaultLimits()
	if l.MaxComputeWorkgroupsPerDimension != 65535 || l.MinStorageBufferOffsetAlignment != 256 {
		t.Errorf("DefaultLimits() = %+v", l)
	}

	a := BufferBinding{Buffer: 1, Offset: 0, Size: 16}
	tests := []struct {
		b    BufferBinding
		want bool
	}{
		{BufferBinding{Buffer: 1, Offset: 8, Size: 16}, true},
		{BufferBinding{Buffer: 1, Offset: 16, Size: 4}, false},
		{BufferBinding{Buffer: 2, Offset: 0, Size: 16}, false},
	}
	for _, tt := range tests {
		if got := a.Overlaps(tt.b); got != tt.want {
			t.Errorf("Overlaps(%+v) = %v, want %v", tt.b, got, tt.want)
		}
	}

	b := PushConstants{ElementCount: 1, BitOffset: 8, ScanOffset: 0x01020304, DigitBits: 3}.Bytes()
	if len(b) != PushConstantSize || b[0] != 1 || b[4] != 8 || b[8] != 0x04 || b[11] != 0x01 || b[12] != 3 {
		t.Errorf("PushConstants.Bytes() = %v", b)
	}

	masks := map[uint32]uint32{0: 0xff, 1: 0x1, 6: 0x3f, 8: 0xff, 9: 0xff}
	for bits, want := range masks {
		if got := (PushConstants{DigitBits: bits}).DigitMask(); got != want {
			t.Errorf("DigitMask(%d) = %#x, want %#x", bits, got, want)
		}
	}
}
