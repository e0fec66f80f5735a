package parallel

import (
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
)

func TestWorkerPool_Create(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}
	if !pool.IsRunning() {
		t.Error("Pool should be running after creation")
	}
}

func TestWorkerPool_CreateZeroWorkers(t *testing.T) {
	pool := NewWorkerPool(0)
	defer pool.Close()

	expected := runtime.GOMAXPROCS(0)
	if pool.Workers() != expected {
		t.Errorf("Workers() = %d, want %d (GOMAXPROCS)", pool.Workers(), expected)
	}
}

func TestWorkerPool_DispatchCoversEveryIndex(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		n       int
	}{
		{"empty", 4, 0},
		{"single", 4, 1},
		{"fewer than workers", 8, 3},
		{"uneven", 4, 1001},
		{"one worker", 1, 500},
		{"many", 3, 39063},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewWorkerPool(tt.workers)
			defer pool.Close()

			hits := make([]atomic.Int32, tt.n)
			if err := pool.Dispatch(tt.n, func(i int) { hits[i].Add(1) }); err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			for i := range hits {
				if got := hits[i].Load(); got != 1 {
					t.Fatalf("index %d ran %d times, want 1", i, got)
				}
			}
		})
	}
}

func TestWorkerPool_DispatchRecoversPanic(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var ran atomic.Int32
	err := pool.Dispatch(100, func(i int) {
		if i == 42 {
			panic("boom")
		}
		ran.Add(1)
	})

	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("Dispatch() error = %v, want *PanicError", err)
	}
	if pe.Index != 42 {
		t.Errorf("PanicError.Index = %d, want 42", pe.Index)
	}
	if ran.Load() == 0 {
		t.Error("no invocation completed")
	}

	// The pool survives and keeps working.
	var after atomic.Int32
	if err := pool.Dispatch(10, func(int) { after.Add(1) }); err != nil {
		t.Fatalf("Dispatch() after panic error = %v", err)
	}
	if after.Load() != 10 {
		t.Errorf("after panic ran %d, want 10", after.Load())
	}
}

func TestWorkerPool_DispatchAfterClose(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()
	pool.Close() // idempotent

	if pool.IsRunning() {
		t.Error("IsRunning() = true after Close")
	}

	var count atomic.Int32
	if err := pool.Dispatch(5, func(int) { count.Add(1) }); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if count.Load() != 5 {
		t.Errorf("count = %d, want 5 (inline execution)", count.Load())
	}
}

func TestWorkerPool_ConcurrentDispatch(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var total atomic.Int64
	done := make(chan error, 4)
	for range 4 {
		go func() {
			done <- pool.Dispatch(250, func(int) { total.Add(1) })
		}()
	}
	for range 4 {
		if err := <-done; err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}
	if total.Load() != 1000 {
		t.Errorf("total = %d, want 1000", total.Load())
	}
}

func BenchmarkWorkerPool_Dispatch(b *testing.B) {
	pool := NewWorkerPool(0)
	defer pool.Close()

	var sink atomic.Int64
	for b.Loop() {
		_ = pool.Dispatch(4096, func(i int) { sink.Add(int64(i)) })
	}
}
