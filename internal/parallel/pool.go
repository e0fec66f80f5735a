// Package parallel runs workgroups of a host-emulated dispatch across a
// fixed set of goroutines.
package parallel

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool is a pool of goroutines executing dispatch chunks.
//
// Each worker owns a queue. A worker whose queue is empty steals from the
// other queues before blocking, which keeps uneven workgroups (the last
// partial block of a dispatch) from stalling the rest.
//
// Thread safety: WorkerPool is safe for concurrent use.
type WorkerPool struct {
	workers    int
	workQueues []chan func()
	done       chan struct{}
	wg         sync.WaitGroup
	running    atomic.Bool
}

// NewWorkerPool creates a new worker pool with the specified number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	queueSize := max(workers*4, 8)

	p := &WorkerPool{
		workers:    workers,
		workQueues: make([]chan func(), workers),
		done:       make(chan struct{}),
	}
	for i := range workers {
		p.workQueues[i] = make(chan func(), queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	own := p.workQueues[id]
	for {
		select {
		case <-p.done:
			p.drain(own)
			return
		case work := <-own:
			work()
		default:
			if stolen := p.steal(id); stolen != nil {
				stolen()
				continue
			}
			select {
			case <-p.done:
				p.drain(own)
				return
			case work := <-own:
				work()
			}
		}
	}
}

func (p *WorkerPool) drain(queue chan func()) {
	for {
		select {
		case work := <-queue:
			work()
		default:
			return
		}
	}
}

func (p *WorkerPool) steal(self int) func() {
	for i := range p.workers {
		if i == self {
			continue
		}
		select {
		case work := <-p.workQueues[i]:
			return work
		default:
		}
	}
	return nil
}

// PanicError reports a panic raised by one invocation of a dispatch.
type PanicError struct {
	Index int
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("parallel: invocation %d panicked: %v", e.Index, e.Value)
}

// chunksPerWorker controls dispatch granularity: enough chunks for stealing
// to balance load, few enough that queueing stays cheap.
const chunksPerWorker = 4

// Dispatch calls fn(i) for every i in [0, n) and waits for all calls to
// return. Calls run concurrently in no particular order. A panicking call
// does not bring down the pool: the first panic is returned as a
// *PanicError after the remaining calls finish.
//
// If the pool is closed, fn runs on the calling goroutine.
func (p *WorkerPool) Dispatch(n int, fn func(i int)) error {
	if n <= 0 {
		return nil
	}

	var (
		firstPanic atomic.Pointer[PanicError]
		wg         sync.WaitGroup
	)
	runRange := func(lo, hi int) {
		defer wg.Done()
		i := lo
		defer func() {
			if r := recover(); r != nil {
				firstPanic.CompareAndSwap(nil, &PanicError{Index: i, Value: r})
			}
		}()
		for ; i < hi; i++ {
			fn(i)
		}
	}

	if !p.running.Load() || p.workers == 1 || n == 1 {
		wg.Add(1)
		runRange(0, n)
		return panicErr(&firstPanic)
	}

	chunks := min(n, p.workers*chunksPerWorker)
	size := (n + chunks - 1) / chunks
	for c, lo := 0, 0; lo < n; c, lo = c+1, lo+size {
		hi := min(lo+size, n)
		wg.Add(1)
		work := func() { runRange(lo, hi) }
		select {
		case p.workQueues[c%p.workers] <- work:
		case <-p.done:
			work()
		}
	}
	wg.Wait()
	return panicErr(&firstPanic)
}

func panicErr(p *atomic.Pointer[PanicError]) error {
	if e := p.Load(); e != nil {
		return e
	}
	return nil
}

// Close gracefully shuts down the pool. Queued work completes first.
// Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// IsRunning returns true if the pool is still accepting work.
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}
