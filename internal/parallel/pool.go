// Package parallel runs host-side post-processing of readback data on a
// fixed set of worker goroutines.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool is a fixed set of goroutines fed from one shared queue.
//
// Thread safety: WorkerPool is safe for concurrent use. Work submitted after
// Close runs on the calling goroutine.
type WorkerPool struct {
	workers int
	queue   chan func()

	// mu is held shared while queueing and exclusively while closing, so no
	// item is queued after the workers drained.
	mu   sync.RWMutex
	done chan struct{}
	wg   sync.WaitGroup

	running atomic.Bool
}

// NewWorkerPool creates a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &WorkerPool{
		workers: workers,
		queue:   make(chan func(), max(workers*4, 8)),
		done:    make(chan struct{}),
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case work := <-p.queue:
			work()
		case <-p.done:
			// Drain remaining work before exiting
			for {
				select {
				case work := <-p.queue:
					work()
				default:
					return
				}
			}
		}
	}
}

// ExecuteAll runs every item and returns when all have completed.
func (p *WorkerPool) ExecuteAll(work []func()) {
	if len(work) == 0 {
		return
	}

	var completion sync.WaitGroup
	completion.Add(len(work))

	p.mu.RLock()
	if !p.running.Load() {
		p.mu.RUnlock()
		for _, fn := range work {
			fn()
			completion.Done()
		}
		return
	}
	for _, fn := range work {
		p.queue <- func() {
			defer completion.Done()
			fn()
		}
	}
	p.mu.RUnlock()

	completion.Wait()
}

// Split divides [0, n) into at most parts contiguous ranges of nearly equal
// length. Each range is [lo, hi).
func Split(n, parts int) [][2]int {
	if n <= 0 {
		return nil
	}
	parts = max(1, min(parts, n))
	ranges := make([][2]int, 0, parts)
	for i := range parts {
		ranges = append(ranges, [2]int{i * n / parts, (i + 1) * n / parts})
	}
	return ranges
}

// Close waits for queued work to finish and stops the workers.
// Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if !p.running.CompareAndSwap(true, false) {
		p.mu.Unlock()
		return
	}
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// IsRunning reports whether Close has not been called.
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}
