package main

import (
	"sync"
	"sync/atomic"
)

// ==================== BARRIER ====================

// Barrier is a reusable rendezvous for a fixed number of parties. The last
// arrival of a generation resets the count and wakes everybody else.
type Barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	arrived    int
	generation uint64
}

func NewBarrier(parties int) *Barrier {
	if parties < 1 {
		parties = 1
	}
	b := &Barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Await blocks until all parties have called Await for the current
// generation.
func (b *Barrier) Await() {
	b.mu.Lock()
	gen := b.generation
	b.arrived++
	if b.arrived == b.parties {
		b.arrived = 0
		b.generation++
		b.cond.Broadcast()
	} else {
		for gen == b.generation {
			b.cond.Wait()
		}
	}
	b.mu.Unlock()
}

// Generation returns how many times the barrier has opened.
func (b *Barrier) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// ==================== WORKER POOL ====================

// WorkerPool runs a fixed cohort of long-lived workers that share one
// barrier. Workers are started once per Run and live for the whole run.
type WorkerPool struct {
	workers int
	barrier *Barrier
	wg      sync.WaitGroup
	errs    []error

	activeWorkers int64
	totalRuns     int64
}

func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers: workers,
		barrier: NewBarrier(workers),
		errs:    make([]error, workers),
	}
}

func (wp *WorkerPool) Workers() int      { return wp.workers }
func (wp *WorkerPool) Barrier() *Barrier { return wp.barrier }

// Run starts one goroutine per worker id, waits for all of them and returns
// the error of the lowest worker id that failed.
func (wp *WorkerPool) Run(fn func(id int) error) error {
	for i := range wp.errs {
		wp.errs[i] = nil
	}

	atomic.AddInt64(&wp.totalRuns, 1)
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i, fn)
	}
	wp.wg.Wait()

	for _, err := range wp.errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (wp *WorkerPool) worker(id int, fn func(id int) error) {
	defer wp.wg.Done()

	atomic.AddInt64(&wp.activeWorkers, 1)
	defer atomic.AddInt64(&wp.activeWorkers, -1)

	wp.errs[id] = fn(id)
}

func (wp *WorkerPool) GetStats() (active int64, runs int64) {
	return atomic.LoadInt64(&wp.activeWorkers), atomic.LoadInt64(&wp.totalRuns)
}
