// Package parallel runs index-range loops on a persistent set of worker
// goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Threshold is the minimum item count to use parallel processing.
// Below this, single-threaded is faster due to goroutine overhead.
const Threshold = 64

// ChunkFunc processes items [start, end). worker identifies the goroutine
// running the chunk so callers can index per-worker scratch buffers.
type ChunkFunc func(worker, start, end int)

// workChunk represents a range of items for a worker to process.
type workChunk struct {
	start, end int
	fn         ChunkFunc
}

// Pool splits loops into one contiguous chunk per worker. A Pool serves one
// caller at a time: For must not be called concurrently on the same Pool.
type Pool struct {
	numWorkers int

	// Worker pool channels
	workChan chan workChunk // sends work to workers
	doneChan chan struct{}  // workers signal completion
	stopChan chan struct{}  // signals workers to exit
	wg       sync.WaitGroup // tracks active workers
	running  bool           // true if workers are running
}

// NewPool creates a pool with n workers, or GOMAXPROCS workers when n <= 0.
// Workers start lazily on the first parallel loop.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &Pool{numWorkers: n}
}

// Workers returns the number of workers, which bounds the worker argument
// passed to ChunkFunc.
func (p *Pool) Workers() int { return p.numWorkers }

// start launches persistent worker goroutines.
func (p *Pool) start() {
	if p.running {
		return
	}

	p.workChan = make(chan workChunk, p.numWorkers)
	p.doneChan = make(chan struct{}, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Close signals all workers to exit and waits for them. The pool may be
// reused afterwards; workers restart on the next parallel loop.
func (p *Pool) Close() {
	if !p.running {
		return
	}

	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	close(p.doneChan)
	p.running = false
}

// worker runs in a goroutine, processing chunks until stopped.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case chunk, ok := <-p.workChan:
			if !ok {
				return
			}
			chunk.fn(id, chunk.start, chunk.end)
			p.doneChan <- struct{}{}
		}
	}
}

// For runs fn over [0, n) and returns when every chunk has finished.
// Chunks never overlap, so fn may write to per-index slots without locking.
func (p *Pool) For(n int, fn ChunkFunc) {
	if n <= 0 {
		return
	}
	if n < Threshold || p.numWorkers == 1 {
		fn(0, 0, n)
		return
	}

	p.start()

	chunkSize := (n + p.numWorkers - 1) / p.numWorkers

	// Dispatch chunks to workers
	dispatched := 0
	for w := 0; w < p.numWorkers; w++ {
		start := w * chunkSize
		end := min(start+chunkSize, n)
		if start >= end {
			continue
		}
		p.workChan <- workChunk{start: start, end: end, fn: fn}
		dispatched++
	}

	// Wait for all chunks to complete
	for i := 0; i < dispatched; i++ {
		<-p.doneChan
	}
}
