// Package pools provides the fixed request-processing worker pool and the
// tiered receive-buffer pool the engine allocates from.
package pools

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Task is one unit of work. The executing worker passes its own index so
// the task can address per-worker state, such as the processor clone bound
// to that worker.
type Task func(workerID int)

// WorkerPool runs a fixed set of processing goroutines, one buffered queue
// each, with work stealing between them. The worker count is fixed at
// construction; it is the MaxRequestProcessingThreads of the server.
type WorkerPool struct {
	numWorkers int
	queues     []*workerQueue
	workers    []*worker
	closed     atomic.Bool
	wg         sync.WaitGroup

	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		stealsSuccess  atomic.Uint64
		stealsFailed   atomic.Uint64
	}
}

type workerQueue struct {
	tasks chan Task
	id    int
}

type worker struct {
	id    int
	pool  *WorkerPool
	queue *workerQueue
}

// NewWorkerPool creates a pool of numWorkers processing goroutines. A
// non-positive count falls back to the CPU count.
func NewWorkerPool(numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
		queues:     make([]*workerQueue, numWorkers),
		workers:    make([]*worker, numWorkers),
	}

	for i := 0; i < numWorkers; i++ {
		pool.queues[i] = &workerQueue{
			tasks: make(chan Task, 256),
			id:    i,
		}
	}

	for i := 0; i < numWorkers; i++ {
		w := &worker{
			id:    i,
			pool:  pool,
			queue: pool.queues[i],
		}
		pool.workers[i] = w
		pool.wg.Add(1)
		go w.run()
	}

	return pool
}

// NumWorkers returns the fixed worker count.
func (p *WorkerPool) NumWorkers() int { return p.numWorkers }

// Submit hands a task to the pool using round-robin placement with one
// overflow hop. When every queue is full Submit blocks on the selected
// queue rather than running the task on the calling goroutine: the caller
// (the event loop) holds no worker identity, so inline execution would have
// no per-worker state to run against.
//
// Submit must not be called concurrently with or after Close.
func (p *WorkerPool) Submit(task Task) bool {
	if p.closed.Load() {
		return false
	}

	p.stats.tasksSubmitted.Add(1)
	idx := int(p.stats.tasksSubmitted.Load()) % p.numWorkers

	select {
	case p.queues[idx].tasks <- task:
		return true
	default:
	}

	next := (idx + 1) % p.numWorkers
	select {
	case p.queues[next].tasks <- task:
		return true
	default:
	}

	p.queues[idx].tasks <- task
	return true
}

// InFlight returns submitted-but-not-completed tasks. The shutdown sequence
// polls it before tearing down the processor table.
func (p *WorkerPool) InFlight() uint64 {
	return p.stats.tasksSubmitted.Load() - p.stats.tasksCompleted.Load()
}

func (w *worker) run() {
	defer w.pool.wg.Done()

	// Pinning reduces scheduler migration for the processing goroutines,
	// which hold per-worker processor state.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case task, ok := <-w.queue.tasks:
			if !ok || task == nil {
				return
			}
			task(w.id)
			w.pool.stats.tasksCompleted.Add(1)
			continue
		default:
		}

		if w.trySteal() {
			continue
		}

		task, ok := <-w.queue.tasks
		if !ok || task == nil {
			return
		}
		task(w.id)
		w.pool.stats.tasksCompleted.Add(1)
	}
}

// trySteal runs one task from another worker's queue. The stolen task
// executes under this worker's identity, so it uses this worker's processor
// clone; any queued request may run on any worker.
func (w *worker) trySteal() bool {
	numWorkers := w.pool.numWorkers
	start := (w.id + 1) % numWorkers

	for i := 0; i < numWorkers-1; i++ {
		victim := w.pool.queues[(start+i)%numWorkers]
		select {
		case task := <-victim.tasks:
			if task != nil {
				w.pool.stats.stealsSuccess.Add(1)
				task(w.id)
				w.pool.stats.tasksCompleted.Add(1)
				return true
			}
		default:
		}
	}

	w.pool.stats.stealsFailed.Add(1)
	return false
}

// Close stops the workers after the queued tasks drain. The caller must
// guarantee no further Submit calls; the engine only closes the pool once
// every client is disconnected.
func (p *WorkerPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for _, q := range p.queues {
		close(q.tasks)
	}
}

// Wait blocks until every worker goroutine has exited. Call after Close.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		TasksSubmitted: p.stats.tasksSubmitted.Load(),
		TasksCompleted: p.stats.tasksCompleted.Load(),
		TasksPending:   p.stats.tasksSubmitted.Load() - p.stats.tasksCompleted.Load(),
		StealsSuccess:  p.stats.stealsSuccess.Load(),
		StealsFailed:   p.stats.stealsFailed.Load(),
	}
}

// WorkerPoolStats contains pool statistics.
type WorkerPoolStats struct {
	NumWorkers     int
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksPending   uint64
	StealsSuccess  uint64
	StealsFailed   uint64
}
