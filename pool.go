package cerver

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// JobKind tags the work carried by a Job.
type JobKind int

const (
	JobPacket JobKind = iota // packet from a registered connection
	JobOnHold                // packet from a connection waiting for authentication
	JobCustom                // arbitrary function
)

func (k JobKind) String() string {
	switch k {
	case JobPacket:
		return "packet"
	case JobOnHold:
		return "on-hold"
	case JobCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Job is one unit of work for the WorkerPool.
type Job struct {
	Kind   JobKind
	Packet *Packet // JobPacket and JobOnHold
	Fn     func()  // JobCustom

	// Key pins the job to one worker. Jobs sharing a non zero Key run in submit order.
	// A zero Key picks workers round robin.
	Key uint64
}

// WorkerPool runs jobs on a fixed set of goroutines.
// Each worker owns a FIFO queue, Submit never blocks.
type WorkerPool struct {
	workers  []*worker
	run      func(Job)
	maxDepth int
	next     uint64
	pending  int64
	wg       sync.WaitGroup
	stopOnce sync.Once

	// OnPanic is called with the recovered value when a job panics.
	OnPanic func(job Job, r interface{})
}

type worker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    *queue.Queue
	stopped bool
}

// NewWorkerPool starts size workers calling run for every job.
// A size <= 0 uses runtime.NumCPU().
// maxDepth bounds each worker queue, 0 leaves the queues unbounded.
func NewWorkerPool(size, maxDepth int, run func(Job)) *WorkerPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &WorkerPool{
		workers:  make([]*worker, size),
		run:      run,
		maxDepth: maxDepth,
	}
	for i := range p.workers {
		w := &worker{jobs: queue.New()}
		w.cond = sync.NewCond(&w.mu)
		p.workers[i] = w
		p.wg.Add(1)
		go p.loop(w)
	}
	return p
}

// Workers returns the number of workers.
func (p *WorkerPool) Workers() int { return len(p.workers) }

// Pending returns the number of queued jobs not started yet.
func (p *WorkerPool) Pending() int { return int(atomic.LoadInt64(&p.pending)) }

// Submit enqueues job.
// Returns ErrPoolStopped after Stop and ErrQueueFull when the worker queue is at its depth limit.
func (p *WorkerPool) Submit(job Job) error {
	w := p.pick(job.Key)
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrPoolStopped
	}
	if p.maxDepth > 0 && w.jobs.Length() >= p.maxDepth {
		w.mu.Unlock()
		return ErrQueueFull
	}
	w.jobs.Add(job)
	atomic.AddInt64(&p.pending, 1)
	w.mu.Unlock()
	w.cond.Signal()
	return nil
}

// Stop stops accepting jobs and waits until the queued ones ran.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		for _, w := range p.workers {
			w.mu.Lock()
			w.stopped = true
			w.mu.Unlock()
			w.cond.Broadcast()
		}
	})
	p.wg.Wait()
}

func (p *WorkerPool) pick(key uint64) *worker {
	if key == 0 {
		key = atomic.AddUint64(&p.next, 1)
	}
	return p.workers[key%uint64(len(p.workers))]
}

func (p *WorkerPool) loop(w *worker) {
	defer p.wg.Done()
	for {
		w.mu.Lock()
		for w.jobs.Length() == 0 && !w.stopped {
			w.cond.Wait()
		}
		if w.jobs.Length() == 0 {
			w.mu.Unlock()
			return
		}
		job := w.jobs.Remove().(Job)
		atomic.AddInt64(&p.pending, -1)
		w.mu.Unlock()
		p.exec(job)
	}
}

func (p *WorkerPool) exec(job Job) {
	defer func() {
		if r := recover(); r != nil && p.OnPanic != nil {
			p.OnPanic(job, r)
		}
	}()
	p.run(job)
}
