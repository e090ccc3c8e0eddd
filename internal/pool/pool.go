// Package pool provides the shared worker pool scene building runs on.
//
// The render thread owns two pools, a regular and a low-priority one, and
// hands them to producers as opaque handles. Scene builds are CPU-bound
// and independent, so work distribution uses per-worker queues with
// stealing to balance uneven build times.
package pool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool runs scene-building tasks on a fixed set of worker goroutines.
//
// Thread safety: Pool is safe for concurrent use.
type Pool struct {
	workers int

	// queues holds per-worker task queues. Each worker primarily pulls
	// from its own queue but steals from others when idle.
	queues []chan func()

	// next selects the submission queue round-robin.
	next atomic.Uint64

	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// New creates a pool with the given number of workers. Zero or negative
// selects GOMAXPROCS. Workers start immediately.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return start(workers)
}

// NewLowPriority creates the low-priority variant used for speculative
// scene builds: half the workers of New, minimum one, so background work
// never saturates the machine.
func NewLowPriority(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = (workers + 1) / 2
	return start(workers)
}

func start(workers int) *Pool {
	// Queue depth of 4x workers hides submission latency without
	// unbounded buildup; backpressure on frames bounds what producers
	// submit anyway.
	depth := workers * 4
	if depth < 8 {
		depth = 8
	}

	p := &Pool{
		workers: workers,
		queues:  make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan func(), depth)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

// Submit queues a task. Reports false when the pool is closed. Submit
// blocks only when every worker queue is full.
func (p *Pool) Submit(task func()) bool {
	if task == nil || !p.running.Load() {
		return false
	}

	// Try each queue non-blocking starting from the round-robin slot.
	n := int(p.next.Add(1))
	for i := range p.workers {
		select {
		case p.queues[(n+i)%p.workers] <- task:
			return true
		default:
		}
	}

	// All full: block on the selected queue.
	select {
	case p.queues[n%p.workers] <- task:
		return true
	case <-p.done:
		return false
	}
}

// Workers returns the worker count.
func (p *Pool) Workers() int { return p.workers }

// Close stops the pool after draining queued tasks. Subsequent Submit
// calls report false.
func (p *Pool) Close() {
	if !p.running.Swap(false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// worker is the main loop for each worker goroutine.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	own := p.queues[id]
	for {
		select {
		case <-p.done:
			p.drain(own)
			return
		case task := <-own:
			if task != nil {
				task()
			}
		default:
			if task := p.steal(id); task != nil {
				task()
				continue
			}
			select {
			case <-p.done:
				p.drain(own)
				return
			case task := <-own:
				if task != nil {
					task()
				}
			}
		}
	}
}

// steal takes one task from another worker's queue, or returns nil.
func (p *Pool) steal(id int) func() {
	for i := 1; i < p.workers; i++ {
		select {
		case task := <-p.queues[(id+i)%p.workers]:
			return task
		default:
		}
	}
	return nil
}

// drain runs everything left in a queue.
func (p *Pool) drain(queue chan func()) {
	for {
		select {
		case task := <-queue:
			if task != nil {
				task()
			}
		default:
			return
		}
	}
}
