package pool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewDefaultsToGOMAXPROCS(t *testing.T) {
	p := New(0)
	defer p.Close()
	if p.Workers() != runtime.GOMAXPROCS(0) {
		t.Errorf("expected %d workers, got %d", runtime.GOMAXPROCS(0), p.Workers())
	}
}

func TestNewLowPriorityHalvesWorkers(t *testing.T) {
	p := NewLowPriority(8)
	defer p.Close()
	if p.Workers() != 4 {
		t.Errorf("expected 4 workers, got %d", p.Workers())
	}

	lp := NewLowPriority(1)
	defer lp.Close()
	if lp.Workers() != 1 {
		t.Errorf("expected at least 1 worker, got %d", lp.Workers())
	}
}

func TestSubmitRunsAllTasks(t *testing.T) {
	p := New(4)
	defer p.Close()

	const tasks = 200
	var done atomic.Int64
	var wg sync.WaitGroup
	wg.Add(tasks)
	for range tasks {
		if !p.Submit(func() {
			done.Add(1)
			wg.Done()
		}) {
			t.Fatal("Submit failed on a running pool")
		}
	}
	wg.Wait()
	if done.Load() != tasks {
		t.Errorf("expected %d tasks run, got %d", tasks, done.Load())
	}
}

func TestConcurrentSubmitters(t *testing.T) {
	p := New(2)
	defer p.Close()

	var done atomic.Int64
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				p.Submit(func() { done.Add(1) })
			}
		}()
	}
	wg.Wait()
	p.Close()
	if done.Load() != 8*50 {
		t.Errorf("expected %d tasks run, got %d", 8*50, done.Load())
	}
}

func TestCloseDrainsQueuedTasks(t *testing.T) {
	p := New(1)

	// Six tasks fit in the single worker's queue while it is blocked.
	var done atomic.Int64
	gate := make(chan struct{})
	p.Submit(func() { <-gate })
	for range 6 {
		p.Submit(func() { done.Add(1) })
	}
	close(gate)

	p.Close()
	if done.Load() != 6 {
		t.Errorf("queued tasks must run before Close returns, got %d of 6", done.Load())
	}
}

func TestSubmitAfterClose(t *testing.T) {
	p := New(1)
	p.Close()
	if p.Submit(func() {}) {
		t.Error("Submit after Close should report failure")
	}
	// Close is idempotent.
	p.Close()
}

func TestWorkStealing(t *testing.T) {
	p := New(2)
	defer p.Close()

	// Block one worker; tasks round-robined to its queue must still
	// complete via stealing.
	gate := make(chan struct{})
	defer close(gate)
	p.Submit(func() { <-gate })

	var done atomic.Int64
	for range 20 {
		p.Submit(func() { done.Add(1) })
	}

	deadline := time.After(2 * time.Second)
	for done.Load() != 20 {
		select {
		case <-deadline:
			t.Fatalf("tasks starved behind a blocked worker: %d of 20", done.Load())
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
