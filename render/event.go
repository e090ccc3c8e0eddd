package render

import "sync"

// RendererEvent is a unit of work scheduled to run on the render thread.
//
// Events pass through the same ordered queue as frame-update messages, so
// an event submitted after a frame trigger is guaranteed to observe that
// frame's effects and vice versa.
type RendererEvent interface {
	Run(t *Thread, window WindowID)
}

// EventFunc adapts a function to the RendererEvent interface.
type EventFunc func(t *Thread, window WindowID)

// Run calls f.
func (f EventFunc) Run(t *Thread, window WindowID) { f(t, window) }

// queueItem pairs an event with its target window.
type queueItem struct {
	window WindowID
	event  RendererEvent
}

// eventQueue is the render thread's single ordered queue. It is unbounded
// so producers never block: backpressure on frame production is handled
// cooperatively through the pending-frame count, not by stalling the
// producer at the queue.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []queueItem
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends an item. Reports false if the queue has been closed.
func (q *eventQueue) push(item queueItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// pop blocks until an item is available or the queue is closed and
// drained. The second result is false only when no more items will ever
// arrive.
func (q *eventQueue) pop() (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return queueItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// close rejects further pushes. Items already queued still drain.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// len returns the number of queued items.
func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
