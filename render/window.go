package render

import (
	"time"

	webrender "github.com/declantsien/webrender-native"
)

// WindowID identifies one independently composited window.
type WindowID uint64

// VsyncID is the timing token a frame request originated from.
type VsyncID uint64

// pendingFrameInfo is one in-flight frame request. It is never mutated
// after creation except for the needsRender flag.
type pendingFrameInfo struct {
	startTime   time.Time
	startID     VsyncID
	needsRender bool
}

// windowInfo is the per-window mutable state. Read and written only while
// holding the window info map's lock. If a render is in flight, the front
// of pendingFrames is the frame being rendered.
type windowInfo struct {
	pendingFrames     []pendingFrameInfo
	pendingFrameBuild int
	isDestroyed       bool
}

func (w *windowInfo) pendingCount() int { return len(w.pendingFrames) }

// IncPendingFrameCount appends a pending frame for the window and bumps
// its scene-build counter. Callable from any goroutine.
//
// Increments targeting a destroyed or unknown window are silently dropped.
func (t *Thread) IncPendingFrameCount(window WindowID, startID VsyncID, startTime time.Time) {
	t.windowMu.Lock()
	defer t.windowMu.Unlock()

	info, ok := t.windows[window]
	if !ok || info.isDestroyed {
		return
	}
	info.pendingFrameBuild++
	info.pendingFrames = append(info.pendingFrames, pendingFrameInfo{
		startTime: startTime,
		startID:   startID,
	})
}

// DecPendingFrameBuildCount records that a scene build for the window's
// front pending frame has completed. Callable from any goroutine. This is
// a separate counter from render completion so build latency and render
// latency can be tracked independently.
func (t *Thread) DecPendingFrameBuildCount(window WindowID) {
	t.windowMu.Lock()
	defer t.windowMu.Unlock()

	info, ok := t.windows[window]
	if !ok {
		return
	}
	if info.pendingFrameBuild == 0 {
		webrender.Logger().Warn("pending frame build underflow", "window", uint64(window))
		return
	}
	info.pendingFrameBuild--
}

// TooManyPendingFrames reports whether the window's pending-frame queue
// exceeds the configured threshold. Callable from any goroutine.
//
// Producers consult this before requesting a new frame and coalesce or
// drop the request when it reports true. Backpressure is cooperative:
// nothing blocks a producer that ignores it.
func (t *Thread) TooManyPendingFrames(window WindowID) bool {
	t.windowMu.Lock()
	defer t.windowMu.Unlock()

	info, ok := t.windows[window]
	if !ok {
		return false
	}
	return info.pendingCount() > t.opts.MaxPendingFrames
}

// PendingFrameCount returns the window's current pending-frame count.
// Callable from any goroutine.
func (t *Thread) PendingFrameCount(window WindowID) int {
	t.windowMu.Lock()
	defer t.windowMu.Unlock()

	info, ok := t.windows[window]
	if !ok {
		return 0
	}
	return info.pendingCount()
}

// SetDestroyed marks the window destroyed. Callable from any goroutine.
// The transition is one-way and terminal: all further render and
// pending-frame operations for the window are rejected.
func (t *Thread) SetDestroyed(window WindowID) {
	t.windowMu.Lock()
	defer t.windowMu.Unlock()

	if info, ok := t.windows[window]; ok {
		info.isDestroyed = true
	}
}

// IsDestroyed reports whether the window has been marked destroyed.
// Callable from any goroutine. Unknown windows report true: there is
// nothing left to operate on.
func (t *Thread) IsDestroyed(window WindowID) bool {
	t.windowMu.Lock()
	defer t.windowMu.Unlock()

	info, ok := t.windows[window]
	if !ok {
		return true
	}
	return info.isDestroyed
}

// frontPendingFrame returns a copy of the window's front pending frame,
// after OR-ing needsRender into it.
func (t *Thread) frontPendingFrame(window WindowID, needsRender bool) (pendingFrameInfo, bool) {
	t.windowMu.Lock()
	defer t.windowMu.Unlock()

	info, ok := t.windows[window]
	if !ok || info.pendingCount() == 0 {
		return pendingFrameInfo{}, false
	}
	if needsRender {
		info.pendingFrames[0].needsRender = true
	}
	return info.pendingFrames[0], true
}

// popPendingFrame consumes the front pending frame once its render has
// completed or been dropped. The pop only happens when the queue is
// non-empty and the front entry carries startID; a stale id leaves the
// queue untouched.
func (t *Thread) popPendingFrame(window WindowID, startID VsyncID) {
	t.windowMu.Lock()
	defer t.windowMu.Unlock()

	info, ok := t.windows[window]
	if !ok || info.pendingCount() == 0 {
		return
	}
	if info.pendingFrames[0].startID != startID {
		webrender.Logger().Debug("pending frame id mismatch",
			"window", uint64(window),
			"front", uint64(info.pendingFrames[0].startID),
			"completed", uint64(startID))
		return
	}
	info.pendingFrames = info.pendingFrames[1:]
}

// addWindowInfo registers bookkeeping for a new window. Render thread only
// (callers hold no lock; the map has its own).
func (t *Thread) addWindowInfo(window WindowID) {
	t.windowMu.Lock()
	defer t.windowMu.Unlock()

	if _, ok := t.windows[window]; ok {
		webrender.Logger().Warn("window info already exists", "window", uint64(window))
		return
	}
	t.windows[window] = &windowInfo{}
}

// removeWindowInfo drops bookkeeping for a removed window, discarding any
// frames still pending.
func (t *Thread) removeWindowInfo(window WindowID) {
	t.windowMu.Lock()
	defer t.windowMu.Unlock()

	delete(t.windows, window)
}
