package render

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"

	webrender "github.com/declantsien/webrender-native"
	"github.com/declantsien/webrender-native/compositor"
	"github.com/declantsien/webrender-native/internal/pool"
	"github.com/declantsien/webrender-native/programcache"
	"github.com/declantsien/webrender-native/texture"
)

// DefaultMaxPendingFrames is the backpressure threshold used when Options
// leaves it unset. Producers see TooManyPendingFrames once more than this
// many frames are in flight for a window.
const DefaultMaxPendingFrames = 2

// Options configures the render thread.
type Options struct {
	// MaxPendingFrames is the per-window pending-frame threshold for
	// TooManyPendingFrames. Zero selects DefaultMaxPendingFrames.
	MaxPendingFrames int

	// NewDevice constructs the shared GPU device. It runs on the render
	// thread, both at startup and when recovering from device loss.
	// Nil selects compositor.NewDevice.
	NewDevice func() (gpucontext.DeviceProvider, error)

	// ProgramCacheDir enables the on-disk shader program cache when
	// non-empty. A missing or unreadable cache is not an error.
	ProgramCacheDir string

	// SceneBuilderWorkers sizes the shared scene-building worker pool.
	// Zero selects GOMAXPROCS.
	SceneBuilderWorkers int

	// OnError receives faults that could not be recovered, such as a
	// failed device recreation after a reset. May be nil.
	OnError func(error)
}

// DefaultOptions returns options with the stock thresholds and the wgpu
// device factory.
func DefaultOptions() Options {
	return Options{
		MaxPendingFrames: DefaultMaxPendingFrames,
	}
}

// Thread is the render thread. Construct with Start, tear down with
// Shutdown. Every method documents whether it may be called from any
// goroutine or only from the render thread; "render thread only" methods
// reach the thread through RunEvent.
type Thread struct {
	opts  Options
	queue *eventQueue

	// renderGoID identifies the render goroutine, so RunEvent can apply
	// events immediately when already on it.
	renderGoID atomic.Uint64

	hasShutdown atomic.Bool

	// Owned by the render goroutine.
	device      gpucontext.DeviceProvider
	renderers   map[WindowID]*Renderer
	recorders   map[WindowID]*CompositionRecorder
	programs    *programcache.Cache
	surfacePool *SurfacePool

	handlingDeviceReset    bool
	handlingWebRenderError bool

	// Shared with producers under windowMu. Never held across GPU work.
	windowMu sync.Mutex
	windows  map[WindowID]*windowInfo

	registry *texture.Registry

	builders   *pool.Pool
	buildersLP *pool.Pool
}

// Start spawns the render goroutine, creates the shared GPU device on it,
// and loads the program cache. It returns once the thread is ready to
// accept events, or with the device creation error.
func Start(opts Options) (*Thread, error) {
	if opts.MaxPendingFrames <= 0 {
		opts.MaxPendingFrames = DefaultMaxPendingFrames
	}
	if opts.NewDevice == nil {
		opts.NewDevice = func() (gpucontext.DeviceProvider, error) {
			return compositor.NewDevice()
		}
	}

	t := &Thread{
		opts:       opts,
		queue:      newEventQueue(),
		renderers:  make(map[WindowID]*Renderer),
		recorders:  make(map[WindowID]*CompositionRecorder),
		windows:    make(map[WindowID]*windowInfo),
		builders:   pool.New(opts.SceneBuilderWorkers),
		buildersLP: pool.NewLowPriority(opts.SceneBuilderWorkers),
	}
	t.registry = texture.NewRegistry(t)
	t.surfacePool = newSurfacePool()

	initErr := make(chan error, 1)
	go t.loop(initErr)

	if err := <-initErr; err != nil {
		t.builders.Close()
		t.buildersLP.Close()
		return nil, err
	}
	return t, nil
}

// loop is the render goroutine body: device init, then the ordered
// dispatch loop until shutdown drains the queue.
func (t *Thread) loop(initErr chan<- error) {
	// GPU contexts are thread-affine.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	t.renderGoID.Store(goroutineID())

	dev, err := t.opts.NewDevice()
	if err != nil {
		initErr <- fmt.Errorf("render: device init failed: %w", err)
		return
	}
	t.device = dev

	if dir := t.opts.ProgramCacheDir; dir != "" {
		t.programs, err = programcache.Load(dir)
		if err != nil {
			// Cache absence or corruption is never fatal; rebuild.
			webrender.Logger().Warn("program cache unavailable", "dir", dir, "err", err)
			t.programs = programcache.NewEmpty(dir)
		}
	}

	webrender.Logger().Info("render thread started")
	initErr <- nil

	for {
		item, ok := t.queue.pop()
		if !ok {
			return
		}
		item.event.Run(t, item.window)
	}
}

// OnRenderThread reports whether the calling goroutine is the render
// thread. Callable from any goroutine.
func (t *Thread) OnRenderThread() bool {
	return goroutineID() == t.renderGoID.Load()
}

// RunEvent schedules an event targeting the given window. Callable from
// any goroutine; when already on the render thread the event is applied
// immediately instead of queued.
//
// Events for the same window are applied in submission order, interleaved
// with frame-update work in that same order.
func (t *Thread) RunEvent(window WindowID, event RendererEvent) {
	if t.OnRenderThread() {
		event.Run(t, window)
		return
	}
	if t.hasShutdown.Load() || !t.queue.push(queueItem{window: window, event: event}) {
		webrender.Logger().Warn("event submitted after shutdown", "window", uint64(window))
	}
}

// ScheduleRenderTask queues fn onto the ordered queue. It is the
// texture.Scheduler implementation used by the registry's deferred
// destruction. Callable from any goroutine.
func (t *Thread) ScheduleRenderTask(fn func()) {
	t.RunEvent(0, EventFunc(func(*Thread, WindowID) { fn() }))
}

// Registry returns the external texture registry. Callable from any
// goroutine; the registry carries its own lock.
func (t *Thread) Registry() *texture.Registry { return t.registry }

// Device returns the shared GPU device. Render thread only.
func (t *Thread) Device() gpucontext.DeviceProvider { return t.device }

// ProgramCache returns the on-disk shader program cache, or nil when
// disabled. Render thread only.
func (t *Thread) ProgramCache() *programcache.Cache { return t.programs }

// ThreadPool returns the shared scene-building worker pool. Callable from
// any goroutine.
func (t *Thread) ThreadPool() *pool.Pool { return t.builders }

// ThreadPoolLP returns the low-priority scene-building pool. Callable
// from any goroutine.
func (t *Thread) ThreadPoolLP() *pool.Pool { return t.buildersLP }

// SharedSurfacePool returns the pool of reusable staging surfaces. Render
// thread only.
func (t *Thread) SharedSurfacePool() *SurfacePool { return t.surfacePool }

// ClearSharedSurfacePool drops all pooled surfaces. Render thread only.
func (t *Thread) ClearSharedSurfacePool() { t.surfacePool.Clear() }

// AddRenderer installs the renderer for a window and creates its
// bookkeeping. Render thread only.
func (t *Thread) AddRenderer(window WindowID, r *Renderer) {
	t.renderers[window] = r
	t.addWindowInfo(window)
	webrender.Logger().Debug("renderer added", "window", uint64(window))
}

// RemoveRenderer tears down a window's renderer and bookkeeping. Render
// thread only. Removing a window that has no renderer is a no-op, so a
// remove racing a failed add stays harmless.
func (t *Thread) RemoveRenderer(window WindowID) {
	r, ok := t.renderers[window]
	if !ok {
		return
	}
	delete(t.renderers, window)
	delete(t.recorders, window)
	r.Destroy()
	t.removeWindowInfo(window)
	webrender.Logger().Debug("renderer removed", "window", uint64(window))
}

// GetRenderer returns the window's renderer or nil. Render thread only.
func (t *Thread) GetRenderer(window WindowID) *Renderer {
	return t.renderers[window]
}

// RendererCount returns the number of live renderers. Render thread only.
func (t *Thread) RendererCount() int {
	return len(t.renderers)
}

// HandleFrameOneDoc notifies that one document of the window's pending
// frame is ready. Callable from any goroutine; automatically forwarded to
// the render thread. Triggers a render for the front pending frame.
func (t *Thread) HandleFrameOneDoc(window WindowID, render bool) {
	t.RunEvent(window, EventFunc(func(t *Thread, window WindowID) {
		if t.IsDestroyed(window) {
			return
		}
		frame, ok := t.frontPendingFrame(window, render)
		if !ok {
			webrender.Logger().Debug("frame ready with empty pending queue", "window", uint64(window))
			return
		}
		t.UpdateAndRender(window, frame.startID, frame.startTime, frame.needsRender || render, nil)
	}))
}

// WakeUp triggers a composite for the window without consuming a pending
// frame, for cases like an external image update arriving between frames.
// Callable from any goroutine; automatically forwarded to the render
// thread.
func (t *Thread) WakeUp(window WindowID) {
	t.RunEvent(window, EventFunc(func(t *Thread, window WindowID) {
		if t.IsDestroyed(window) {
			return
		}
		// VsyncID 0 never matches a queued frame, so nothing pops.
		t.UpdateAndRender(window, 0, time.Now(), true, nil)
	}))
}

// PipelineSizeChanged records the new layout size of a pipeline within a
// window. Callable from any goroutine; automatically forwarded to the
// render thread. Sizes feed memory reporting; a zero size drops the
// pipeline's entry.
func (t *Thread) PipelineSizeChanged(window WindowID, pipeline uint64, width, height float32) {
	t.RunEvent(window, EventFunc(func(t *Thread, window WindowID) {
		if r := t.GetRenderer(window); r != nil {
			r.SetPipelineSize(pipeline, width, height)
		}
	}))
}

// UpdateAndRender is the sole entry point that produces a GPU frame.
// Render thread only.
//
// The window's front pending frame is consumed once the render completes;
// a readback, when requested, is filled from the composited output after
// the frame ends.
func (t *Thread) UpdateAndRender(window WindowID, startID VsyncID, startTime time.Time, doRender bool, readback *ReadbackSpec) {
	if t.hasShutdown.Load() {
		return
	}
	if t.IsDestroyed(window) {
		webrender.Logger().Debug("render for destroyed window", "window", uint64(window))
		return
	}
	r := t.renderers[window]
	if r == nil {
		webrender.Logger().Warn("render with no renderer", "window", uint64(window))
		return
	}

	// One-time texture setup must precede any Lock this frame issues.
	t.registry.HandlePrepareForUse(t.device)

	if doRender {
		if err := r.Render(t.registry, t.device); err != nil {
			t.handleRenderError(window, err)
			return
		}
		if rec := t.recorders[window]; rec != nil {
			if img := r.FrameImage(); img != nil {
				rec.RecordFrame(img, time.Now())
			}
		}
		if readback != nil {
			if err := r.Readback(readback, t.surfacePool); err != nil {
				webrender.Logger().Warn("readback failed", "window", uint64(window), "err", err)
			}
		}
	}

	t.popPendingFrame(window, startID)
	if !startTime.IsZero() {
		webrender.Logger().Debug("frame complete",
			"window", uint64(window),
			"latency", time.Since(startTime))
	}
}

// Pause suspends compositing for the window. Render thread only.
func (t *Thread) Pause(window WindowID) {
	if r := t.renderers[window]; r != nil {
		r.Pause()
	}
}

// Resume re-enables compositing for a paused window. Render thread only.
// Reports false when the window has no renderer or its context is lost.
func (t *Thread) Resume(window WindowID) bool {
	r := t.renderers[window]
	if r == nil {
		return false
	}
	return r.Resume()
}

// Shutdown synchronously stops the render thread: the calling goroutine
// blocks until the queue has drained, remaining textures and renderers
// are destroyed, the program cache is written, and the GPU device is
// released. After Shutdown returns, every operation on the thread is
// undefined by contract. Must not be called from the render thread.
func (t *Thread) Shutdown() {
	if t.hasShutdown.Swap(true) {
		return
	}

	done := make(chan struct{})
	t.queue.push(queueItem{event: EventFunc(func(t *Thread, _ WindowID) {
		t.shutDownTask()
		close(done)
	})})
	t.queue.close()
	<-done

	t.builders.Close()
	t.buildersLP.Close()
}

// shutDownTask runs on the render thread as the queue's final event.
func (t *Thread) shutDownTask() {
	for window := range t.renderers {
		t.SetDestroyed(window)
	}
	for window := range t.renderers {
		t.RemoveRenderer(window)
	}

	// The device is going away: deferred destruction would dangle, so
	// everything still registered is destroyed right here.
	t.registry.PurgeAll()

	if t.programs != nil {
		if err := t.programs.Save(); err != nil {
			webrender.Logger().Warn("program cache write failed", "err", err)
		}
	}

	t.surfacePool.Clear()

	if t.device != nil {
		releaseDevice(t.device)
		t.device = nil
	}

	webrender.Logger().Info("render thread stopped")
}

// releaseDevice tears down the provider's logical device. The device
// handle is an opaque token, so destruction goes through a capability
// check on the concrete value.
func releaseDevice(p gpucontext.DeviceProvider) {
	if d, ok := p.Device().(interface{ Destroy() }); ok {
		d.Destroy()
	}
}

// goroutineID extracts the runtime's id for the calling goroutine from a
// stack header of the form "goroutine 123 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		if id, err := strconv.ParseUint(s[:i], 10, 64); err == nil {
			return id
		}
	}
	return 0
}
