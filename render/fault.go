package render

import (
	"errors"
	"fmt"

	webrender "github.com/declantsien/webrender-native"
)

// WebRenderError classifies internal errors reported by the compositor
// backend, as opposed to outright device loss.
type WebRenderError int

const (
	// ErrorInitialize: backend construction or surface setup failed.
	ErrorInitialize WebRenderError = iota

	// ErrorMakeCurrent: the GPU context could not be made current.
	// Implies GPU-state corruption.
	ErrorMakeCurrent

	// ErrorRender: frame production failed inside the backend.
	ErrorRender

	// ErrorNewSurface: a native surface could not be allocated.
	ErrorNewSurface

	// ErrorBeginDraw: the backend failed at a frame boundary. Implies
	// GPU-state corruption.
	ErrorBeginDraw

	// ErrorVideoOverlay: a video overlay path failed; compositing
	// continues without it.
	ErrorVideoOverlay
)

// String returns the error class name.
func (e WebRenderError) String() string {
	switch e {
	case ErrorInitialize:
		return "Initialize"
	case ErrorMakeCurrent:
		return "MakeCurrent"
	case ErrorRender:
		return "Render"
	case ErrorNewSurface:
		return "NewSurface"
	case ErrorBeginDraw:
		return "BeginDraw"
	case ErrorVideoOverlay:
		return "VideoOverlay"
	default:
		return fmt.Sprintf("WebRenderError(%d)", int(e))
	}
}

// impliesCorruption reports whether this error class requires a full
// device teardown rather than a drain of the current renderers.
func (e WebRenderError) impliesCorruption() bool {
	return e == ErrorMakeCurrent || e == ErrorBeginDraw
}

// handleRenderError routes a failure from a GPU call boundary. This is
// the single funnel for render faults: context loss goes through the
// device reset path, anything else through the error path.
func (t *Thread) handleRenderError(window WindowID, err error) {
	if errors.Is(err, ErrDeviceLost) {
		webrender.Logger().Error("device lost",
			"window", uint64(window), "err", err)
		t.HandleDeviceReset("UpdateAndRender", true)
		return
	}
	webrender.Logger().Error("render failed",
		"window", uint64(window), "err", err)
	t.HandleWebRenderError(ErrorRender)
}

// HandleDeviceReset recovers from GPU device loss. Render thread only.
//
// A reset detected while one is already being handled is coalesced. The
// sequence is: purge every external texture immediately (the platform
// resources are already invalid, deferral would dangle), tear down every
// renderer, drop the shared surface pool and device, then reconstruct the
// device. Reconstruction failure is escalated through Options.OnError and
// not retried.
func (t *Thread) HandleDeviceReset(where string, notify bool) {
	if t.handlingDeviceReset {
		return
	}
	t.handlingDeviceReset = true
	webrender.Logger().Error("handling device reset", "where", where)

	t.registry.PurgeAll()

	for window := range t.renderers {
		if notify {
			t.SetDestroyed(window)
		}
		t.RemoveRenderer(window)
	}

	t.surfacePool.Clear()
	if t.device != nil {
		releaseDevice(t.device)
		t.device = nil
	}

	dev, err := t.opts.NewDevice()
	if err != nil {
		// Recovery is best-effort: report upward, do not retry here.
		webrender.Logger().Error("device reconstruction failed", "err", err)
		if t.opts.OnError != nil {
			t.opts.OnError(fmt.Errorf("render: device reset recovery failed: %w", err))
		}
		return
	}
	t.device = dev
	t.handlingDeviceReset = false
	webrender.Logger().Info("device recreated after reset", "where", where)
}

// IsHandlingDeviceReset reports whether a device reset is in progress.
// Render thread only.
func (t *Thread) IsHandlingDeviceReset() bool {
	return t.handlingDeviceReset
}

// SimulateDeviceReset injects a device reset as if the GPU had been lost.
// Callable from any goroutine; the reset runs on the render thread in
// queue order.
func (t *Thread) SimulateDeviceReset() {
	t.RunEvent(0, EventFunc(func(t *Thread, _ WindowID) {
		t.HandleDeviceReset("SimulateDeviceReset", false)
	}))
}

// HandleWebRenderError handles an internal protocol or consistency error
// reported by the backend. Render thread only.
//
// An error reported while a fault of either kind is already being handled
// is coalesced. Errors that imply GPU-state corruption are promoted to
// the device reset path; otherwise the live renderers are drained and the
// error escalated without recreating the device.
func (t *Thread) HandleWebRenderError(e WebRenderError) {
	if t.handlingWebRenderError || t.handlingDeviceReset {
		return
	}
	if e.impliesCorruption() {
		t.HandleDeviceReset(e.String(), true)
		return
	}

	t.handlingWebRenderError = true
	webrender.Logger().Error("handling backend error", "class", e.String())

	for window := range t.renderers {
		t.SetDestroyed(window)
		t.RemoveRenderer(window)
	}

	if t.opts.OnError != nil {
		t.opts.OnError(fmt.Errorf("render: backend error: %s", e))
	}
	t.handlingWebRenderError = false
}

// IsHandlingWebRenderError reports whether a backend error is being
// handled. Render thread only.
func (t *Thread) IsHandlingWebRenderError() bool {
	return t.handlingWebRenderError
}
