// Package webrender coordinates GPU frame production for a multi-window
// compositor.
//
// # Overview
//
// A single dedicated goroutine (the render thread) owns the GPU device and
// serializes all rendering work. Producer goroutines, typically one per
// window or document, submit ordered commands and frame-ready notifications
// without ever blocking on GPU work. The module provides:
//
//   - render: the render thread event loop, per-window renderer bookkeeping,
//     pending-frame backpressure, and device fault recovery
//   - texture: the registry of externally supplied textures (video frames
//     and other GPU-importable resources) with deferred, race-free
//     destruction
//   - compositor: the capability interface consumed by renderers, with a
//     factory over platform backend variants
//   - programcache: an optional on-disk cache of compiled shader programs
//
// # Quick Start
//
//	import (
//	    "github.com/declantsien/webrender-native/compositor"
//	    "github.com/declantsien/webrender-native/render"
//	)
//
//	thread, err := render.Start(render.DefaultOptions())
//	if err != nil {
//	    // no usable GPU device
//	}
//	defer thread.Shutdown()
//
//	thread.RunEvent(windowID, render.EventFunc(func(t *render.Thread, w render.WindowID) {
//	    comp, _ := compositor.New(compositor.Options{})
//	    t.AddRenderer(w, render.NewRenderer(w, comp, t.Device()))
//	}))
//
// # Threading Model
//
// Every exported operation documents whether it may be called from any
// goroutine or only from the render thread. Cross-thread calls touch only
// independently locked structures (window info map, texture registry) and
// never perform GPU work; everything else is marshalled through the ordered
// event queue.
package webrender

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
