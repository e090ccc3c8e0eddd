// Package render implements the render thread: the single goroutine where
// all GPU work is issued, and as much as possible that goroutine should
// only serve this purpose.
//
// The render thread owns the per-window Renderers, the shared GPU device,
// and the external texture registry's drain points. Producer goroutines
// interact with it two ways:
//
//   - operations documented "callable from any goroutine", which touch
//     only independently locked bookkeeping (the window info map, the
//     texture registry) and never perform GPU work
//   - RendererEvents submitted through RunEvent, which the render thread
//     applies strictly in submission order, interleaved with frame-update
//     work in that same order
//
// Avoid handing the render thread work through side channels; use the
// RendererEvent mechanism so ordering relative to frame messages is
// preserved.
package render
