package render

// MemoryReport aggregates resource usage across the render thread's live
// objects.
type MemoryReport struct {
	// TextureBytes is memory held by registered external texture hosts.
	TextureBytes uint64

	// SurfaceBytes is memory in compositor surfaces and composited
	// output.
	SurfaceBytes uint64

	// RecordedFrameBytes is memory held by attached frame recorders.
	RecordedFrameBytes uint64

	// PipelineBytes estimates rasterized content for the pipelines whose
	// layout sizes windows have reported, at 4 bytes per pixel.
	PipelineBytes uint64

	// Renderers is the number of live per-window renderers.
	Renderers int
}

// AccumulateMemoryReport dispatches an event that iterates all live
// renderers and the texture registry, adds their usage to initial, and
// resolves the returned channel with the aggregate. Callable from any
// goroutine.
//
// The accumulation is just another queued event, so it cannot starve
// frame processing and observes a consistent point in the queue order.
// The channel is buffered; the caller may receive at leisure.
func (t *Thread) AccumulateMemoryReport(initial MemoryReport) <-chan MemoryReport {
	out := make(chan MemoryReport, 1)
	if t.hasShutdown.Load() {
		out <- initial
		return out
	}

	t.RunEvent(0, EventFunc(func(t *Thread, _ WindowID) {
		report := initial
		report.TextureBytes += t.registry.Bytes()
		for _, r := range t.renderers {
			r.ReportMemory(&report)
		}
		for _, rec := range t.recorders {
			report.RecordedFrameBytes += rec.Bytes()
		}
		out <- report
	}))
	return out
}
