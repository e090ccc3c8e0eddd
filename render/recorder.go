package render

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	webrender "github.com/declantsien/webrender-native"
)

// CollectedFrame is one composited frame captured by a recorder.
type CollectedFrame struct {
	// Time the frame finished compositing.
	Time time.Time

	// Image is the frame pixels. The recorder owns the copy; callers may
	// keep it.
	Image *image.RGBA
}

// CollectedFrames is the result of draining a window's recorder.
type CollectedFrames struct {
	// RecordingStart is when the recorder was attached.
	RecordingStart time.Time

	// Frames in composite order.
	Frames []CollectedFrame
}

// CompositionRecorder captures every frame composited for one window, for
// offline inspection. Attach with SetCompositionRecorderForWindow; all
// access happens on the render thread.
type CompositionRecorder struct {
	start  time.Time
	frames []CollectedFrame
}

// NewCompositionRecorder creates a recorder with the given start time.
func NewCompositionRecorder(start time.Time) *CompositionRecorder {
	return &CompositionRecorder{start: start}
}

// RecordFrame stores a copy of img. The copy is taken because the
// compositor reuses its output surface across frames.
func (c *CompositionRecorder) RecordFrame(img *image.RGBA, at time.Time) {
	cp := image.NewRGBA(img.Bounds())
	copy(cp.Pix, img.Pix)
	c.frames = append(c.frames, CollectedFrame{Time: at, Image: cp})
}

// Bytes returns the memory held by collected frames.
func (c *CompositionRecorder) Bytes() uint64 {
	var total uint64
	for _, f := range c.frames {
		total += uint64(len(f.Image.Pix))
	}
	return total
}

// take drains the recorder.
func (c *CompositionRecorder) take() CollectedFrames {
	out := CollectedFrames{RecordingStart: c.start, Frames: c.frames}
	c.frames = nil
	return out
}

// SetCompositionRecorderForWindow attaches a recorder to a window, or
// detaches with nil. Callable from any goroutine; applied in queue order,
// so frames triggered after this call are captured.
func (t *Thread) SetCompositionRecorderForWindow(window WindowID, rec *CompositionRecorder) {
	t.RunEvent(window, EventFunc(func(t *Thread, window WindowID) {
		if rec == nil {
			delete(t.recorders, window)
			return
		}
		if _, ok := t.renderers[window]; !ok {
			webrender.Logger().Warn("recorder attached to window with no renderer",
				"window", uint64(window))
		}
		t.recorders[window] = rec
	}))
}

// GetCollectedFramesForWindow drains the window's recorder and resolves
// the returned channel with its frames, detaching the recorder. Callable
// from any goroutine. Resolves with ok=false when no recorder is
// attached.
func (t *Thread) GetCollectedFramesForWindow(window WindowID) <-chan CollectedFrames {
	out := make(chan CollectedFrames, 1)
	t.RunEvent(window, EventFunc(func(t *Thread, window WindowID) {
		rec, ok := t.recorders[window]
		if !ok {
			out <- CollectedFrames{}
			return
		}
		delete(t.recorders, window)
		out <- rec.take()
	}))
	return out
}

// WriteCollectedFramesForWindow drains the window's recorder and writes
// its frames as PNG files into dir, detaching the recorder. Callable from
// any goroutine; the write happens on the render thread and the returned
// channel resolves with the first write error, or nil.
func (t *Thread) WriteCollectedFramesForWindow(window WindowID, dir string) <-chan error {
	out := make(chan error, 1)
	t.RunEvent(window, EventFunc(func(t *Thread, window WindowID) {
		rec, ok := t.recorders[window]
		if !ok {
			out <- fmt.Errorf("render: no recorder for window %d", window)
			return
		}
		delete(t.recorders, window)
		out <- writeFrames(dir, rec.take())
	}))
	return out
}

// writeFrames writes each frame as frame-NNNNN.png under dir.
func writeFrames(dir string, frames CollectedFrames) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("render: create frame dir: %w", err)
	}
	for i, frame := range frames.Frames {
		path := filepath.Join(dir, fmt.Sprintf("frame-%05d.png", i))
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("render: create %s: %w", path, err)
		}
		if err := png.Encode(f, frame.Image); err != nil {
			f.Close()
			return fmt.Errorf("render: encode %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	webrender.Logger().Info("collected frames written",
		"dir", dir, "count", len(frames.Frames))
	return nil
}
