package render

import (
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/declantsien/webrender-native/compositor"
	"github.com/declantsien/webrender-native/texture"
)

func TestRenderCompositesExternalImage(t *testing.T) {
	th := startTestThread(t, Options{})
	comp := addTestRenderer(t, th, 1)

	// A 2x2 solid-red shared-memory image.
	pixels := make([]byte, 2*2*4)
	for i := 0; i < len(pixels); i += 4 {
		pixels[i] = 0xff
		pixels[i+3] = 0xff
	}
	host := texture.NewMemoryHost(pixels, 8, image.Pt(2, 2), gputypes.TextureFormatRGBA8Unorm)

	runOn(t, th, func(th *Thread) {
		th.Registry().Register(7, host)
		th.GetRenderer(1).SetExternalImages(7)
		th.UpdateAndRender(1, 0, time.Time{}, true, nil)
	})

	out := comp.Output()
	if out == nil {
		t.Fatal("software compositor produced no output")
	}
	r, _, _, a := out.At(0, 0).RGBA()
	if r == 0 || a == 0 {
		t.Errorf("expected red pixel at origin, got %v", out.At(0, 0))
	}
	if host.Locked() {
		t.Error("external image must be unlocked after the frame")
	}
}

func TestRenderSkipsMissingExternalImage(t *testing.T) {
	th := startTestThread(t, Options{})
	comp := addTestRenderer(t, th, 1)

	runOn(t, th, func(th *Thread) {
		// Referencing an id that was never registered must not fail the
		// frame.
		th.GetRenderer(1).SetExternalImages(99)
		th.UpdateAndRender(1, 0, time.Time{}, true, nil)
	})

	if _, ended := comp.FrameCounts(); ended != 1 {
		t.Errorf("frame should complete despite the missing image, got %d", ended)
	}
}

func TestRenderErrorTriggersDeviceReset(t *testing.T) {
	th := startTestThread(t, Options{})
	comp := addTestRenderer(t, th, 1)

	runOn(t, th, func(th *Thread) {
		comp.LoseContext()
		th.UpdateAndRender(1, 0, time.Time{}, true, nil)
		if th.IsHandlingDeviceReset() {
			// Recovery succeeded on the mock device, so the flag must
			// already be clear.
			t.Error("device reset flag should clear after successful recovery")
		}
		if th.GetRenderer(1) != nil {
			t.Error("device reset should drop all renderers")
		}
	})
}

func TestReadback(t *testing.T) {
	th := startTestThread(t, Options{})
	addTestRenderer(t, th, 1)

	// Composite a solid-red image so the readback has known content.
	pixels := make([]byte, 4*4*4)
	for i := 0; i < len(pixels); i += 4 {
		pixels[i] = 0xff
		pixels[i+3] = 0xff
	}
	host := texture.NewMemoryHost(pixels, 16, image.Pt(4, 4), gputypes.TextureFormatRGBA8Unorm)

	buf := make([]byte, 64*64*4)
	spec := &ReadbackSpec{Size: image.Pt(64, 64), Buffer: buf}
	runOn(t, th, func(th *Thread) {
		th.Registry().Register(3, host)
		th.GetRenderer(1).SetExternalImages(3)
		th.UpdateAndRender(1, 0, time.Time{}, true, spec)
	})

	if buf[0] != 0xff || buf[3] != 0xff {
		t.Errorf("expected red pixel at readback origin, got %v", buf[:4])
	}
}

func TestReadbackScaled(t *testing.T) {
	th := startTestThread(t, Options{})
	addTestRenderer(t, th, 1)

	buf := make([]byte, 16*16*4)
	spec := &ReadbackSpec{Size: image.Pt(16, 16), Buffer: buf}
	runOn(t, th, func(th *Thread) {
		th.UpdateAndRender(1, 0, time.Time{}, true, spec)
		// The scale path stages through the shared pool and releases the
		// staging surface back to it.
		if th.SharedSurfacePool().Len() != 1 {
			t.Errorf("expected staging surface pooled, pool len %d", th.SharedSurfacePool().Len())
		}
	})
}

func TestReadbackBufferTooSmall(t *testing.T) {
	th := startTestThread(t, Options{})
	addTestRenderer(t, th, 1)

	runOn(t, th, func(th *Thread) {
		r := th.GetRenderer(1)
		th.UpdateAndRender(1, 0, time.Time{}, true, nil)
		err := r.Readback(&ReadbackSpec{Size: image.Pt(64, 64), Buffer: make([]byte, 16)}, th.SharedSurfacePool())
		if err == nil {
			t.Error("short buffer should fail readback")
		}
	})
}

func TestCompositionRecorder(t *testing.T) {
	th := startTestThread(t, Options{})
	addTestRenderer(t, th, 1)

	start := time.Now()
	th.SetCompositionRecorderForWindow(1, NewCompositionRecorder(start))
	runOn(t, th, func(th *Thread) {
		th.UpdateAndRender(1, 0, time.Time{}, true, nil)
		th.UpdateAndRender(1, 0, time.Time{}, true, nil)
	})

	collected := <-th.GetCollectedFramesForWindow(1)
	if len(collected.Frames) != 2 {
		t.Fatalf("expected 2 recorded frames, got %d", len(collected.Frames))
	}
	if !collected.RecordingStart.Equal(start) {
		t.Error("recording start time lost")
	}
	if collected.Frames[0].Image == collected.Frames[1].Image {
		t.Error("frames must be independent copies")
	}

	// Drained and detached: a second request comes back empty.
	again := <-th.GetCollectedFramesForWindow(1)
	if len(again.Frames) != 0 {
		t.Errorf("recorder should be detached after a drain, got %d frames", len(again.Frames))
	}
}

func TestWriteCollectedFrames(t *testing.T) {
	th := startTestThread(t, Options{})
	addTestRenderer(t, th, 1)

	th.SetCompositionRecorderForWindow(1, NewCompositionRecorder(time.Now()))
	runOn(t, th, func(th *Thread) {
		th.UpdateAndRender(1, 0, time.Time{}, true, nil)
	})

	dir := t.TempDir()
	if err := <-th.WriteCollectedFramesForWindow(1, dir); err != nil {
		t.Fatalf("WriteCollectedFramesForWindow failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "frame-00000.png")); err != nil {
		t.Errorf("expected frame file on disk: %v", err)
	}

	if err := <-th.WriteCollectedFramesForWindow(1, dir); err == nil {
		t.Error("write with no recorder attached should fail")
	}
}

func TestRecorderMemoryInReport(t *testing.T) {
	th := startTestThread(t, Options{})
	addTestRenderer(t, th, 1)

	th.SetCompositionRecorderForWindow(1, NewCompositionRecorder(time.Now()))
	runOn(t, th, func(th *Thread) {
		th.UpdateAndRender(1, 0, time.Time{}, true, nil)
	})

	report := <-th.AccumulateMemoryReport(MemoryReport{})
	if report.RecordedFrameBytes == 0 {
		t.Error("recorded frames should appear in the memory report")
	}
}

func TestSurfacePool(t *testing.T) {
	p := newSurfacePool()

	a := p.Acquire(image.Pt(8, 8))
	p.Release(a)
	if p.Len() != 1 {
		t.Fatalf("expected 1 pooled surface, got %d", p.Len())
	}

	b := p.Acquire(image.Pt(8, 8))
	if a != b {
		t.Error("matching size should reuse the pooled surface")
	}
	c := p.Acquire(image.Pt(4, 4))
	if c == b {
		t.Error("size mismatch must allocate fresh")
	}

	p.Release(b)
	p.Release(c)
	p.Release(nil)
	if p.Len() != 2 {
		t.Fatalf("expected 2 pooled surfaces, got %d", p.Len())
	}
	p.Clear()
	if p.Len() != 0 {
		t.Error("Clear should empty the pool")
	}
}

func TestFramesRendered(t *testing.T) {
	th := startTestThread(t, Options{})
	addTestRenderer(t, th, 1)

	runOn(t, th, func(th *Thread) {
		r := th.GetRenderer(1)
		th.UpdateAndRender(1, 0, time.Time{}, true, nil)
		th.UpdateAndRender(1, 0, time.Time{}, false, nil)
		th.UpdateAndRender(1, 0, time.Time{}, true, nil)
		if got := r.FramesRendered(); got != 2 {
			t.Errorf("expected 2 rendered frames, got %d", got)
		}
	})
}

func TestEnsureSurfaceClampsToVirtualSize(t *testing.T) {
	comp, err := compositor.NewSoftware(compositor.Options{Width: 32, Height: 32})
	if err != nil {
		t.Fatal(err)
	}
	r := NewRenderer(5, comp, nil)
	if err := r.ensureSurface(); err != nil {
		t.Fatalf("ensureSurface failed: %v", err)
	}
	caps := comp.Capabilities()
	if caps.VirtualSurfaceSize > 0 && r.tileSize.X > int(caps.VirtualSurfaceSize) {
		t.Errorf("tile size %v exceeds virtual surface size %d", r.tileSize, caps.VirtualSurfaceSize)
	}
}
