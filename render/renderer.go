package render

import (
	"errors"
	"fmt"
	"image"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"

	webrender "github.com/declantsien/webrender-native"
	"github.com/declantsien/webrender-native/compositor"
	"github.com/declantsien/webrender-native/texture"
)

// ErrDeviceLost marks a render failure caused by loss of the GPU context.
// The fault handler matches on it with errors.Is to pick the recovery
// path.
var ErrDeviceLost = errors.New("render: device lost")

// ReadbackSpec asks UpdateAndRender to copy the composited frame into a
// caller-supplied buffer after the frame ends.
type ReadbackSpec struct {
	// Size of the destination in pixels. The frame is scaled when it
	// differs from the window size.
	Size image.Point

	// Format of the destination pixels.
	Format gputypes.TextureFormat

	// Buffer receives tightly packed rows, 4 bytes per pixel. Must hold
	// Size.X*Size.Y*4 bytes.
	Buffer []byte
}

// Renderer turns one window's scene into pixels through its compositor
// backend variant. All methods are render thread only; the render thread
// owns the map of renderers and is the only caller.
type Renderer struct {
	window WindowID
	comp   compositor.Compositor
	device gpucontext.DeviceProvider

	// surface and tile the renderer composites into.
	surfaceID compositor.SurfaceID
	tileSize  image.Point

	// External images the current scene references, supplied by the
	// scene builder through events.
	externalImages []texture.ExternalImageID

	// Layout area per pipeline rendered into this window, in square
	// pixels. Feeds memory reporting only.
	pipelineAreas map[uint64]float32

	paused         bool
	framesRendered int
	initialized    bool
}

// NewRenderer creates the renderer for a window on an already selected
// compositor variant. The shared device comes from the render thread.
func NewRenderer(window WindowID, comp compositor.Compositor, device gpucontext.DeviceProvider) *Renderer {
	return &Renderer{
		window: window,
		comp:   comp,
		device: device,
	}
}

// SetExternalImages replaces the set of external images the scene
// references. Each referenced image is locked for the duration of every
// rendered frame.
func (r *Renderer) SetExternalImages(ids ...texture.ExternalImageID) {
	r.externalImages = append(r.externalImages[:0], ids...)
}

// SetPipelineSize records the layout size of one pipeline rendered into
// this window. A zero or negative size drops the pipeline's entry.
func (r *Renderer) SetPipelineSize(pipeline uint64, width, height float32) {
	if width <= 0 || height <= 0 {
		delete(r.pipelineAreas, pipeline)
		return
	}
	if r.pipelineAreas == nil {
		r.pipelineAreas = make(map[uint64]float32)
	}
	r.pipelineAreas[pipeline] = width * height
}

// ensureSurface lazily creates the renderer's compositor surface and its
// single window-sized tile.
func (r *Renderer) ensureSurface() error {
	if r.initialized {
		return nil
	}
	caps := r.comp.Capabilities()
	r.surfaceID = compositor.SurfaceID(r.window)
	r.tileSize = image.Pt(windowTileSize, windowTileSize)
	if caps.VirtualSurfaceSize > 0 && int(caps.VirtualSurfaceSize) < windowTileSize {
		r.tileSize = image.Pt(int(caps.VirtualSurfaceSize), int(caps.VirtualSurfaceSize))
	}
	if err := r.comp.CreateSurface(r.surfaceID, image.Point{}, r.tileSize, true); err != nil {
		return err
	}
	if err := r.comp.CreateTile(r.surfaceID, 0, 0); err != nil {
		return err
	}
	r.initialized = true
	return nil
}

// windowTileSize is the tile edge used for the renderer's own surface.
const windowTileSize = 1024

// Render produces one frame: begin frame, lock referenced external
// images, fill the window tile, place the surface, end frame. Every GPU
// call boundary is checked; a context loss is reported as ErrDeviceLost
// so the caller can route it to the fault handler.
func (r *Renderer) Render(reg *texture.Registry, dev gpucontext.DeviceProvider) error {
	if r.paused {
		webrender.Logger().Debug("render skipped while paused", "window", uint64(r.window))
		return nil
	}
	if err := r.comp.MakeCurrent(); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceLost, err)
	}
	if r.comp.IsContextLost() {
		return fmt.Errorf("%w: context lost before frame", ErrDeviceLost)
	}
	if err := r.ensureSurface(); err != nil {
		return fmt.Errorf("render: surface setup: %w", err)
	}

	if err := r.comp.CompositorBeginFrame(); err != nil {
		if r.comp.IsContextLost() {
			return fmt.Errorf("%w: %w", ErrDeviceLost, err)
		}
		return fmt.Errorf("render: begin frame: %w", err)
	}

	// Lock every referenced external image for the whole frame. A lock
	// held here keeps the host alive even if a producer unregisters it
	// mid-frame.
	locked := make([]texture.Host, 0, len(r.externalImages))
	images := make([]texture.Image, 0, len(r.externalImages))
	for _, id := range r.externalImages {
		host := reg.Get(id)
		if host == nil {
			webrender.Logger().Debug("scene references unknown external image", "id", uint64(id))
			continue
		}
		img, err := host.Lock(dev)
		if err != nil {
			webrender.Logger().Warn("external image lock failed", "id", uint64(id), "err", err)
			continue
		}
		locked = append(locked, host)
		images = append(images, img)
	}
	defer func() {
		for _, host := range locked {
			host.Unlock()
		}
	}()

	if err := r.fillTile(images); err != nil {
		return err
	}

	tileRect := image.Rectangle{Max: r.tileSize}
	if err := r.comp.AddSurface(r.surfaceID, image.Point{}, tileRect); err != nil {
		return fmt.Errorf("render: add surface: %w", err)
	}
	if err := r.comp.CompositorEndFrame(); err != nil {
		if r.comp.IsContextLost() {
			return fmt.Errorf("%w: %w", ErrDeviceLost, err)
		}
		return fmt.Errorf("render: end frame: %w", err)
	}

	r.framesRendered++
	return nil
}

// fillTile writes the frame's content into the window tile, drawing each
// locked CPU-backed external image at the origin. GPU-backed images are
// composited by the backend when it supports external surfaces.
func (r *Renderer) fillTile(images []texture.Image) error {
	tileID := compositor.TileID{Surface: r.surfaceID}
	tileRect := image.Rectangle{Max: r.tileSize}

	if r.comp.Capabilities().SupportsSurfaceBinding {
		if _, _, err := r.comp.Bind(tileID, tileRect, tileRect); err != nil {
			return fmt.Errorf("render: bind tile: %w", err)
		}
		// GPU path: the backend rasterizes into the bound target.
		r.comp.Unbind()
		return nil
	}

	data, stride, err := r.comp.MapTile(tileID, tileRect, tileRect)
	if err != nil {
		return fmt.Errorf("render: map tile: %w", err)
	}
	defer r.comp.UnmapTile()

	dst := &image.RGBA{Pix: data, Stride: stride, Rect: tileRect}
	for _, img := range images {
		if img.Pixels == nil {
			continue
		}
		src := &image.RGBA{
			Pix:    img.Pixels,
			Stride: img.Stride,
			Rect:   image.Rectangle{Max: img.Size},
		}
		draw.Copy(dst, image.Point{}, src, src.Bounds(), draw.Src, nil)
	}
	return nil
}

// Readback copies the composited output into spec.Buffer, scaling through
// a pooled staging surface when the sizes differ.
func (r *Renderer) Readback(spec *ReadbackSpec, surfaces *SurfacePool) error {
	src := r.FrameImage()
	if src == nil {
		return errors.New("render: no composited output to read back")
	}
	if len(spec.Buffer) < spec.Size.X*spec.Size.Y*4 {
		return fmt.Errorf("render: readback buffer too small: %d < %d",
			len(spec.Buffer), spec.Size.X*spec.Size.Y*4)
	}

	dst := &image.RGBA{
		Pix:    spec.Buffer,
		Stride: spec.Size.X * 4,
		Rect:   image.Rectangle{Max: spec.Size},
	}
	if src.Bounds().Size() == spec.Size {
		draw.Copy(dst, image.Point{}, src, src.Bounds(), draw.Src, nil)
		return nil
	}

	staging := surfaces.Acquire(spec.Size)
	defer surfaces.Release(staging)
	draw.BiLinear.Scale(staging, staging.Bounds(), src, src.Bounds(), draw.Src, nil)
	draw.Copy(dst, image.Point{}, staging, staging.Bounds(), draw.Src, nil)
	return nil
}

// FrameImage returns the last composited output when the backend exposes
// one, for recording and readback. Nil otherwise.
func (r *Renderer) FrameImage() *image.RGBA {
	type framer interface{ Output() *image.RGBA }
	if f, ok := r.comp.(framer); ok {
		return f.Output()
	}
	return nil
}

// Pause suspends frame production.
func (r *Renderer) Pause() {
	r.paused = true
}

// Resume re-enables frame production. Reports false, leaving the renderer
// paused, when the compositor's context is lost.
func (r *Renderer) Resume() bool {
	if r.comp.IsContextLost() {
		return false
	}
	r.paused = false
	return true
}

// FramesRendered returns how many frames completed successfully.
func (r *Renderer) FramesRendered() int {
	return r.framesRendered
}

// ReportMemory accumulates this renderer's resource usage into report.
func (r *Renderer) ReportMemory(report *MemoryReport) {
	report.Renderers++
	if img := r.FrameImage(); img != nil {
		report.SurfaceBytes += uint64(len(img.Pix))
	}
	if r.initialized {
		report.SurfaceBytes += uint64(r.tileSize.X) * uint64(r.tileSize.Y) * 4
	}
	for _, area := range r.pipelineAreas {
		// Rasterized content is 4 bytes per pixel.
		report.PipelineBytes += uint64(area) * 4
	}
}

// Destroy releases the renderer's compositor backend.
func (r *Renderer) Destroy() {
	r.comp.DeInit()
}

// SurfacePool keeps reusable staging surfaces so readback and recording
// do not allocate per frame. Render thread only.
type SurfacePool struct {
	free []*image.RGBA
}

func newSurfacePool() *SurfacePool {
	return &SurfacePool{}
}

// Acquire returns a surface of exactly the given size, reusing a pooled
// one when possible.
func (p *SurfacePool) Acquire(size image.Point) *image.RGBA {
	for i, img := range p.free {
		if img.Bounds().Size() == size {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return img
		}
	}
	return image.NewRGBA(image.Rectangle{Max: size})
}

// Release returns a surface to the pool.
func (p *SurfacePool) Release(img *image.RGBA) {
	if img == nil {
		return
	}
	p.free = append(p.free, img)
}

// Clear drops all pooled surfaces. Called on device reset and shutdown.
func (p *SurfacePool) Clear() {
	p.free = nil
}

// Len returns the number of pooled surfaces.
func (p *SurfacePool) Len() int {
	return len(p.free)
}
