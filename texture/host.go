package texture

import (
	"errors"
	"image"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// ExternalImageID is an opaque identifier supplied by an external producer.
// Each id maps 1:1 to a Host for as long as the registration lives.
type ExternalImageID uint64

// Host errors.
var (
	// ErrHostDestroyed is returned by Lock on a host whose resources have
	// been released.
	ErrHostDestroyed = errors.New("texture: host destroyed")

	// ErrAlreadyLocked is returned by Lock on a host that is currently
	// locked by an in-flight render.
	ErrAlreadyLocked = errors.New("texture: host already locked")

	// ErrNotPrepared is returned by Lock on a host whose one-time setup
	// has not run yet.
	ErrNotPrepared = errors.New("texture: host not prepared for use")
)

// Image is the stable view of a host for the duration of one lock. The
// coordinates and handles it carries are invalidated by Unlock.
type Image struct {
	// Pixels and Stride are set for CPU-backed hosts.
	Pixels []byte
	Stride int

	// Texture is the imported GPU handle for GPU-backed hosts.
	Texture any

	// Size is the image dimensions in pixels.
	Size image.Point

	// UV is the valid sampling region within the backing texture.
	UV image.Rectangle

	// Format is the pixel format.
	Format gputypes.TextureFormat
}

// Host is a reference to a GPU-importable resource owned outside the scene
// allocator. Lock and Unlock bracket a render pass's use of the resource;
// Destroy releases it and must only run on the render thread.
//
// Host implementations are not required to be safe for concurrent use:
// after registration, all calls happen on the render thread.
type Host interface {
	// Lock pins the resource for the current frame and returns a stable
	// view of it. The view is invalidated by Unlock.
	Lock(dev gpucontext.DeviceProvider) (Image, error)

	// Unlock releases the pin taken by Lock. If destruction was requested
	// while locked, it happens now.
	Unlock()

	// Destroy releases the underlying resource. Destroying a locked host
	// is deferred until Unlock.
	Destroy()

	// Bytes returns the resource's memory footprint, for memory reports.
	Bytes() uint64
}

// Preparer is implemented by hosts that need one-time setup on the render
// thread before their first Lock, such as uploading platform bindings.
type Preparer interface {
	PrepareForUse(dev gpucontext.DeviceProvider) error
}

// NotUsedNotifier is implemented by hosts that want to know when no
// pipeline references them anymore.
type NotUsedNotifier interface {
	NotifyNotUsed()
}

// MemoryHost is a host backed by a shared-memory surface: pixel data in
// process-addressable memory, typically a decoded video frame in shmem.
type MemoryHost struct {
	pixels []byte
	stride int
	size   image.Point
	format gputypes.TextureFormat

	locked         bool
	destroyPending bool
	destroyed      bool
}

// NewMemoryHost wraps a shared-memory pixel buffer. The buffer is not
// copied; the producer must keep it valid until the host is destroyed.
func NewMemoryHost(pixels []byte, stride int, size image.Point, format gputypes.TextureFormat) *MemoryHost {
	return &MemoryHost{
		pixels: pixels,
		stride: stride,
		size:   size,
		format: format,
	}
}

// Lock returns the pixel view for the current frame.
func (h *MemoryHost) Lock(dev gpucontext.DeviceProvider) (Image, error) {
	if h.destroyed {
		return Image{}, ErrHostDestroyed
	}
	if h.locked {
		return Image{}, ErrAlreadyLocked
	}
	h.locked = true
	return Image{
		Pixels: h.pixels,
		Stride: h.stride,
		Size:   h.size,
		UV:     image.Rectangle{Max: h.size},
		Format: h.format,
	}, nil
}

// Unlock invalidates the view returned by Lock and completes any
// destruction requested while the host was locked.
func (h *MemoryHost) Unlock() {
	h.locked = false
	if h.destroyPending {
		h.Destroy()
	}
}

// Destroy drops the pixel reference. Deferred while locked.
func (h *MemoryHost) Destroy() {
	if h.locked {
		h.destroyPending = true
		return
	}
	h.pixels = nil
	h.destroyed = true
}

// Bytes returns the buffer footprint.
func (h *MemoryHost) Bytes() uint64 {
	return uint64(len(h.pixels))
}

// Destroyed reports whether the resource has been released.
func (h *MemoryHost) Destroyed() bool {
	return h.destroyed
}

// Locked reports whether an in-flight render holds the host.
func (h *MemoryHost) Locked() bool {
	return h.locked
}

// NativeHost is a host backed by a GPU-importable handle, such as a shared
// surface exported by a hardware decoder. The handle may require one-time
// import on the render thread, supplied as the upload callback.
type NativeHost struct {
	tex    any
	size   image.Point
	format gputypes.TextureFormat

	// upload performs the one-time platform import. Nil when the handle
	// is usable as supplied.
	upload func(dev gpucontext.DeviceProvider) (any, error)

	prepared       bool
	locked         bool
	destroyPending bool
	destroyed      bool
	inUse          bool
}

// NewNativeHost wraps an already-imported GPU texture handle.
func NewNativeHost(tex any, size image.Point, format gputypes.TextureFormat) *NativeHost {
	return &NativeHost{tex: tex, size: size, format: format, prepared: true}
}

// NewNativeHostWithUpload wraps a handle that needs a one-time import on
// the render thread before first use. Lock fails until PrepareForUse has
// run.
func NewNativeHostWithUpload(size image.Point, format gputypes.TextureFormat,
	upload func(dev gpucontext.DeviceProvider) (any, error)) *NativeHost {
	return &NativeHost{size: size, format: format, upload: upload}
}

// PrepareForUse performs the one-time import. Subsequent calls are no-ops.
func (h *NativeHost) PrepareForUse(dev gpucontext.DeviceProvider) error {
	if h.prepared || h.destroyed {
		return nil
	}
	tex, err := h.upload(dev)
	if err != nil {
		return err
	}
	h.tex = tex
	h.prepared = true
	return nil
}

// Lock pins the GPU handle for the current frame.
func (h *NativeHost) Lock(dev gpucontext.DeviceProvider) (Image, error) {
	if h.destroyed {
		return Image{}, ErrHostDestroyed
	}
	if !h.prepared {
		return Image{}, ErrNotPrepared
	}
	if h.locked {
		return Image{}, ErrAlreadyLocked
	}
	h.locked = true
	h.inUse = true
	return Image{
		Texture: h.tex,
		Size:    h.size,
		UV:      image.Rectangle{Max: h.size},
		Format:  h.format,
	}, nil
}

// Unlock invalidates the view returned by Lock and completes any
// destruction requested while the host was locked.
func (h *NativeHost) Unlock() {
	h.locked = false
	if h.destroyPending {
		h.Destroy()
	}
}

// NotifyNotUsed marks the handle as unreferenced by all pipelines.
func (h *NativeHost) NotifyNotUsed() {
	h.inUse = false
}

// Destroy releases the GPU handle. Deferred while locked.
func (h *NativeHost) Destroy() {
	if h.locked {
		h.destroyPending = true
		return
	}
	if d, ok := h.tex.(interface{ Destroy() }); ok {
		d.Destroy()
	}
	h.tex = nil
	h.destroyed = true
}

// Bytes estimates the GPU footprint from dimensions, 4 bytes per pixel.
func (h *NativeHost) Bytes() uint64 {
	if h.destroyed {
		return 0
	}
	return uint64(h.size.X) * uint64(h.size.Y) * 4
}

// Destroyed reports whether the resource has been released.
func (h *NativeHost) Destroyed() bool {
	return h.destroyed
}

// InUse reports whether any pipeline still references the handle.
func (h *NativeHost) InUse() bool {
	return h.inUse
}

var (
	_ Host            = (*MemoryHost)(nil)
	_ Host            = (*NativeHost)(nil)
	_ Preparer        = (*NativeHost)(nil)
	_ NotUsedNotifier = (*NativeHost)(nil)
)
