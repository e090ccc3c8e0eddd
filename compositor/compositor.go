package compositor

import (
	"image"

	"github.com/gogpu/gputypes"
)

// SurfaceID identifies a native surface owned by the compositor backend.
type SurfaceID uint64

// TileID identifies one tile of a native surface.
type TileID struct {
	Surface SurfaceID
	X, Y    int32
}

// Capabilities describes what a backend variant can do. Renderers consult
// this once at construction; the flags never change for a live compositor.
type Capabilities struct {
	// VirtualSurfaceSize is the edge length of the virtual coordinate
	// space tiles are addressed in, or 0 if the backend does not use
	// virtual surfaces.
	VirtualSurfaceSize int32

	// MaxUpdateRects is the maximum number of dirty rects the backend
	// accepts per frame before falling back to full redraw.
	MaxUpdateRects int

	// SupportsNativeCompositor reports whether OS-level compositing of
	// surfaces is available (as opposed to drawing into a single
	// framebuffer).
	SupportsNativeCompositor bool

	// SupportsSurfaceBinding reports whether tiles may be bound as GPU
	// render targets via Bind. Variants without it only support the
	// MapTile CPU path.
	SupportsSurfaceBinding bool

	// SupportsExternalSurfaces reports whether externally supplied
	// textures can be attached as compositor surfaces directly.
	SupportsExternalSurfaces bool
}

// Compositor is the capability interface between a per-window renderer and
// the platform frame producer. One variant is selected per window at
// construction and fixed for the window's lifetime.
//
// A frame is produced by bracketing all surface work between
// CompositorBeginFrame and CompositorEndFrame. Tiles are filled either
// through Bind/Unbind (GPU composition into an FBO) or MapTile/UnmapTile
// (CPU access to tile memory). At most one tile is bound or mapped at a
// time.
type Compositor interface {
	// CreateSurface allocates a native surface addressed at virtualOffset
	// and tiled with tileSize tiles.
	CreateSurface(id SurfaceID, virtualOffset image.Point, tileSize image.Point, isOpaque bool) error

	// CreateTile allocates the tile at (x, y) of an existing surface.
	CreateTile(id SurfaceID, x, y int32) error

	// DestroyTile releases the tile at (x, y). Destroying a missing tile
	// is an error.
	DestroyTile(id SurfaceID, x, y int32) error

	// DestroySurface releases a surface and all of its remaining tiles.
	DestroySurface(id SurfaceID) error

	// Bind makes a tile the current render target and returns the draw
	// offset within it and the framebuffer to render into. Only the
	// dirtyRect needs to be redrawn; validRect bounds the pixels that will
	// be sampled.
	Bind(id TileID, dirtyRect, validRect image.Rectangle) (offset image.Point, fboID uint32, err error)

	// Unbind releases the currently bound tile.
	Unbind()

	// MapTile maps a tile's memory for CPU writes and returns the pixel
	// data and row stride in bytes.
	MapTile(id TileID, dirtyRect, validRect image.Rectangle) (data []byte, stride int, err error)

	// UnmapTile unmaps the currently mapped tile.
	UnmapTile()

	// AddSurface places a surface into the current frame at position,
	// clipped to clipRect. Valid only between begin and end frame.
	AddSurface(id SurfaceID, position image.Point, clipRect image.Rectangle) error

	// CompositorBeginFrame starts a new frame.
	CompositorBeginFrame() error

	// CompositorEndFrame presents the frame started by the matching
	// CompositorBeginFrame.
	CompositorEndFrame() error

	// EnableNativeCompositor toggles OS-level compositing where supported.
	EnableNativeCompositor(enable bool)

	// Capabilities returns the fixed capability flags of this variant.
	Capabilities() Capabilities

	// SurfaceFormat returns the pixel format tiles are allocated with.
	SurfaceFormat() gputypes.TextureFormat

	// MakeCurrent makes the backend's GPU context current on the calling
	// goroutine. A failure here is treated as device loss.
	MakeCurrent() error

	// IsContextLost reports whether the underlying GPU context has been
	// lost. Checked at frame boundaries by the fault handler.
	IsContextLost() bool

	// DeInit releases all backend resources. The compositor is unusable
	// afterwards.
	DeInit()
}
