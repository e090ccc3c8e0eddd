package compositor

import (
	"errors"
	"fmt"
	"image"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"

	webrender "github.com/declantsien/webrender-native"
)

// Software errors.
var (
	// ErrBindUnsupported is returned by Bind on variants that only
	// support the MapTile CPU path.
	ErrBindUnsupported = errors.New("compositor: surface binding not supported")

	// ErrNoFrame is returned when a per-frame operation is invoked
	// outside a begin/end frame bracket.
	ErrNoFrame = errors.New("compositor: no frame in progress")

	// ErrFrameInProgress is returned when CompositorBeginFrame is called
	// twice without an intervening CompositorEndFrame.
	ErrFrameInProgress = errors.New("compositor: frame already in progress")
)

// SurfaceNotFoundError indicates an operation referenced an unknown surface.
type SurfaceNotFoundError struct {
	ID SurfaceID
}

func (e *SurfaceNotFoundError) Error() string {
	return fmt.Sprintf("compositor: surface %d not found", e.ID)
}

// TileNotFoundError indicates an operation referenced an unknown tile.
type TileNotFoundError struct {
	ID TileID
}

func (e *TileNotFoundError) Error() string {
	return fmt.Sprintf("compositor: tile (%d, %d) of surface %d not found",
		e.ID.X, e.ID.Y, e.ID.Surface)
}

// softwareSurface is one surface of the software variant, a sparse grid of
// CPU tiles.
type softwareSurface struct {
	virtualOffset image.Point
	tileSize      image.Point
	isOpaque      bool
	tiles         map[[2]int32]*image.RGBA
}

// softwarePlacement records one AddSurface call within the current frame.
type softwarePlacement struct {
	id       SurfaceID
	position image.Point
	clipRect image.Rectangle
}

// Software is the CPU fallback variant. Tiles live in process memory and
// frames are composited with golang.org/x/image/draw into an output image.
//
// It implements full capability semantics without a GPU, which also makes
// it the variant of choice for tests of the render thread: frame
// bracketing, tile lifetime, and context-loss handling are all observable.
type Software struct {
	width, height int
	surfaces      map[SurfaceID]*softwareSurface
	output        *image.RGBA

	// Current frame state.
	frameOpen  bool
	placements []softwarePlacement
	mappedTile *image.RGBA

	// Counters observable by tests and memory reports.
	beginFrameCount int
	endFrameCount   int

	nativeEnabled bool
	contextLost   bool
	deinitialized bool
}

// NewSoftware creates the software variant.
func NewSoftware(opts Options) (*Software, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("compositor: invalid dimensions %dx%d", opts.Width, opts.Height)
	}
	return &Software{
		width:    opts.Width,
		height:   opts.Height,
		surfaces: make(map[SurfaceID]*softwareSurface),
		output:   image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height)),
	}, nil
}

// CreateSurface allocates an empty tile grid.
func (s *Software) CreateSurface(id SurfaceID, virtualOffset image.Point, tileSize image.Point, isOpaque bool) error {
	if _, ok := s.surfaces[id]; ok {
		return fmt.Errorf("compositor: surface %d already exists", id)
	}
	s.surfaces[id] = &softwareSurface{
		virtualOffset: virtualOffset,
		tileSize:      tileSize,
		isOpaque:      isOpaque,
		tiles:         make(map[[2]int32]*image.RGBA),
	}
	return nil
}

// CreateTile allocates tile memory at (x, y).
func (s *Software) CreateTile(id SurfaceID, x, y int32) error {
	surf, ok := s.surfaces[id]
	if !ok {
		return &SurfaceNotFoundError{ID: id}
	}
	surf.tiles[[2]int32{x, y}] = image.NewRGBA(image.Rect(0, 0, surf.tileSize.X, surf.tileSize.Y))
	return nil
}

// DestroyTile releases tile memory at (x, y).
func (s *Software) DestroyTile(id SurfaceID, x, y int32) error {
	surf, ok := s.surfaces[id]
	if !ok {
		return &SurfaceNotFoundError{ID: id}
	}
	key := [2]int32{x, y}
	if _, ok := surf.tiles[key]; !ok {
		return &TileNotFoundError{ID: TileID{Surface: id, X: x, Y: y}}
	}
	delete(surf.tiles, key)
	return nil
}

// DestroySurface releases a surface and all remaining tiles.
func (s *Software) DestroySurface(id SurfaceID) error {
	if _, ok := s.surfaces[id]; !ok {
		return &SurfaceNotFoundError{ID: id}
	}
	delete(s.surfaces, id)
	return nil
}

// Bind is unsupported on the software variant; callers should consult
// Capabilities and use the MapTile path instead.
func (s *Software) Bind(id TileID, dirtyRect, validRect image.Rectangle) (image.Point, uint32, error) {
	return image.Point{}, 0, ErrBindUnsupported
}

// Unbind is a no-op on the software variant.
func (s *Software) Unbind() {}

// MapTile returns the tile's backing pixels for CPU writes.
func (s *Software) MapTile(id TileID, dirtyRect, validRect image.Rectangle) ([]byte, int, error) {
	surf, ok := s.surfaces[id.Surface]
	if !ok {
		return nil, 0, &SurfaceNotFoundError{ID: id.Surface}
	}
	tile, ok := surf.tiles[[2]int32{id.X, id.Y}]
	if !ok {
		return nil, 0, &TileNotFoundError{ID: id}
	}
	s.mappedTile = tile
	return tile.Pix, tile.Stride, nil
}

// UnmapTile unmaps the currently mapped tile.
func (s *Software) UnmapTile() {
	s.mappedTile = nil
}

// AddSurface queues a surface for composition in the current frame.
func (s *Software) AddSurface(id SurfaceID, position image.Point, clipRect image.Rectangle) error {
	if !s.frameOpen {
		return ErrNoFrame
	}
	if _, ok := s.surfaces[id]; !ok {
		return &SurfaceNotFoundError{ID: id}
	}
	s.placements = append(s.placements, softwarePlacement{id: id, position: position, clipRect: clipRect})
	return nil
}

// CompositorBeginFrame starts a new frame.
func (s *Software) CompositorBeginFrame() error {
	if s.contextLost {
		return errors.New("compositor: context lost")
	}
	if s.frameOpen {
		return ErrFrameInProgress
	}
	s.frameOpen = true
	s.placements = s.placements[:0]
	s.beginFrameCount++
	return nil
}

// CompositorEndFrame composites all queued surfaces into the output image
// and closes the frame.
func (s *Software) CompositorEndFrame() error {
	if !s.frameOpen {
		return ErrNoFrame
	}
	s.frameOpen = false
	s.endFrameCount++

	for _, p := range s.placements {
		surf := s.surfaces[p.id]
		for key, tile := range surf.tiles {
			origin := p.position.
				Add(image.Pt(int(key[0])*surf.tileSize.X, int(key[1])*surf.tileSize.Y))
			dst := tile.Bounds().Add(origin)
			if !p.clipRect.Empty() {
				dst = dst.Intersect(p.clipRect)
			}
			if dst.Empty() {
				continue
			}
			draw.Copy(s.output, dst.Min, tile, dst.Sub(origin), draw.Src, nil)
		}
	}

	webrender.Logger().Debug("software compositor frame",
		"surfaces", len(s.placements), "frame", s.endFrameCount)
	return nil
}

// EnableNativeCompositor records the request; the software variant has no
// OS compositor to hand surfaces to.
func (s *Software) EnableNativeCompositor(enable bool) {
	s.nativeEnabled = enable
}

// Capabilities returns the software variant's fixed capability flags.
func (s *Software) Capabilities() Capabilities {
	return Capabilities{
		VirtualSurfaceSize:       0,
		MaxUpdateRects:           1,
		SupportsNativeCompositor: false,
		SupportsSurfaceBinding:   false,
		SupportsExternalSurfaces: false,
	}
}

// SurfaceFormat returns the tile pixel format.
func (s *Software) SurfaceFormat() gputypes.TextureFormat {
	return gputypes.TextureFormatRGBA8Unorm
}

// MakeCurrent is a no-op success unless the context has been lost.
func (s *Software) MakeCurrent() error {
	if s.contextLost {
		return errors.New("compositor: context lost")
	}
	return nil
}

// IsContextLost reports a simulated context loss.
func (s *Software) IsContextLost() bool {
	return s.contextLost
}

// LoseContext marks the context lost. Subsequent MakeCurrent and frame
// calls fail until the compositor is recreated. Used to exercise the
// device reset path.
func (s *Software) LoseContext() {
	s.contextLost = true
}

// DeInit releases all surfaces.
func (s *Software) DeInit() {
	s.surfaces = nil
	s.output = nil
	s.deinitialized = true
}

// Output returns the composited frame image, for readback and frame
// recording. Nil after DeInit.
func (s *Software) Output() *image.RGBA {
	return s.output
}

// FrameCounts returns how many frames were begun and ended.
func (s *Software) FrameCounts() (begun, ended int) {
	return s.beginFrameCount, s.endFrameCount
}

var _ Compositor = (*Software)(nil)
