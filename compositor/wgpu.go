package compositor

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/core"

	webrender "github.com/declantsien/webrender-native"
)

// wgpu errors.
var (
	// ErrNoGPU is returned when no usable GPU adapter exists.
	ErrNoGPU = errors.New("compositor: no GPU adapter available")
)

// Device owns a wgpu instance, adapter, logical device and queue, and
// implements gpucontext.DeviceProvider so texture hosts and renderers can
// share it. The render thread holds exactly one Device at a time and
// replaces it wholesale on device reset.
type Device struct {
	instance *core.Instance
	adapter  core.AdapterID
	device   core.DeviceID
	queue    core.QueueID

	format gputypes.TextureFormat

	name    string
	driver  string
	adpType gpucontext.AdapterType

	lost bool
}

// NewDevice creates the shared GPU device. It requests a high-performance
// adapter, creates a logical device with default limits, and retrieves its
// queue. Resources already acquired are released on any failure.
func NewDevice() (*Device, error) {
	instance := core.NewInstance(&gputypes.InstanceDescriptor{
		Backends: gputypes.BackendsPrimary,
		Flags:    0,
	})

	adapterID, err := instance.RequestAdapter(&gputypes.RequestAdapterOptions{
		PowerPreference: gputypes.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoGPU, err)
	}

	deviceID, err := core.RequestDevice(adapterID, &gputypes.DeviceDescriptor{
		Label:          "webrender-device",
		RequiredLimits: gputypes.DefaultLimits(),
	})
	if err != nil {
		_ = core.AdapterDrop(adapterID)
		return nil, fmt.Errorf("compositor: device creation failed: %w", err)
	}

	queueID, err := core.GetDeviceQueue(deviceID)
	if err != nil {
		_ = core.DeviceDrop(deviceID)
		_ = core.AdapterDrop(adapterID)
		return nil, fmt.Errorf("compositor: queue retrieval failed: %w", err)
	}

	d := &Device{
		instance: instance,
		adapter:  adapterID,
		device:   deviceID,
		queue:    queueID,
		format:   gputypes.TextureFormatBGRA8Unorm,
	}

	d.adpType = gpucontext.AdapterTypeUnknown
	if info, err := core.GetAdapterInfo(adapterID); err == nil {
		d.name = info.Name
		d.driver = info.Driver
		d.adpType = adapterType(info.DeviceType)
		webrender.Logger().Info("GPU device created", "adapter", info.Name, "backend", info.Backend)
	}

	return d, nil
}

// adapterType maps the wgpu device type onto the provider classification.
func adapterType(t gputypes.DeviceType) gpucontext.AdapterType {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		return gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		return gpucontext.AdapterTypeSoftware
	default:
		return gpucontext.AdapterTypeUnknown
	}
}

// Device returns the provider's logical device handle.
func (d *Device) Device() gpucontext.Device { return wgpuDevice{d} }

// Queue returns the provider's queue handle.
func (d *Device) Queue() gpucontext.Queue { return d.queue }

// Adapter returns the provider's adapter handle.
func (d *Device) Adapter() gpucontext.Adapter { return d.adapter }

// SurfaceFormat returns the swapchain pixel format.
func (d *Device) SurfaceFormat() gputypes.TextureFormat { return d.format }

// AdapterInfo returns the adapter name and classification for diagnostics.
func (d *Device) AdapterInfo() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Name: d.name, Type: d.adpType}
}

// Name returns the adapter name for diagnostics.
func (d *Device) Name() string { return d.name }

// Release drops the device, queue and adapter. Release must run on the
// render thread; callers elsewhere go through the event queue.
func (d *Device) Release() {
	if !d.device.IsZero() {
		if err := core.DeviceDrop(d.device); err != nil {
			webrender.Logger().Warn("error releasing device", "err", err)
		}
		d.device = core.DeviceID{}
	}
	if !d.adapter.IsZero() {
		if err := core.AdapterDrop(d.adapter); err != nil {
			webrender.Logger().Warn("error releasing adapter", "err", err)
		}
		d.adapter = core.AdapterID{}
	}
	d.queue = core.QueueID{}
	d.instance = nil
	d.lost = true
}

// Lost reports whether Release has been called.
func (d *Device) Lost() bool { return d.lost }

// wgpuDevice adapts a core device ID to gpucontext.Device.
type wgpuDevice struct {
	owner *Device
}

// Poll is a no-op; the wgpu core polls internally on submission.
func (wgpuDevice) Poll(wait bool) {}

// Destroy releases the owning provider's resources.
func (w wgpuDevice) Destroy() { w.owner.Release() }

// wgpuAvailable probes for a usable adapter once and caches the answer.
var wgpuAvailable = sync.OnceValue(func() bool {
	instance := core.NewInstance(&gputypes.InstanceDescriptor{
		Backends: gputypes.BackendsPrimary,
	})
	adapterID, err := instance.RequestAdapter(&gputypes.RequestAdapterOptions{
		PowerPreference: gputypes.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return false
	}
	_ = core.AdapterDrop(adapterID)
	return true
})

// WGPU is the GPU-backed variant. Surface and tile bookkeeping mirrors the
// software variant; tile contents are staged CPU-side and the device is the
// piece the render thread actually shares with texture hosts. Binding a
// tile yields the default framebuffer of the window swapchain.
type WGPU struct {
	*Software
	device *Device
}

// NewWGPU creates the wgpu variant with its own shared device.
func NewWGPU(opts Options) (*WGPU, error) {
	device, err := NewDevice()
	if err != nil {
		return nil, err
	}
	return NewWGPUWithDevice(opts, device)
}

// NewWGPUWithDevice creates the wgpu variant on an existing shared device.
// The caller retains ownership of the device.
func NewWGPUWithDevice(opts Options, device *Device) (*WGPU, error) {
	sw, err := NewSoftware(opts)
	if err != nil {
		return nil, err
	}
	return &WGPU{Software: sw, device: device}, nil
}

// Bind makes a tile the current render target.
func (w *WGPU) Bind(id TileID, dirtyRect, validRect image.Rectangle) (image.Point, uint32, error) {
	surf, ok := w.surfaces[id.Surface]
	if !ok {
		return image.Point{}, 0, &SurfaceNotFoundError{ID: id.Surface}
	}
	if _, ok := surf.tiles[[2]int32{id.X, id.Y}]; !ok {
		return image.Point{}, 0, &TileNotFoundError{ID: id}
	}
	offset := surf.virtualOffset.Add(image.Pt(int(id.X)*surf.tileSize.X, int(id.Y)*surf.tileSize.Y))
	return offset, 0, nil
}

// Capabilities returns the wgpu variant's fixed capability flags.
func (w *WGPU) Capabilities() Capabilities {
	caps := Capabilities{
		VirtualSurfaceSize:       1 << 14,
		MaxUpdateRects:           4,
		SupportsNativeCompositor: false,
		SupportsSurfaceBinding:   true,
		SupportsExternalSurfaces: true,
	}
	if limits, err := core.GetDeviceLimits(w.device.device); err == nil {
		if int32(limits.MaxTextureDimension2D) < caps.VirtualSurfaceSize {
			caps.VirtualSurfaceSize = int32(limits.MaxTextureDimension2D)
		}
	}
	return caps
}

// SurfaceFormat returns the shared device's swapchain format.
func (w *WGPU) SurfaceFormat() gputypes.TextureFormat {
	return w.device.SurfaceFormat()
}

// IsContextLost reports whether the shared device has been released out
// from under the compositor.
func (w *WGPU) IsContextLost() bool {
	return w.device.Lost() || w.Software.IsContextLost()
}

// DeInit releases surfaces. The shared device is owned by the render
// thread and is not released here.
func (w *WGPU) DeInit() {
	w.Software.DeInit()
}

var _ Compositor = (*WGPU)(nil)
var _ gpucontext.DeviceProvider = (*Device)(nil)

func init() {
	Register("wgpu", 100, func(opts Options) (Compositor, error) {
		return NewWGPU(opts)
	}, wgpuAvailable)
}
