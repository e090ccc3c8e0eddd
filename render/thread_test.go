package render

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/declantsien/webrender-native/compositor"
)

// mockDevice implements gpucontext.Device for testing.
type mockDevice struct {
	mu        sync.Mutex
	destroyed bool
}

func (m *mockDevice) Poll(wait bool) {}

func (m *mockDevice) Destroy() {
	m.mu.Lock()
	m.destroyed = true
	m.mu.Unlock()
}

func (m *mockDevice) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// mockProvider implements gpucontext.DeviceProvider for testing.
type mockProvider struct {
	device *mockDevice
}

func newMockProvider() *mockProvider {
	return &mockProvider{device: &mockDevice{}}
}

func (m *mockProvider) Device() gpucontext.Device             { return m.device }
func (m *mockProvider) Queue() gpucontext.Queue               { return nil }
func (m *mockProvider) Adapter() gpucontext.Adapter           { return nil }
func (m *mockProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatRGBA8Unorm }
func (m *mockProvider) AdapterInfo() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Name: "mock", Type: gpucontext.AdapterTypeSoftware}
}

var _ gpucontext.DeviceProvider = (*mockProvider)(nil)

// startTestThread starts a render thread on a mock device and shuts it
// down when the test ends.
func startTestThread(t *testing.T, opts Options) *Thread {
	t.Helper()
	if opts.NewDevice == nil {
		opts.NewDevice = func() (gpucontext.DeviceProvider, error) {
			return newMockProvider(), nil
		}
	}
	th, err := Start(opts)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(th.Shutdown)
	return th
}

// runOn runs fn on the render thread and waits for it.
func runOn(t *testing.T, th *Thread, fn func(th *Thread)) {
	t.Helper()
	done := make(chan struct{})
	th.RunEvent(0, EventFunc(func(th *Thread, _ WindowID) {
		fn(th)
		close(done)
	}))
	<-done
}

// addTestRenderer installs a software-compositor renderer for window and
// returns its compositor for inspection.
func addTestRenderer(t *testing.T, th *Thread, window WindowID) *compositor.Software {
	t.Helper()
	comp, err := compositor.NewSoftware(compositor.Options{Width: 64, Height: 64})
	if err != nil {
		t.Fatalf("NewSoftware failed: %v", err)
	}
	runOn(t, th, func(th *Thread) {
		th.AddRenderer(window, NewRenderer(window, comp, th.Device()))
	})
	return comp
}

func TestStartAndShutdown(t *testing.T) {
	dev := newMockProvider()
	th, err := Start(Options{
		NewDevice: func() (gpucontext.DeviceProvider, error) { return dev, nil },
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	th.Shutdown()
	if !dev.device.Destroyed() {
		t.Error("shutdown should release the GPU device")
	}

	// Shutdown is idempotent.
	th.Shutdown()
}

func TestStartDeviceFailure(t *testing.T) {
	wantErr := fmt.Errorf("no adapter")
	_, err := Start(Options{
		NewDevice: func() (gpucontext.DeviceProvider, error) { return nil, wantErr },
	})
	if err == nil {
		t.Fatal("Start should fail when device creation fails")
	}
}

func TestRunEventOrderingAcrossProducers(t *testing.T) {
	th := startTestThread(t, Options{})

	const producers = 8
	const perProducer = 100

	// observed is touched only on the render thread.
	type submission struct{ producer, seq int }
	var observed []submission

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for seq := 0; seq < perProducer; seq++ {
				th.RunEvent(WindowID(1), EventFunc(func(*Thread, WindowID) {
					observed = append(observed, submission{producer: p, seq: seq})
				}))
			}
		}(p)
	}
	wg.Wait()

	var total int
	runOn(t, th, func(*Thread) { total = len(observed) })
	if total != producers*perProducer {
		t.Fatalf("expected %d events applied, got %d", producers*perProducer, total)
	}

	// Each producer's own stream must appear in submission order.
	lastSeq := make([]int, producers)
	for i := range lastSeq {
		lastSeq[i] = -1
	}
	for _, s := range observed {
		if s.seq != lastSeq[s.producer]+1 {
			t.Fatalf("producer %d reordered: saw seq %d after %d", s.producer, s.seq, lastSeq[s.producer])
		}
		lastSeq[s.producer] = s.seq
	}
}

func TestRunEventImmediateOnRenderThread(t *testing.T) {
	th := startTestThread(t, Options{})

	var nested bool
	runOn(t, th, func(th *Thread) {
		if !th.OnRenderThread() {
			t.Error("runOn should execute on the render thread")
		}
		// A nested RunEvent from the render thread applies immediately,
		// not after this event returns.
		th.RunEvent(2, EventFunc(func(*Thread, WindowID) { nested = true }))
		if !nested {
			t.Error("nested RunEvent should apply immediately on the render thread")
		}
	})
}

func TestAddRemoveGetRenderer(t *testing.T) {
	th := startTestThread(t, Options{})
	addTestRenderer(t, th, 1)
	addTestRenderer(t, th, 2)

	runOn(t, th, func(th *Thread) {
		if th.GetRenderer(1) == nil {
			t.Error("GetRenderer(1) returned nil")
		}
		if th.RendererCount() != 2 {
			t.Errorf("expected 2 renderers, got %d", th.RendererCount())
		}

		th.RemoveRenderer(1)
		if th.GetRenderer(1) != nil {
			t.Error("renderer 1 should be gone after RemoveRenderer")
		}
		// Idempotent against a lookup miss.
		th.RemoveRenderer(1)
		if th.RendererCount() != 1 {
			t.Errorf("expected 1 renderer, got %d", th.RendererCount())
		}
	})
}

func TestUpdateAndRenderConsumesPendingFrame(t *testing.T) {
	th := startTestThread(t, Options{})
	comp := addTestRenderer(t, th, 1)

	th.IncPendingFrameCount(1, 1, time.Now())
	if got := th.PendingFrameCount(1); got != 1 {
		t.Fatalf("expected 1 pending frame, got %d", got)
	}

	runOn(t, th, func(th *Thread) {
		th.UpdateAndRender(1, 1, time.Now(), true, nil)
	})

	if got := th.PendingFrameCount(1); got != 0 {
		t.Errorf("expected empty pending queue after render, got %d", got)
	}
	begun, ended := comp.FrameCounts()
	if begun != 1 || ended != 1 {
		t.Errorf("expected exactly one begin/end frame bracket, got begin=%d end=%d", begun, ended)
	}
}

func TestHandleFrameOneDoc(t *testing.T) {
	th := startTestThread(t, Options{})
	comp := addTestRenderer(t, th, 1)

	th.IncPendingFrameCount(1, 7, time.Now())
	th.HandleFrameOneDoc(1, true)

	// Synchronize behind the frame event.
	runOn(t, th, func(*Thread) {})

	if got := th.PendingFrameCount(1); got != 0 {
		t.Errorf("expected pending frame consumed, got %d", got)
	}
	if _, ended := comp.FrameCounts(); ended != 1 {
		t.Errorf("expected one frame, got %d", ended)
	}
}

func TestWakeUpDoesNotConsumePendingFrames(t *testing.T) {
	th := startTestThread(t, Options{})
	comp := addTestRenderer(t, th, 1)

	th.IncPendingFrameCount(1, 3, time.Now())
	th.WakeUp(1)
	runOn(t, th, func(*Thread) {})

	if got := th.PendingFrameCount(1); got != 1 {
		t.Errorf("WakeUp should not pop pending frames, got count %d", got)
	}
	if _, ended := comp.FrameCounts(); ended != 1 {
		t.Errorf("WakeUp should composite one frame, got %d", ended)
	}
}

func TestUpdateAndRenderDestroyedWindow(t *testing.T) {
	th := startTestThread(t, Options{})
	comp := addTestRenderer(t, th, 1)

	th.SetDestroyed(1)
	runOn(t, th, func(th *Thread) {
		th.UpdateAndRender(1, 1, time.Now(), true, nil)
	})

	if begun, _ := comp.FrameCounts(); begun != 0 {
		t.Errorf("destroyed window must not render, got %d frames", begun)
	}
}

func TestPauseResume(t *testing.T) {
	th := startTestThread(t, Options{})
	comp := addTestRenderer(t, th, 1)

	runOn(t, th, func(th *Thread) {
		th.Pause(1)
		th.UpdateAndRender(1, 0, time.Now(), true, nil)
		if begun, _ := comp.FrameCounts(); begun != 0 {
			t.Errorf("paused window must not render, got %d frames", begun)
		}

		if !th.Resume(1) {
			t.Error("Resume should succeed with a healthy context")
		}
		th.UpdateAndRender(1, 0, time.Now(), true, nil)
		if begun, _ := comp.FrameCounts(); begun != 1 {
			t.Errorf("resumed window should render, got %d frames", begun)
		}

		if th.Resume(99) {
			t.Error("Resume of unknown window should report false")
		}
	})
}

func TestAccumulateMemoryReport(t *testing.T) {
	th := startTestThread(t, Options{})
	addTestRenderer(t, th, 1)
	addTestRenderer(t, th, 2)

	initial := MemoryReport{TextureBytes: 10}
	report := <-th.AccumulateMemoryReport(initial)

	if report.Renderers != 2 {
		t.Errorf("expected 2 renderers in report, got %d", report.Renderers)
	}
	if report.TextureBytes < 10 {
		t.Errorf("report should include the initial value, got %d", report.TextureBytes)
	}
}

func TestPipelineSizeChangedFeedsMemoryReport(t *testing.T) {
	th := startTestThread(t, Options{})
	addTestRenderer(t, th, 1)

	th.PipelineSizeChanged(1, 7, 100, 50)
	report := <-th.AccumulateMemoryReport(MemoryReport{})
	if want := uint64(100 * 50 * 4); report.PipelineBytes != want {
		t.Errorf("PipelineBytes = %d, want %d", report.PipelineBytes, want)
	}

	// A second report for the same pipeline replaces, not accumulates.
	th.PipelineSizeChanged(1, 7, 10, 10)
	report = <-th.AccumulateMemoryReport(MemoryReport{})
	if want := uint64(10 * 10 * 4); report.PipelineBytes != want {
		t.Errorf("PipelineBytes after resize = %d, want %d", report.PipelineBytes, want)
	}

	// Zero size drops the entry.
	th.PipelineSizeChanged(1, 7, 0, 0)
	report = <-th.AccumulateMemoryReport(MemoryReport{})
	if report.PipelineBytes != 0 {
		t.Errorf("PipelineBytes after drop = %d, want 0", report.PipelineBytes)
	}

	// Unknown windows are ignored.
	th.PipelineSizeChanged(9, 7, 100, 100)
	report = <-th.AccumulateMemoryReport(MemoryReport{})
	if report.PipelineBytes != 0 {
		t.Errorf("unknown window should not contribute, got %d", report.PipelineBytes)
	}
}

func TestScheduleRenderTaskOrdering(t *testing.T) {
	th := startTestThread(t, Options{})

	var order []int
	th.RunEvent(0, EventFunc(func(*Thread, WindowID) { order = append(order, 1) }))
	th.ScheduleRenderTask(func() { order = append(order, 2) })
	th.RunEvent(0, EventFunc(func(*Thread, WindowID) { order = append(order, 3) }))

	runOn(t, th, func(*Thread) {})
	for i, v := range order {
		if v != i+1 {
			t.Fatalf("tasks ran out of order: %v", order)
		}
	}
}

func TestThreadPools(t *testing.T) {
	th := startTestThread(t, Options{SceneBuilderWorkers: 2})

	if th.ThreadPool().Workers() != 2 {
		t.Errorf("expected 2 workers, got %d", th.ThreadPool().Workers())
	}
	if th.ThreadPoolLP().Workers() != 1 {
		t.Errorf("expected 1 low-priority worker, got %d", th.ThreadPoolLP().Workers())
	}

	done := make(chan struct{})
	if !th.ThreadPool().Submit(func() { close(done) }) {
		t.Fatal("Submit failed on a running pool")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scene build task never ran")
	}
}
