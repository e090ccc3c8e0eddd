package texture

import (
	"slices"
	"sync"

	"github.com/gogpu/gpucontext"

	webrender "github.com/declantsien/webrender-native"
)

// Scheduler queues work onto the render thread. The registry uses it to
// get deferred destruction and one-time host setup executed on the only
// goroutine allowed to touch GPU resources.
//
// Implementations must preserve submission order with all other work they
// execute (render.Thread does).
type Scheduler interface {
	ScheduleRenderTask(fn func())
}

// inlineScheduler runs tasks synchronously on the calling goroutine.
// Only suitable when the caller is the render thread, as in tests.
type inlineScheduler struct{}

func (inlineScheduler) ScheduleRenderTask(fn func()) { fn() }

// InlineScheduler returns a Scheduler that runs tasks immediately on the
// calling goroutine. Intended for tests and single-threaded harnesses.
func InlineScheduler() Scheduler { return inlineScheduler{} }

// Registry is the process-wide map from external image ids to texture
// hosts.
//
// Registration and unregistration are callable from any goroutine and
// guarded by the registry's own mutex, distinct from any render-thread
// lock, so producers never block on GPU work. Destruction of host
// resources only ever happens on the render thread:
//
//   - Unregister moves the host from the live map to a deferred-destroy
//     list and schedules a drain.
//   - UnregisterDuringShutdown destroys immediately and is therefore
//     restricted to the render thread.
//
// A host is never reachable from the live map and the deferred list at
// the same time, and never sits in the prepare-for-use and deferred lists
// at the same time.
type Registry struct {
	scheduler Scheduler

	mu       sync.Mutex
	textures map[ExternalImageID]Host

	// Hosts awaiting one-time setup on the render thread. Setup is
	// guaranteed to happen before the host's first Lock.
	prepareForUse []Host

	// Hosts removed from the live map, awaiting destruction on the
	// render thread.
	deferred []Host

	// Hosts whose producers signalled that no pipeline references them.
	notUsed []Host
}

// NewRegistry creates a registry that marshals destruction through the
// given scheduler.
func NewRegistry(s Scheduler) *Registry {
	if s == nil {
		s = inlineScheduler{}
	}
	return &Registry{
		scheduler: s,
		textures:  make(map[ExternalImageID]Host),
	}
}

// Register inserts a host under id. Callable from any goroutine.
//
// Registering an id that is already live is a logged no-op: the prior
// mapping is kept and the new host is dropped. Producers treat
// registration as best-effort idempotent.
func (r *Registry) Register(id ExternalImageID, host Host) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.textures[id]; ok {
		webrender.Logger().Warn("duplicate external image registration", "id", uint64(id))
		return
	}
	r.textures[id] = host
}

// Get returns the host registered under id, or nil. Render thread only.
func (r *Registry) Get(id ExternalImageID) Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.textures[id]
}

// PrepareForUse stages the host for one-time setup on the render thread.
// Callable from any goroutine. The setup runs exactly once, before the
// host's first Lock.
func (r *Registry) PrepareForUse(id ExternalImageID) {
	r.mu.Lock()
	host, ok := r.textures[id]
	if ok {
		r.prepareForUse = append(r.prepareForUse, host)
	}
	r.mu.Unlock()

	if !ok {
		webrender.Logger().Warn("PrepareForUse for unregistered external image", "id", uint64(id))
		return
	}
	r.scheduler.ScheduleRenderTask(func() { r.handlePrepareForUse(nil) })
}

// HandlePrepareForUse runs pending one-time setup against the shared
// device. Render thread only; called at the top of every frame so setup
// always precedes the first Lock even if the scheduled task has not run
// yet.
func (r *Registry) HandlePrepareForUse(dev gpucontext.DeviceProvider) {
	r.handlePrepareForUse(dev)
}

func (r *Registry) handlePrepareForUse(dev gpucontext.DeviceProvider) {
	r.mu.Lock()
	pending := r.prepareForUse
	r.prepareForUse = nil
	r.mu.Unlock()

	for _, host := range pending {
		p, ok := host.(Preparer)
		if !ok {
			continue
		}
		if err := p.PrepareForUse(dev); err != nil {
			webrender.Logger().Warn("external image setup failed", "err", err)
		}
	}
}

// Unregister removes id from the live map. Callable from any goroutine.
//
// The host's resources are not released here: the host may be mid-use by
// an in-flight render on the dedicated context, so it is appended to the
// deferred-destroy list and freed when the render thread next drains it.
// New Lock calls can no longer reach the host as soon as Unregister
// returns.
func (r *Registry) Unregister(id ExternalImageID) {
	r.mu.Lock()
	host, ok := r.textures[id]
	if ok {
		delete(r.textures, id)
		// A host must never sit in prepare-for-use and deferred at once.
		r.prepareForUse = removeHost(r.prepareForUse, host)
		r.notUsed = removeHost(r.notUsed, host)
		r.deferred = append(r.deferred, host)
	}
	r.mu.Unlock()

	if !ok {
		webrender.Logger().Warn("unregister of unknown external image", "id", uint64(id))
		return
	}
	r.scheduler.ScheduleRenderTask(r.DeferredDestroy)
}

// UnregisterDuringShutdown removes id and destroys its host immediately,
// bypassing deferral. Render thread only; used while the device itself is
// being torn down, when a deferred callback would never run.
func (r *Registry) UnregisterDuringShutdown(id ExternalImageID) {
	r.mu.Lock()
	host, ok := r.textures[id]
	if ok {
		delete(r.textures, id)
		r.prepareForUse = removeHost(r.prepareForUse, host)
		r.notUsed = removeHost(r.notUsed, host)
	}
	r.mu.Unlock()

	if ok {
		host.Destroy()
	}
}

// NotifyNotUsed records that no pipeline references the host anymore.
// Callable from any goroutine; the notification is delivered on the
// render thread.
func (r *Registry) NotifyNotUsed(id ExternalImageID) {
	r.mu.Lock()
	host, ok := r.textures[id]
	if ok {
		r.notUsed = append(r.notUsed, host)
	}
	r.mu.Unlock()

	if ok {
		r.scheduler.ScheduleRenderTask(r.drainNotUsed)
	}
}

// drainNotUsed delivers pending not-used notifications. Render thread only.
func (r *Registry) drainNotUsed() {
	r.mu.Lock()
	pending := r.notUsed
	r.notUsed = nil
	r.mu.Unlock()

	for _, host := range pending {
		if n, ok := host.(NotUsedNotifier); ok {
			n.NotifyNotUsed()
		}
	}
}

// DeferredDestroy destroys all hosts on the deferred list. Render thread
// only.
func (r *Registry) DeferredDestroy() {
	r.mu.Lock()
	pending := r.deferred
	r.deferred = nil
	r.mu.Unlock()

	for _, host := range pending {
		host.Destroy()
	}
}

// PurgeAll removes and destroys every host: the live map, the deferred
// list, and both staging lists. Render thread only; used on device reset
// when the underlying platform resources are already invalid and deferral
// would leak.
func (r *Registry) PurgeAll() {
	r.mu.Lock()
	hosts := make([]Host, 0, len(r.textures)+len(r.deferred))
	for _, host := range r.textures {
		hosts = append(hosts, host)
	}
	hosts = append(hosts, r.deferred...)
	r.textures = make(map[ExternalImageID]Host)
	r.deferred = nil
	r.prepareForUse = nil
	r.notUsed = nil
	r.mu.Unlock()

	for _, host := range hosts {
		host.Destroy()
	}
}

// Count returns the number of live registrations.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.textures)
}

// Bytes sums the memory footprint of all live hosts, for memory reports.
func (r *Registry) Bytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total uint64
	for _, host := range r.textures {
		total += host.Bytes()
	}
	return total
}

// removeHost deletes the first occurrence of host from list.
func removeHost(list []Host, host Host) []Host {
	i := slices.IndexFunc(list, func(h Host) bool { return h == host })
	if i < 0 {
		return list
	}
	return slices.Delete(list, i, i+1)
}
