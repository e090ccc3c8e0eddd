package compositor

import (
	"errors"
	"sort"
	"sync"

	"github.com/gogpu/gputypes"
)

// Options carries construction parameters for a backend variant.
type Options struct {
	// Width, Height are the window surface dimensions in pixels.
	Width, Height int

	// Format is the requested tile pixel format.
	// Zero value lets the backend pick its preferred format.
	Format gputypes.TextureFormat

	// NativeCompositor requests OS-level compositing where the variant
	// supports it.
	NativeCompositor bool
}

// Factory builds a Compositor from construction options. A factory that
// cannot satisfy the options returns an error rather than a degraded
// instance.
type Factory func(opts Options) (Compositor, error)

// RegistryEntry is one registered backend variant.
type RegistryEntry struct {
	// Name uniquely identifies the variant within a registry.
	Name string

	// Priority orders selection, highest wins. GPU variants register
	// at 100, the software fallback at 10.
	Priority int

	// Factory builds instances of this variant.
	Factory Factory

	// Available probes whether the variant can run on this system.
	Available func() bool
}

var globalRegistry = &Registry{}

// Registry manages registered compositor backend variants.
//
// Platform packages register their variants at init time; selection among
// them happens once per window at renderer construction and is fixed for
// that window's lifetime.
//
// Registration:
//
//	func init() {
//	    compositor.Register("wgpu", 100, newWGPU, wgpuAvailable)
//	}
//
// Construction:
//
//	c, err := compositor.NewByName("wgpu", opts)
//	// or auto-select best available:
//	c, err := compositor.New(opts)
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*RegistryEntry
}

// NewRegistry returns an empty registry. Outside of tests the package-level
// functions, which operate on the shared registry, are the usual entry
// point.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*RegistryEntry),
	}
}

// Register adds a variant to the shared registry. A nil available func
// marks the variant usable unconditionally; re-registering a name swaps
// out the old entry.
func Register(name string, priority int, factory Factory, available func() bool) {
	globalRegistry.Register(name, priority, factory, available)
}

// Unregister drops a variant from the shared registry.
func Unregister(name string) {
	globalRegistry.Unregister(name)
}

// List returns every registered variant name, highest priority first.
func List() []string {
	return globalRegistry.List()
}

// Available returns the usable variant names, highest priority first.
func Available() []string {
	return globalRegistry.Available()
}

// Get looks up a variant in the shared registry.
func Get(name string) (*RegistryEntry, bool) {
	return globalRegistry.Get(name)
}

// New builds a compositor from the highest-priority usable variant in the
// shared registry.
func New(opts Options) (Compositor, error) {
	return globalRegistry.New(opts)
}

// NewByName builds a compositor from a specific variant in the shared
// registry.
func NewByName(name string, opts Options) (Compositor, error) {
	return globalRegistry.NewByName(name, opts)
}

// Register adds a variant to this registry.
func (r *Registry) Register(name string, priority int, factory Factory, available func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries == nil {
		r.entries = make(map[string]*RegistryEntry)
	}

	if available == nil {
		available = func() bool { return true }
	}

	r.entries[name] = &RegistryEntry{
		Name:      name,
		Priority:  priority,
		Factory:   factory,
		Available: available,
	}
}

// Unregister drops a variant from this registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, name)
}

// List returns every registered variant name, highest priority first.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sortedNames(false)
}

// Available returns the usable variant names, highest priority first.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sortedNames(true)
}

// Get looks up a variant by name.
func (r *Registry) Get(name string) (*RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}

	// Hand out a copy; the stored entry stays private.
	entryCopy := *entry
	return &entryCopy, true
}

// New builds a compositor from the highest-priority usable variant,
// falling through to lower-priority variants whose factories fail.
func (r *Registry) New(opts Options) (Compositor, error) {
	r.mu.RLock()
	available := r.sortedNames(true)
	r.mu.RUnlock()

	if len(available) == 0 {
		return nil, ErrNoBackendAvailable
	}

	var lastErr error
	for _, name := range available {
		c, err := r.NewByName(name, opts)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoBackendAvailable
}

// NewByName builds a compositor from a specific variant.
func (r *Registry) NewByName(name string, opts Options) (Compositor, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &BackendNotFoundError{Name: name}
	}

	if !entry.Available() {
		return nil, &BackendUnavailableError{Name: name}
	}

	return entry.Factory(opts)
}

// sortedNames returns variant names ordered by descending priority,
// optionally skipping unavailable ones. Callers hold r.mu.
func (r *Registry) sortedNames(onlyAvailable bool) []string {
	if len(r.entries) == 0 {
		return nil
	}

	type entry struct {
		name     string
		priority int
	}

	entries := make([]entry, 0, len(r.entries))
	for name, e := range r.entries {
		if onlyAvailable && !e.Available() {
			continue
		}
		entries = append(entries, entry{name: name, priority: e.Priority})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].priority > entries[j].priority
	})

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

// Errors.
var (
	// ErrNoBackendAvailable is returned when no compositor variants are
	// registered or available on the current system.
	ErrNoBackendAvailable = errors.New("compositor: no backend available")
)

// BackendNotFoundError indicates a named variant is not registered.
type BackendNotFoundError struct {
	Name string
}

func (e *BackendNotFoundError) Error() string {
	return "compositor: backend not found: " + e.Name
}

// BackendUnavailableError indicates a variant exists but is not available.
type BackendUnavailableError struct {
	Name string
}

func (e *BackendUnavailableError) Error() string {
	return "compositor: backend unavailable: " + e.Name
}

// init registers the built-in software variant.
func init() {
	Register("software", 10, func(opts Options) (Compositor, error) {
		return NewSoftware(opts)
	}, nil)
}
