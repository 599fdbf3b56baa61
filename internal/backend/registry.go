package backend

import (
	"sync"

	"github.com/samber/lo"
)

// Registry enumerates available backends and publishes their capabilities.
// Registration order is preserved since the scheduler uses it as a
// tie-break.
type Registry struct {
	mu       sync.RWMutex
	byTag    map[Tag]*Backend
	ordered  []*Backend
	shutdown map[Tag]bool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byTag:    make(map[Tag]*Backend),
		shutdown: make(map[Tag]bool),
	}
}

// Register adds a backend, preserving registration order for tie-breaks.
func (r *Registry) Register(b *Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTag[b.Tag] = b
	r.ordered = append(r.ordered, b)
}

// Get returns the backend for a tag, if registered.
func (r *Registry) Get(tag Tag) (*Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byTag[tag]
	return b, ok
}

// All returns every registered backend in registration order.
func (r *Registry) All() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Backend(nil), r.ordered...)
}

// Available returns the subset of registered backends currently reporting
// IsAvailable() == true, in registration order.
func (r *Registry) Available() []*Backend {
	return lo.Filter(r.All(), func(b *Backend, _ int) bool { return b.IsAvailable() })
}

// MarkClosedForShutdown flags a backend as draining: hints may no longer
// select it even if IsAvailable() still returns true momentarily during
// quiesce.
func (r *Registry) MarkClosedForShutdown(tag Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown[tag] = true
}

// IsClosedForShutdown reports whether a tag has been flagged as draining.
func (r *Registry) IsClosedForShutdown(tag Tag) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shutdown[tag]
}

// ShutdownAll calls Shutdown on every registered backend, collecting errors.
func (r *Registry) ShutdownAll() []error {
	var errs []error
	for _, b := range r.All() {
		r.MarkClosedForShutdown(b.Tag)
		if err := b.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
