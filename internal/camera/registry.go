package camera

import (
	"log/slog"
	"sync"
)

// Registry tracks which devices are currently open in this process.
//
// It replaces a process-global set: every component that opens devices gets
// the same *Registry injected, and tests create their own.
type Registry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]struct{})}
}

// Acquire registers d. It fails fast with an *Error of KindAlreadyInUse when
// d is already held; it never blocks waiting for the owner.
func (r *Registry) Acquire(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := d.Key()
	if _, taken := r.active[key]; taken {
		return NewError(KindAlreadyInUse, "open", 0, "", ErrAlreadyInUse)
	}
	r.active[key] = struct{}{}

	slog.Debug("camera: device registered", "device", key)
	return nil
}

// Release drops d. Releasing an unregistered device is a no-op.
func (r *Registry) Release(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := d.Key()
	if _, ok := r.active[key]; ok {
		delete(r.active, key)
		slog.Debug("camera: device released", "device", key)
	}
}

// InUse reports whether d is currently registered.
func (r *Registry) InUse(d Descriptor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[d.Key()]
	return ok
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
