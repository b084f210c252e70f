package hostfunc

import (
	"context"
	"sort"
	"sync"
)

// Func performs one host operation. args and the returned result are the
// raw bytes carried by syscallRequest and syscallResponse. A returned error
// becomes the response errno via errno.From.
type Func func(ctx context.Context, args []byte) ([]byte, error)

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capabilities is an immutable set of host function names a guest instance
// may invoke.
type Capabilities struct {
	names map[string]struct{}
}

// NewCapabilities returns a set holding names.
func NewCapabilities(names ...string) Capabilities {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return Capabilities{names: set}
}

// Allows reports whether name is in the set.
func (c Capabilities) Allows(name string) bool {
	_, ok := c.names[name]
	return ok
}

// Names returns the members in sorted order.
func (c Capabilities) Names() []string {
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (c Capabilities) Len() int { return len(c.names) }
