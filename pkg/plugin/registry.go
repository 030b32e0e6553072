package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a handle from its configuration block.
type Factory func(options map[string]any) (Handle, error)

// Registry maps plugin names to factories. Plugins are compiled in and
// registered here; /load instantiates them by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Builtins returns a registry holding the plugins shipped with the gateway.
func Builtins() *Registry {
	r := NewRegistry()
	r.Add(PingName, func(map[string]any) (Handle, error) { return NewPing(), nil })
	r.Add(AutoReplyName, NewAutoReplyFromOptions)
	return r
}

func (r *Registry) Add(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

func (r *Registry) Build(name string, options map[string]any) (Handle, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", name)
	}
	return factory(options)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
