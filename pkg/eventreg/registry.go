// Package eventreg implements the process-wide event variant name registry:
// a mapping from an event's runtime type to the stable string name used in
// snapshots and wire debug traces.
package eventreg

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry maps event variant types to stable names. The zero value is not
// usable; construct with New.
type Registry struct {
	mu    sync.RWMutex
	names map[reflect.Type]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{names: make(map[reflect.Type]string)}
}

// Register binds variant's runtime type to name. Registering the same type
// again with a different name fails; re-registering with the same name is a
// no-op success, matching idempotent startup registration.
func (r *Registry) Register(variant interface{}, name string) error {
	t := reflect.TypeOf(variant)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.names[t]; ok {
		if existing != name {
			return fmt.Errorf("eventreg: variant %s already registered as %q", t, existing)
		}
		return nil
	}
	r.names[t] = name
	return nil
}

// NameOf returns the registered name for event's runtime type, falling back
// to the type's unqualified name when unregistered.
func (r *Registry) NameOf(event interface{}) string {
	t := reflect.TypeOf(event)
	r.mu.RLock()
	name, ok := r.names[t]
	r.mu.RUnlock()
	if ok {
		return name
	}
	if t == nil {
		return "<nil>"
	}
	return t.Name()
}
