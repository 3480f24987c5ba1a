package config

import (
	"fmt"
	"sync"

	"github.com/a-essam23/go-collab/pkg/state"
)

// PermissionRegistry maps permission names to bits. The built-in
// permissions are always present; custom ones take the next free bit.
type PermissionRegistry struct {
	mu       sync.RWMutex
	registry map[string]state.Permission
	nextBit  uint
}

func NewPermissionRegistry() *PermissionRegistry {
	r := &PermissionRegistry{
		registry: make(map[string]state.Permission, len(state.BuiltInPerms)),
		nextBit:  uint(len(state.BuiltInPerms)),
	}
	for name, perm := range state.BuiltInPerms {
		r.registry[name] = perm
	}
	return r
}

// Full returns a bitmap containing all registered permissions.
func (r *PermissionRegistry) Full() state.Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var bitmap state.Permission
	for _, p := range r.registry {
		bitmap |= p
	}
	return bitmap
}

func (r *PermissionRegistry) Register(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := state.BuiltInPerms[name]; exists {
		return fmt.Errorf("'%s' is reserved for built in permission. please choose a different name", name)
	}
	if _, exists := r.registry[name]; exists {
		return fmt.Errorf("permission '%s' is already registered", name)
	}
	if r.nextBit >= 64 {
		return fmt.Errorf("cannot register new permission '%s': maximum of 64 permissions reached", name)
	}

	r.registry[name] = state.Permission(1 << r.nextBit)
	r.nextBit++
	return nil
}

// Compile takes a slice of permission names and returns a combined bitmap.
func (r *PermissionRegistry) Compile(names []string) (state.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var bitmap state.Permission
	for _, name := range names {
		value, ok := r.registry[name]
		if !ok {
			return 0, fmt.Errorf("permission '%s' not found", name)
		}
		bitmap |= value
	}
	return bitmap, nil
}

func (r *PermissionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.registry)
}
