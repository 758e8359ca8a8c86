// Package scenescript holds the named, parametrized checks that scene
// references in rule expressions invoke.
package scenescript

import (
	"context"
	"sort"
	"sync"

	"rcs/internal/domain"
	"rcs/pkg/errors"
)

// Script decides one scene reference for an occurrence.
type Script func(ctx context.Context, occ *domain.Occurrence, params Params) (bool, error)

// Registry maps scene names to scripts. It is built once at startup and
// handed to the resolver.
type Registry struct {
	mu      sync.RWMutex
	scripts map[string]Script
}

func NewRegistry() *Registry {
	return &Registry{scripts: make(map[string]Script)}
}

// Register adds fn under name. Names are registered once.
func (r *Registry) Register(name string, fn Script) error {
	if name == "" || fn == nil {
		return errors.ErrValidation.WithMessage("scene script requires a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scripts[name]; exists {
		return errors.ErrConflict.WithMessage("scene script %s already registered", name)
	}
	r.scripts[name] = fn
	return nil
}

func (r *Registry) Resolve(name string) (Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.scripts[name]
	if !ok {
		return nil, errors.ErrReferenceResolution.
			WithMessage("no scene script registered for %s", name).
			WithDetail("scene", name)
	}
	return fn, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scripts))
	for name := range r.scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
