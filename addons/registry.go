package addons

import (
	"fmt"

	"signalmesh/engine"
	"signalmesh/extension"
	"signalmesh/store"
)

// Factory builds a fresh Extension instance for one graph node.
type Factory func(node engine.Node) (extension.Extension, error)

// Registry resolves addon names to factories and persists each
// registration in the sqlite-backed store, so a restarted process can
// still answer "what addons exist" without re-registering code.
type Registry struct {
	store     *store.Store
	factories map[string]Factory
}

// NewRegistry constructs a Registry backed by st. st may be nil, in which
// case registrations are kept in memory only (used by tests).
func NewRegistry(st *store.Store) *Registry {
	return &Registry{store: st, factories: make(map[string]Factory)}
}

// Register binds name to factory and records it in the store under kind.
// Built-in addons register themselves at startup via this method before
// the first start_graph cmd can reference them.
func (r *Registry) Register(name string, kind store.AddonKind, goType string, factory Factory) error {
	if r.store != nil {
		if err := r.store.RegisterAddon(name, kind, goType); err != nil {
			return fmt.Errorf("addons: register %q: %w", name, err)
		}
	}
	r.factories[name] = factory
	return nil
}

// Create implements app.AddonRegistry.
func (r *Registry) Create(addonName string) (extension.Extension, error) {
	f, ok := r.factories[addonName]
	if !ok {
		return nil, fmt.Errorf("addons: unknown addon %q", addonName)
	}
	return f(engine.Node{Addon: addonName})
}
