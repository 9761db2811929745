package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"transactor/pkg/domain"
	"transactor/pkg/pluginapi"
)

var _ pluginapi.Registry = (*PluginRegistry)(nil)

// PluginMetadata describes an installed plugin.
type PluginMetadata struct {
	Name     string
	Version  string
	Classes  []domain.Ref
	Triggers []domain.Ref
}

// PluginRegistry accumulates plugin contributions. It is populated once at
// startup and read concurrently by every workspace afterwards.
type PluginRegistry struct {
	hierarchy *domain.Hierarchy
	resources *pluginapi.Resources
	factory   *domain.TxFactory
	seeds     []domain.Tx
	installed map[string]PluginMetadata

	current *PluginMetadata
}

// NewPluginRegistry returns a registry over the core model.
func NewPluginRegistry() *PluginRegistry {
	// Seeds get strictly increasing timestamps so trigger registrations
	// load back in registration order.
	start := time.Now().UTC()
	tick := 0
	clock := func() time.Time {
		tick++
		return start.Add(time.Duration(tick) * time.Millisecond)
	}
	return &PluginRegistry{
		hierarchy: domain.NewCoreHierarchy(),
		resources: pluginapi.NewResources(),
		factory:   domain.NewTxFactory(domain.AccountSystem, domain.WithTxSpace(domain.SpaceModel), domain.WithClock(clock)),
		installed: make(map[string]PluginMetadata),
	}
}

// RegisterClass adds class to the model.
func (r *PluginRegistry) RegisterClass(class domain.Class) error {
	if err := r.hierarchy.AddClass(class); err != nil {
		return err
	}
	if r.current != nil {
		r.current.Classes = append(r.current.Classes, class.ID)
	}
	return nil
}

// RegisterTrigger binds the trigger function and seeds its registration
// document under the resource ref.
func (r *PluginRegistry) RegisterTrigger(t pluginapi.Trigger) error {
	if err := r.resources.Add(t.Ref, t.Func); err != nil {
		return err
	}
	attrs := map[string]any{
		domain.AttrNameTrigger: string(t.Ref),
		domain.AttrNameIsAsync: t.Async,
	}
	if len(t.Match) > 0 {
		attrs[domain.AttrNameTxMatch] = map[string]any(t.Match)
	}
	r.seeds = append(r.seeds, r.factory.CreateDoc(domain.ClassTrigger, domain.SpaceModel, attrs, t.Ref))
	if r.current != nil {
		r.current.Triggers = append(r.current.Triggers, t.Ref)
	}
	return nil
}

// Seed adds transactions applied at workspace activation.
func (r *PluginRegistry) Seed(txes ...domain.Tx) {
	r.seeds = append(r.seeds, txes...)
}

// Install registers plugin and records its metadata.
func (r *PluginRegistry) Install(plugin pluginapi.Plugin) (PluginMetadata, error) {
	name := plugin.Name()
	if _, exists := r.installed[name]; exists {
		return PluginMetadata{}, fmt.Errorf("plugin %s already installed", name)
	}
	meta := PluginMetadata{Name: name, Version: plugin.Version()}
	r.current = &meta
	err := plugin.Register(r)
	r.current = nil
	if err != nil {
		return PluginMetadata{}, fmt.Errorf("register plugin %s: %w", name, err)
	}
	r.installed[name] = meta
	return meta, nil
}

// Hierarchy returns the model built by the installed plugins.
func (r *PluginRegistry) Hierarchy() *domain.Hierarchy { return r.hierarchy }

// Resources returns the trigger function table.
func (r *PluginRegistry) Resources() *pluginapi.Resources { return r.resources }

// Seeds returns the seed transactions in registration order.
func (r *PluginRegistry) Seeds() []domain.Tx {
	out := make([]domain.Tx, len(r.seeds))
	copy(out, r.seeds)
	return out
}

// Plugins returns metadata of the installed plugins sorted by name.
func (r *PluginRegistry) Plugins() []PluginMetadata {
	out := make([]PluginMetadata, 0, len(r.installed))
	for _, m := range r.installed {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ApplySeeds commits every seed whose target object is absent. Seeds go
// straight to storage without running middlewares.
func ApplySeeds(ctx context.Context, adapter domain.DbAdapter, h *domain.Hierarchy, seeds []domain.Tx) (int, error) {
	applied := 0
	for _, seed := range seeds {
		cud, ok := domain.Unwrap(seed).(domain.CUD)
		if !ok {
			return applied, fmt.Errorf("seed %s is not a document transaction", seed.Header().ID)
		}
		target := cud.Target()
		existing, err := adapter.Load(ctx, h.Domain(target.ObjectClass), []domain.Ref{target.ObjectID})
		if err != nil {
			return applied, fmt.Errorf("load seed target %s: %w", target.ObjectID, err)
		}
		if len(existing) > 0 {
			continue
		}
		if _, err := adapter.Tx(ctx, seed); err != nil {
			return applied, fmt.Errorf("apply seed %s: %w", seed.Header().ID, err)
		}
		applied++
	}
	return applied, nil
}
