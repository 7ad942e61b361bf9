package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry dispatches model identifiers of the form <backend>/<model> to the
// adapter registered under the prefix. The synthetic anthropic-max prefix is
// registered as its own entry pointing at the anthropic adapter so OAuth
// routing stays a pure prefix lookup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	fallback string
}

// NewRegistry creates an empty registry. fallbackPrefix is used for model
// identifiers with no recognized prefix.
func NewRegistry(fallbackPrefix string) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		fallback: fallbackPrefix,
	}
}

// Register binds a prefix to an adapter, replacing any previous binding.
func (r *Registry) Register(prefix string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[prefix] = adapter
}

// Resolve returns the adapter for a model identifier. Unknown prefixes are a
// not-found error; prefix-less identifiers fall back to the default backend.
func (r *Registry) Resolve(model string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefix := r.fallback
	if idx := strings.Index(model, "/"); idx > 0 {
		prefix = model[:idx]
	}

	adapter, ok := r.adapters[prefix]
	if !ok {
		return nil, &Error{
			Code:    CodeNotFound,
			Status:  404,
			Message: fmt.Sprintf("no backend registered for model %q", model),
		}
	}
	return adapter, nil
}

// Prefixes returns the registered backend prefixes, sorted.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefixes := make([]string, 0, len(r.adapters))
	for prefix := range r.adapters {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	return prefixes
}

// AllModels aggregates model listings across every registered backend,
// namespaced by prefix. Backends that fail to list are skipped.
func (r *Registry) AllModels(ctx context.Context) []ModelInfo {
	r.mu.RLock()
	snapshot := make(map[string]Adapter, len(r.adapters))
	for prefix, adapter := range r.adapters {
		snapshot[prefix] = adapter
	}
	r.mu.RUnlock()

	prefixes := make([]string, 0, len(snapshot))
	for prefix := range snapshot {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	var models []ModelInfo
	for _, prefix := range prefixes {
		listed, err := snapshot[prefix].Models(ctx)
		if err != nil {
			continue
		}
		for _, m := range listed {
			models = append(models, ModelInfo{
				ID:      prefix + "/" + m.ID,
				OwnedBy: m.OwnedBy,
			})
		}
	}
	return models
}
