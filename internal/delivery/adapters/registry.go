package adapters

import (
	"sort"
	"strings"
	"sync"

	"github.com/smallbiznis/vida/internal/delivery/domain"
)

// Registry maps adapter names to factories. Adapters are built once per name
// and reused, so stateful adapters keep their state across requests.
type Registry struct {
	factories map[string]domain.AdapterFactory
	catalog   map[string]domain.ProviderInfo

	mu        sync.Mutex
	instances map[string]domain.Adapter
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{
		factories: map[string]domain.AdapterFactory{},
		catalog:   map[string]domain.ProviderInfo{},
		instances: map[string]domain.Adapter{},
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		name := normalizeName(factory.Name())
		if name == "" {
			continue
		}
		registry.factories[name] = factory
		if described, ok := factory.(interface{ Info() domain.ProviderInfo }); ok {
			registry.catalog[name] = described.Info()
		}
	}
	return registry
}

func (r *Registry) Exists(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalizeName(name)]
	return ok
}

// Resolve returns the adapter registered under name. Empty and unknown names
// fall back to the mock adapter.
func (r *Registry) Resolve(name string) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrAdapterNotConfigured
	}
	name = normalizeName(name)
	if _, ok := r.factories[name]; !ok {
		name = domain.AdapterMock
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if adapter, ok := r.instances[name]; ok {
		return adapter, nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, domain.ErrAdapterNotConfigured
	}
	adapter, err := factory.New()
	if err != nil {
		return nil, err
	}
	r.instances[name] = adapter
	return adapter, nil
}

// Catalog lists registered adapters sorted by name.
func (r *Registry) Catalog() []domain.ProviderInfo {
	if r == nil {
		return nil
	}
	out := make([]domain.ProviderInfo, 0, len(r.factories))
	for name := range r.factories {
		info, ok := r.catalog[name]
		if !ok {
			info = domain.ProviderInfo{Name: name, Label: name, Status: "available"}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
