// Package checkpoint loads model weight checkpoints from disk, converts
// their attribute naming to the canonical scheme through registered
// adapters, and distributes tensors across tensor-parallel ranks.
package checkpoint

import (
	"fmt"
	"sort"

	"github.com/nc-BobLee/shardload/internal/tensor"
)

// Adapter converts a partial state dict in a source naming convention into
// the canonical convention. Adapters must be pure: same input, same output,
// no retained references. An adapter that needs additional raw keys to emit
// a fused tensor returns *MissingFusedKeysError naming them.
type Adapter func(map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)

// Registry maps (architecture, source) pairs to adapters.
//
// The intended lifecycle is populate during startup, read-only afterwards;
// Register must not be called concurrently with lookups.
type Registry struct {
	adapters map[string]map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]map[string]Adapter)}
}

// Register binds adapter to (architecture, source). Binding a pair twice is
// a configuration error, reported here rather than at load time.
func (r *Registry) Register(architecture, source string, adapter Adapter) error {
	sources, ok := r.adapters[architecture]
	if !ok {
		sources = make(map[string]Adapter)
		r.adapters[architecture] = sources
	}
	if _, exists := sources[source]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateAdapter, architecture, source)
	}
	sources[source] = adapter
	return nil
}

// ListSources returns the registered source names for an architecture,
// sorted. Unknown architectures yield an empty list, not an error.
func (r *Registry) ListSources(architecture string) []string {
	sources := r.adapters[architecture]
	out := make([]string, 0, len(sources))
	for name := range sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the adapter for (architecture, source). When source is
// empty or the pair is unregistered the identity adapter is returned: the
// checkpoint is assumed to already be in canonical form.
func (r *Registry) Resolve(architecture, source string) Adapter {
	if source == "" {
		return identityAdapter
	}
	sources, ok := r.adapters[architecture]
	if !ok {
		return identityAdapter
	}
	adapter, ok := sources[source]
	if !ok {
		return identityAdapter
	}
	return adapter
}

// GetAdapted converts a full state dict to canonical form. An empty state
// dict passes through unchanged (non-zero ranks under fsdp load nothing).
func (r *Registry) GetAdapted(architecture, source string, stateDict map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if len(stateDict) == 0 {
		return stateDict, nil
	}
	return r.Resolve(architecture, source)(stateDict)
}

func identityAdapter(sd map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	return sd, nil
}

// defaultRegistry backs the package-level convenience functions. It is
// populated by RegisterAdapter calls at program startup.
var defaultRegistry = NewRegistry()

// RegisterAdapter registers an adapter in the default registry.
func RegisterAdapter(architecture, source string, adapter Adapter) error {
	return defaultRegistry.Register(architecture, source, adapter)
}

// ListSources lists sources registered for architecture in the default
// registry.
func ListSources(architecture string) []string {
	return defaultRegistry.ListSources(architecture)
}

// GetAdapted adapts a state dict using the default registry.
func GetAdapted(architecture, source string, stateDict map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	return defaultRegistry.GetAdapted(architecture, source, stateDict)
}
