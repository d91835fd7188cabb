package checkpoint

import (
	"fmt"

	"github.com/nc-BobLee/shardload/internal/tensor"
)

// View merges the lazy stores of a multi-file checkpoint into one logical
// mapping. Lookups consult constituent stores in order and return the first
// hit; files listed earlier take precedence, so later files never override
// earlier ones for a shared key.
//
// A View is consumed destructively by the loader: applied keys are deleted
// from whichever constituent holds them, which both tracks progress and
// releases tensor memory.
type View struct {
	stores []*Store
}

func NewView(stores ...*Store) *View {
	return &View{stores: stores}
}

// Get returns the tensor for key from the first constituent that has it.
func (v *View) Get(key string) (*tensor.Tensor, error) {
	for _, s := range v.stores {
		if s.Has(key) {
			return s.Get(key)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}

// Has reports membership in any constituent.
func (v *View) Has(key string) bool {
	for _, s := range v.stores {
		if s.Has(key) {
			return true
		}
	}
	return false
}

// Delete removes key from every constituent store holding it, not just the
// frontmost, and reports whether any held it.
func (v *View) Delete(key string) bool {
	removed := false
	for _, s := range v.stores {
		if s.Delete(key) {
			removed = true
		}
	}
	return removed
}

// Keys returns all distinct keys in precedence order: constituents in view
// order, each in its own insertion order, first occurrence wins.
func (v *View) Keys() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range v.stores {
		for _, k := range s.Keys() {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// Len returns the number of distinct keys.
func (v *View) Len() int {
	return len(v.Keys())
}

// Stores exposes the constituent stores, frontmost first.
func (v *View) Stores() []*Store {
	return v.stores
}
