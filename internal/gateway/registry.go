package gateway

import (
	"sort"
	"strings"

	"github.com/noah-isme/backend-autopay/internal/domain"
)

// Registry maps a PSP identifier to its adapter.
type Registry struct {
	adapters map[domain.PG]Adapter
}

// NewRegistry indexes the adapters by their PG. A later adapter for the same
// PG replaces an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.PG]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.PG()] = a
		}
	}
	return r
}

// Get returns the adapter for pg. The lookup is case-insensitive.
func (r *Registry) Get(pg domain.PG) (Adapter, error) {
	if r != nil {
		if a, ok := r.adapters[domain.PG(strings.ToLower(strings.TrimSpace(string(pg))))]; ok {
			return a, nil
		}
	}
	return nil, domain.NotFound("payment gateway", string(pg))
}

// PGs lists the registered gateways in sorted order.
func (r *Registry) PGs() []domain.PG {
	out := make([]domain.PG, 0, len(r.adapters))
	for pg := range r.adapters {
		out = append(out, pg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
