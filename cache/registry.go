package cache

import (
	"sort"
	"strings"
	"sync"
)

// Registry records which cache key prefixes depend on which aggregate types.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]map[string]struct{})}
}

// Register declares that entries under prefix depend on the aggregate types.
func (r *Registry) Register(prefix string, aggregateTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range aggregateTypes {
		prefixes, ok := r.byType[t]
		if !ok {
			prefixes = make(map[string]struct{})
			r.byType[t] = prefixes
		}
		prefixes[prefix] = struct{}{}
	}
}

// PrefixesFor returns the prefixes depending on aggregateType, sorted.
func (r *Registry) PrefixesFor(aggregateType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefixes := make([]string, 0, len(r.byType[aggregateType]))
	for p := range r.byType[aggregateType] {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	return prefixes
}

// Types returns every aggregate type with at least one dependent prefix, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Invalidate drops every entry of c under a prefix depending on
// aggregateType and returns how many were removed.
func (r *Registry) Invalidate(c *Cache, aggregateType string) int {
	prefixes := r.PrefixesFor(aggregateType)
	if len(prefixes) == 0 {
		return 0
	}
	return c.InvalidateWhere(func(key string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				return true
			}
		}
		return false
	})
}
