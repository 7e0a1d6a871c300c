package permissions

import (
	"net/http"
	"slices"
	"sync"

	"github.com/jamestelfer/tollgate/internal/audit"
)

// RequirementSource supplies the permission requirement of a set of route
// patterns, for example from the route configuration file.
type RequirementSource interface {
	Patterns() []string
	Requirement(pattern string) ([]string, error)
}

// Registry holds the permission requirement of each route, keyed by the
// pattern the route is registered with on an http.ServeMux (for example
// "GET /documents/{id}").
type Registry struct {
	mu       sync.RWMutex
	patterns []string
	required map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{required: map[string][]string{}}
}

// NewRegistryFrom creates a registry holding every requirement of the source.
func NewRegistryFrom(source RequirementSource) (*Registry, error) {
	registry := NewRegistry()

	for _, pattern := range source.Patterns() {
		required, err := source.Requirement(pattern)
		if err != nil {
			return nil, err
		}

		registry.Require(pattern, required...)
	}

	return registry, nil
}

// Require adds permissions to the requirement of the pattern.
func (reg *Registry) Require(pattern string, permissions ...string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	existing, ok := reg.required[pattern]
	if !ok {
		reg.patterns = append(reg.patterns, pattern)
	}

	reg.required[pattern] = normalize(append(slices.Clone(existing), permissions...))
}

// Requirement returns the permissions required by the pattern. A pattern that
// was never registered requires nothing.
func (reg *Registry) Requirement(pattern string) []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	required, ok := reg.required[pattern]
	if !ok {
		return []string{}
	}

	return slices.Clone(required)
}

// Patterns lists the registered patterns in registration order.
func (reg *Registry) Patterns() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return slices.Clone(reg.patterns)
}

// Guard returns middleware enforcing the requirement of the route that
// matched the request. It must wrap a handler registered on an
// http.ServeMux, as the route is identified by Request.Pattern.
func (reg *Registry) Guard() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			audit.Log(r.Context()).Route = r.Pattern

			if !allow(w, r, reg.Requirement(r.Pattern)) {
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
