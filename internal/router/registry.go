package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fentz26/tollgate/internal/connectors"
)

// Registry maps executor roles to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]connectors.Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]connectors.Executor)}
}

// Register binds role to exec, replacing any previous binding.
func (r *Registry) Register(role string, exec connectors.Executor) error {
	if role == "" {
		return fmt.Errorf("role cannot be empty")
	}
	if exec == nil {
		return fmt.Errorf("executor for role %q is nil", role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[role] = exec
	return nil
}

// Get returns the executor bound to role.
func (r *Registry) Get(role string) (connectors.Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[role]
	return e, ok
}

// Roles returns the registered roles, sorted.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.executors))
	for role := range r.executors {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Missing returns the roles from want that have no executor.
func (r *Registry) Missing(want []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, role := range want {
		if _, ok := r.executors[role]; !ok {
			out = append(out, role)
		}
	}
	sort.Strings(out)
	return out
}
