package registry

import (
	"sort"
	"sync"

	"lumerelay/internal/rpc"
)

// Registry holds every registered method, namespaced by module
type Registry struct {
	modules map[string]map[string]rpc.Method
	methods []string // cached "module.method" list, nil when stale
	mu      sync.RWMutex
}

// New creates an empty Registry
func New() *Registry {
	return &Registry{
		modules: make(map[string]map[string]rpc.Method),
	}
}

// RegisterMethod stores a method. Registering the same (module, method)
// twice fails and leaves the first registration in place.
func (r *Registry) RegisterMethod(module, method string, spec rpc.Method) error {
	if module == "" || method == "" {
		return rpc.NewValidationError("module and method names are required")
	}
	if spec.Handler == nil {
		return rpc.NewValidationError("method " + module + "." + method + " has no handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	methods, ok := r.modules[module]
	if !ok {
		methods = make(map[string]rpc.Method)
		r.modules[module] = methods
	}
	if _, exists := methods[method]; exists {
		return &rpc.DuplicateMethodError{Module: module, Method: method}
	}

	methods[method] = spec
	r.methods = nil
	return nil
}

// GetMethod returns a registered method. An unknown module and an unknown
// method within a known module are reported as distinct errors.
func (r *Registry) GetMethod(module, method string) (rpc.Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods, ok := r.modules[module]
	if !ok {
		return rpc.Method{}, rpc.ErrInvalidModule
	}
	spec, ok := methods[method]
	if !ok {
		return rpc.Method{}, rpc.ErrInvalidMethod
	}
	return spec, nil
}

// ListMethods returns every registered pair as "module.method"
func (r *Registry) ListMethods() []string {
	r.mu.RLock()
	cached := r.methods
	r.mu.RUnlock()
	if cached != nil {
		return append([]string(nil), cached...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.methods == nil {
		methods := make([]string, 0)
		for module, specs := range r.modules {
			for method := range specs {
				methods = append(methods, module+"."+method)
			}
		}
		sort.Strings(methods)
		r.methods = methods
	}
	return append([]string(nil), r.methods...)
}

// HasModule returns true if at least one method is registered under module
func (r *Registry) HasModule(module string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[module]
	return ok
}
