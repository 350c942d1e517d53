package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Access classifies how a method touches the engine. Queries may run
// concurrently with each other; mutations require exclusive access.
type Access int

const (
	AccessQuery Access = iota
	AccessMutation
)

func (a Access) String() string {
	if a == AccessMutation {
		return "mutation"
	}
	return "query"
}

// Method describes one registered RPC method.
type Method struct {
	Name    string
	Access  Access
	Summary string
	Params  string
	Handler HandlerFunc
}

// MethodInfo is the wire descriptor used by list_methods.
type MethodInfo struct {
	Name    string `json:"name"`
	Access  string `json:"access"`
	Summary string `json:"summary"`
	Params  string `json:"params,omitempty"`
}

// Registry maps method names to handlers. Registration happens once at
// startup; lookups are concurrent.
type Registry struct {
	methods map[string]*Method
	mu      sync.RWMutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		methods: make(map[string]*Method),
	}
}

// Register adds a method. Returns an error on duplicate names.
func (r *Registry) Register(m *Method) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Name == "" || m.Handler == nil {
		return fmt.Errorf("method requires a name and a handler")
	}
	if _, exists := r.methods[m.Name]; exists {
		return fmt.Errorf("method already registered: %s", m.Name)
	}

	r.methods[m.Name] = m
	return nil
}

// Resolve looks up a method by name.
func (r *Registry) Resolve(name string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.methods[name]
	return m, ok
}

// List returns descriptors for all methods, sorted by name.
func (r *Registry) List() []MethodInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]MethodInfo, 0, len(r.methods))
	for _, m := range r.methods {
		infos = append(infos, MethodInfo{
			Name:    m.Name,
			Access:  m.Access.String(),
			Summary: m.Summary,
			Params:  m.Params,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Len returns the number of registered methods.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.methods)
}
