package workflow

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/duratool/pkg/schema"
)

// Definition describes a registered workflow type.
type Definition struct {
	Name        string
	Description string
	Func        Func
	// InputSchema is a JSON Schema document the start input must satisfy.
	InputSchema string
	// ExecutionTimeout bounds a whole run. Zero means no limit.
	ExecutionTimeout time.Duration
}

// Registry is a thread-safe set of workflow definitions keyed by type name.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Returns error on duplicate name.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow name is empty")
	}
	if def.Func == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no function", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already registered", def.Name)
	}
	r.defs[def.Name] = &def
	return nil
}

// Get retrieves a definition by type name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow type %q not registered", name)
	}
	return def, nil
}

// List returns all definitions sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
