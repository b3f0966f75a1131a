package activities

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/duratool/pkg/schema"
)

// Activity is one fallible, side-effecting operation a workflow can schedule.
// Execute may run more than once for the same invocation after a crash.
type Activity interface {
	Name() string
	Description() string
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Info is a summary of a registered activity for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry is a thread-safe set of activities keyed by name.
type Registry struct {
	mu         sync.RWMutex
	activities map[string]Activity
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{activities: make(map[string]Activity)}
}

// Register adds an activity. Returns error on duplicate name.
func (r *Registry) Register(a Activity) error {
	if a == nil {
		return schema.NewError(schema.ErrCodeValidation, "activity is nil")
	}
	name := a.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "activity name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "activity %q already registered", name)
	}
	r.activities[name] = a
	return nil
}

// MustRegister registers every activity and panics on the first error.
func (r *Registry) MustRegister(acts ...Activity) {
	for _, a := range acts {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
}

// Get retrieves an activity by name.
func (r *Registry) Get(name string) (Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.activities[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "activity %q not registered", name)
	}
	return a, nil
}

// List returns info for all registered activities, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.activities))
	for _, a := range r.activities {
		infos = append(infos, Info{Name: a.Name(), Description: a.Description()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Has checks if an activity is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.activities[name]
	return ok
}

// funcActivity adapts a plain function to Activity.
type funcActivity struct {
	name, desc string
	fn         func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Func wraps fn as an Activity.
func Func(name, description string, fn func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)) Activity {
	return &funcActivity{name: name, desc: description, fn: fn}
}

func (f *funcActivity) Name() string        { return f.name }
func (f *funcActivity) Description() string { return f.desc }

func (f *funcActivity) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f.fn(ctx, input)
}

// decodeInput unmarshals an activity input, reporting malformed input as non-retryable.
func decodeInput(name string, input json.RawMessage, v any) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return &Error{Kind: KindInvalidInput, Message: name + ": " + err.Error()}
	}
	return nil
}

func encodeOutput(name string, v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{Kind: KindInvalidOutput, Message: name + ": " + err.Error()}
	}
	return raw, nil
}
