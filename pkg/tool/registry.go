package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
)

// CallIDParam allows callers to attach a stable call ID for logging.
const CallIDParam = "__medgate_call_id"

// Registry manages all available operations
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a new empty operation registry
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds or replaces an operation by name
func (r *Registry) Register(t Tool) {
	if r == nil || t == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Remove unregisters an operation by name.
func (r *Registry) Remove(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get retrieves an operation by name
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered operations sorted by name
func (r *Registry) List() []Tool {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Count returns the number of registered operations
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ExecuteWithContext executes an operation by name using the provided context.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, params map[string]any) (*Result, error) {
	if name == "" {
		return nil, fmt.Errorf("operation name cannot be empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("operation not found: %s", name)
	}
	return t.Execute(ctx, params)
}

// CallIDFromParams extracts the caller-supplied call ID, minting one if absent.
func CallIDFromParams(params map[string]any) string {
	if params != nil {
		if v, ok := params[CallIDParam].(string); ok && v != "" {
			return v
		}
	}
	return ulid.Make().String()
}
