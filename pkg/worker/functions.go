package worker

import (
	"context"
	"sort"
	"sync"

	"github.com/maestrod/maestro/pkg/types"
)

// Function is an in-process task body. It must honor ctx and return
// promptly once ctx is done.
type Function func(ctx context.Context, args map[string]string) (string, error)

// FunctionRegistry maps names to in-process task functions. Functions
// are registered at composition time, before tasks referencing them are
// admitted.
type FunctionRegistry struct {
	mu  sync.RWMutex
	fns map[string]Function
}

func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{fns: make(map[string]Function)}
}

// Register adds fn under name; a duplicate name is refused
func (r *FunctionRegistry) Register(name string, fn Function) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fns[name]; ok {
		return types.NewError(types.ErrKindConfig, "function %q already registered", name)
	}
	r.fns[name] = fn
	return nil
}

// Get looks up a function by name
func (r *FunctionRegistry) Get(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// Names returns the registered function names, sorted
func (r *FunctionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fns))
	for name := range r.fns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
