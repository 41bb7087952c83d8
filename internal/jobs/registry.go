package jobs

import (
	"context"
	"sort"
	"sync"
)

// StepContext is what a function step gets to work with.
type StepContext struct {
	Job     Job
	Params  map[string]string
	Kwargs  map[string]any
	Log     *Log
	Service *Service
}

// StepFunc is a named function that an action step can call.
type StepFunc func(ctx context.Context, step StepContext) error

// Registry maps function names used in the action catalog to their implementation.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]StepFunc
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]StepFunc)}
}

// Register adds fn under name, replacing any earlier registration.
func (r *Registry) Register(name string, fn StepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

func (r *Registry) Lookup(name string) (StepFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered function names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
