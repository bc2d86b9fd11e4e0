package worker

import (
	"sync"

	sperr "github.com/sprintloop/sprintloop/pkg/errors"
)

// Registry maps worker categories to their executors. The orchestrator
// resolves the selected worker's category here at EXECUTE time.
type Registry struct {
	mu        sync.RWMutex
	executors map[Category]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[Category]Executor)}
}

// Register binds an executor to a category, replacing any previous binding.
func (r *Registry) Register(category Category, exec Executor) error {
	if !category.Valid() {
		return sperr.New(sperr.ErrCodeInvalidInput, "unknown worker category: "+string(category))
	}
	r.mu.Lock()
	r.executors[category] = exec
	r.mu.Unlock()
	return nil
}

// Get returns the executor for a category. A universal executor, when
// registered, serves as the fallback for categories with no binding.
func (r *Registry) Get(category Category) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if exec, ok := r.executors[category]; ok {
		return exec, nil
	}
	if exec, ok := r.executors[CategoryUniversal]; ok {
		return exec, nil
	}
	return nil, sperr.New(sperr.ErrCodeWorkerNotFound, "no executor registered for category: "+string(category)).
		WithRemediation("register an executor for this category or a universal one")
}

// Categories lists the categories with a direct binding.
func (r *Registry) Categories() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Category, 0, len(r.executors))
	for c := range r.executors {
		out = append(out, c)
	}
	return out
}
