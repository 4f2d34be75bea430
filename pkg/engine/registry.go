package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/flowgraph/pkg/cache"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

var (
	// ErrAlreadyRegistered is returned when a workflow UUID is registered twice.
	ErrAlreadyRegistered = errors.New("workflow already registered")

	// ErrNotRegistered is returned for unknown workflow UUIDs.
	ErrNotRegistered = errors.New("workflow not registered")
)

// Registry holds the workflows of a process with their executors. All
// executors share one worker pool and one cache store.
type Registry struct {
	store cache.Store
	pool  *semaphore.Weighted
	opts  []ExecutorOption

	mu        sync.RWMutex
	executors map[uuid.UUID]*Executor
}

// NewRegistry creates a registry. A nil store disables caching; opts are
// applied to every executor it creates.
func NewRegistry(store cache.Store, maxParallel int, opts ...ExecutorOption) *Registry {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Registry{
		store:     store,
		pool:      semaphore.NewWeighted(int64(maxParallel)),
		opts:      opts,
		executors: make(map[uuid.UUID]*Executor),
	}
}

// Register adds wf and returns its executor.
func (r *Registry) Register(wf *workflow.Workflow, opts ...ExecutorOption) (*Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[wf.UUID()]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, wf.UUID())
	}

	all := append([]ExecutorOption{WithWorkerPool(r.pool)}, r.opts...)
	if r.store != nil {
		all = append(all, WithCache(cache.New(wf, r.store)))
	}
	all = append(all, opts...)

	e := NewExecutor(wf, all...)
	r.executors[wf.UUID()] = e
	return e, nil
}

// Executor returns the executor of a registered workflow.
func (r *Registry) Executor(id uuid.UUID) (*Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[id]
	return e, ok
}

// Workflow returns a registered workflow.
func (r *Registry) Workflow(id uuid.UUID) (*workflow.Workflow, bool) {
	e, ok := r.Executor(id)
	if !ok {
		return nil, false
	}
	return e.Workflow(), true
}

// Workflows returns the registered workflows ordered by name.
func (r *Registry) Workflows() []*workflow.Workflow {
	r.mu.RLock()
	out := make([]*workflow.Workflow, 0, len(r.executors))
	for _, e := range r.executors {
		out = append(out, e.Workflow())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Remove stops and unregisters a workflow and clears its cache entries.
func (r *Registry) Remove(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	e, ok := r.executors[id]
	delete(r.executors, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}

	e.Stop()
	e.Close()
	if c := e.Cache(); c != nil {
		if err := c.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear cache of workflow %s: %w", id, err)
		}
	}
	return nil
}
