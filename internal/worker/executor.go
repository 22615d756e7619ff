package worker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/taskbroker/internal/domain"
)

// Executor performs the work for one task type. Returned errors that are
// a *domain.TaskError keep their code on the wire.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) (any, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, task domain.Task) (any, error)

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, task domain.Task) (any, error) {
	return f(ctx, task)
}

// Registry maps task types to executors
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates a registry with the built-in executors
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register("echo", ExecutorFunc(Echo))
	r.Register("sleep", ExecutorFunc(Sleep))
	return r
}

// Register binds taskType to e, replacing any previous binding
func (r *Registry) Register(taskType string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[taskType] = e
}

// Lookup returns the executor for taskType
func (r *Registry) Lookup(taskType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[taskType]
	return e, ok
}

// Types returns the registered task types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Echo returns the task payload unchanged
func Echo(_ context.Context, task domain.Task) (any, error) {
	if len(task.Payload) == 0 {
		return nil, nil
	}
	return task.Payload, nil
}

type sleepPayload struct {
	DurationMS int `json:"duration_ms"`
}

// Sleep waits for payload.duration_ms and then echoes the payload
func Sleep(ctx context.Context, task domain.Task) (any, error) {
	var p sleepPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, domain.NewTaskError(domain.CodeInvalidPayload, err.Error())
	}

	select {
	case <-time.After(time.Duration(p.DurationMS) * time.Millisecond):
		return task.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
