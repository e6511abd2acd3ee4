// Package tasks holds the pluggable task executors the scheduler dispatches
// to, keyed by task type.
package tasks

import (
	"context"
	"fmt"

	"confwatch/internal/domain"
)

// Executor performs the actual work of one task kind. Implementations must
// honor ctx cancellation: the scheduler runs them under a hard deadline.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) (domain.Result, error)
}

// Registry maps task types to executors. Registered once at startup; new
// task types need no scheduler change.
type Registry struct {
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(taskType string, e Executor) {
	r.executors[taskType] = e
}

// Lookup returns the executor for taskType.
func (r *Registry) Lookup(taskType string) (Executor, error) {
	e, ok := r.executors[taskType]
	if !ok {
		return nil, fmt.Errorf("no executor registered for task type %q", taskType)
	}
	return e, nil
}

// Types lists the registered task types.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}
