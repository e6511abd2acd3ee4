package threshold

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"confwatch/internal/domain"
)

// FetchFunc returns the current value of a metric scoped to an owner.
type FetchFunc func(ctx context.Context, metric, ownerID string) (float64, error)

// Registry owns one polling watcher per threshold task. Watchers are not
// debounced: a condition that stays true fires on every tick. Idempotence is
// the caller's job (the runner's active-set guard).
type Registry struct {
	fetch    FetchFunc
	interval time.Duration

	mu       sync.Mutex
	watchers map[string]chan struct{}
}

// NewRegistry builds a registry polling every interval (60s if zero).
func NewRegistry(fetch FetchFunc, interval time.Duration) *Registry {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Registry{
		fetch:    fetch,
		interval: interval,
		watchers: make(map[string]chan struct{}),
	}
}

// Register starts a watcher for the task. onTrigger runs synchronously on the
// watcher goroutine each tick the condition holds. Fetch errors are logged and
// swallowed; a failing metric source degrades to never triggering.
// Registering an id twice replaces the old watcher.
func (r *Registry) Register(task domain.Task, onTrigger func(taskID string)) {
	r.mu.Lock()
	if stop, ok := r.watchers[task.ID]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	r.watchers[task.ID] = stop
	r.mu.Unlock()

	go r.watch(task, onTrigger, stop)

	log.Debug().
		Str("task_id", task.ID).
		Str("metric", task.Metric).
		Str("op", string(task.Op)).
		Float64("threshold", task.ThresholdValue).
		Msg("threshold watcher registered")
}

// Unregister cancels the watcher for id, if any.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stop, ok := r.watchers[id]; ok {
		close(stop)
		delete(r.watchers, id)
	}
}

// StopAll cancels every watcher.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, stop := range r.watchers {
		close(stop)
		delete(r.watchers, id)
	}
}

// Len returns the number of live watchers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}

func (r *Registry) watch(task domain.Task, onTrigger func(taskID string), stop <-chan struct{}) {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			r.tick(task, onTrigger)
		}
	}
}

func (r *Registry) tick(task domain.Task, onTrigger func(taskID string)) {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	value, err := r.fetch(ctx, task.Metric, task.OwnerID)
	if err != nil {
		log.Warn().Err(err).
			Str("task_id", task.ID).
			Str("metric", task.Metric).
			Msg("metric fetch failed")
		return
	}

	if Evaluate(value, task.Op, task.ThresholdValue) {
		log.Info().
			Str("task_id", task.ID).
			Str("metric", task.Metric).
			Float64("value", value).
			Float64("threshold", task.ThresholdValue).
			Msg("threshold crossed")
		onTrigger(task.ID)
	}
}
