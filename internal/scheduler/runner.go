// Package scheduler runs the background loop that finds due tasks, executes
// them under a concurrency cap and hard deadline, records every attempt, and
// fires webhooks on lifecycle events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"confwatch/internal/cron"
	"confwatch/internal/domain"
	"confwatch/internal/store"
	"confwatch/internal/tasks"
	"confwatch/internal/threshold"
	"confwatch/internal/webhook"
)

var (
	// ErrAlreadyRunning means the task is in the active set; the dispatch
	// is dropped, never queued.
	ErrAlreadyRunning = errors.New("task already running")

	ErrTaskNotFound = errors.New("task not found")
	ErrTaskDisabled = errors.New("task disabled")

	// ErrTimedOut is recorded on executions whose executor outlived the
	// hard deadline.
	ErrTimedOut = errors.New("task execution timed out")
)

// Config tunes the runner. Zero values get defaults.
type Config struct {
	PollInterval    time.Duration // due-task poll period, default 60s
	MaxConcurrent   int           // global cap on simultaneous executions, default 3
	ExecTimeout     time.Duration // hard deadline per execution, default 5m
	DrainTimeout    time.Duration // shutdown wait for in-flight work, default 30s
	WatcherInterval time.Duration // threshold watcher poll period, default 60s

	// RetryAttempts is accepted for forward compatibility but not acted
	// on: a failed run waits for its next scheduled time.
	RetryAttempts int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 5 * time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.WatcherInterval <= 0 {
		c.WatcherInterval = time.Minute
	}
	return c
}

// MetricFetch resolves a named metric for an owner, backing threshold tasks.
type MetricFetch func(ctx context.Context, metric, ownerID string) (float64, error)

// Runner owns all mutable scheduler state: the active-task set and the
// watcher registry live here, not in package globals.
type Runner struct {
	cfg      Config
	store    store.Store
	registry *tasks.Registry
	notifier *webhook.Notifier
	watchers *threshold.Registry
	clock    Clock

	mu      sync.Mutex
	active  map[string]struct{}
	baseCtx context.Context

	wg      sync.WaitGroup
	stopCh  chan struct{}
	started bool
}

// New builds a runner. clock may be nil for wall-clock time.
func New(cfg Config, st store.Store, registry *tasks.Registry, notifier *webhook.Notifier, fetch MetricFetch, clock Clock) *Runner {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = realClock{}
	}
	return &Runner{
		cfg:      cfg,
		store:    st,
		registry: registry,
		notifier: notifier,
		watchers: threshold.NewRegistry(threshold.FetchFunc(fetch), cfg.WatcherInterval),
		clock:    clock,
		active:   make(map[string]struct{}),
		baseCtx:  context.Background(),
	}
}

// base returns the context background work runs under: the Start context once
// the runner is started. Callers' request-scoped contexts must never reach a
// dispatched run or a watcher callback; they die with the request.
func (r *Runner) base() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.baseCtx
}

// ApplyConfig updates the knobs that take effect without a restart: the
// concurrency cap, execution deadline, and drain timeout. Poll and watcher
// intervals stay as started; their tickers are already running.
func (r *Runner) ApplyConfig(cfg Config) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	r.cfg.MaxConcurrent = cfg.MaxConcurrent
	r.cfg.ExecTimeout = cfg.ExecTimeout
	r.cfg.DrainTimeout = cfg.DrainTimeout
	r.mu.Unlock()
	log.Info().
		Int("max_concurrent", cfg.MaxConcurrent).
		Dur("exec_timeout", cfg.ExecTimeout).
		Msg("scheduler config applied")
}

// Start registers threshold watchers, runs one immediate due-task check, and
// begins the poll loop. It returns immediately; the loop runs until Stop or
// ctx cancellation.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runner already started")
	}
	r.started = true
	r.stopCh = make(chan struct{})
	r.baseCtx = ctx
	r.mu.Unlock()

	if err := r.registerThresholdWatchers(ctx); err != nil {
		// a broken store read shouldn't stop cron/interval scheduling
		log.Error().Err(err).Msg("threshold watcher registration failed")
	}

	r.CheckDueTasks(ctx)

	r.wg.Add(1)
	go r.pollLoop(ctx)

	log.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Int("max_concurrent", r.cfg.MaxConcurrent).
		Dur("exec_timeout", r.cfg.ExecTimeout).
		Msg("scheduler started")
	return nil
}

func (r *Runner) pollLoop(ctx context.Context) {
	defer r.wg.Done()
	t := r.clock.NewTicker(r.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-t.C():
			r.CheckDueTasks(ctx)
		}
	}
}

func (r *Runner) registerThresholdWatchers(ctx context.Context) error {
	thresholdTasks, err := r.store.EnabledThresholdTasks(ctx)
	if err != nil {
		return fmt.Errorf("load threshold tasks: %w", err)
	}
	for _, task := range thresholdTasks {
		r.RegisterThresholdTask(task)
	}
	log.Info().Int("watchers", len(thresholdTasks)).Msg("threshold watchers registered")
	return nil
}

// RegisterThresholdTask starts (or replaces) the watcher for one threshold
// task. The watcher fires every tick the condition holds; the active-set
// guard makes the repeated firing idempotent. The callback outlives any
// caller, so it runs under the runner's base context.
func (r *Runner) RegisterThresholdTask(task domain.Task) {
	r.watchers.Register(task, func(taskID string) {
		ctx := r.base()
		fresh, err := r.store.GetTask(ctx, taskID)
		if err != nil {
			log.Warn().Err(err).Str("task_id", taskID).Msg("threshold task vanished")
			return
		}
		if !fresh.Enabled {
			return
		}
		if err := r.ExecuteTask(ctx, fresh, domain.TriggerThreshold); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				log.Debug().Str("task_id", taskID).Msg("threshold fire skipped, task active")
				return
			}
			log.Error().Err(err).Str("task_id", taskID).Msg("threshold dispatch failed")
		}
	})
}

// UnregisterThresholdTask stops the watcher for a deleted or disabled task.
func (r *Runner) UnregisterThresholdTask(id string) { r.watchers.Unregister(id) }

// CheckDueTasks loads due cron/interval tasks up to the remaining concurrency
// budget, oldest due first, and dispatches each without awaiting completion.
// Tasks beyond the budget stay due and are picked up on a later tick.
func (r *Runner) CheckDueTasks(ctx context.Context) {
	now := r.clock.Now()

	r.mu.Lock()
	budget := r.cfg.MaxConcurrent - len(r.active)
	limit := r.cfg.MaxConcurrent
	r.mu.Unlock()
	if budget <= 0 {
		return
	}

	// query up to the full cap: a still-running task stays due until its
	// next run is advanced, so some rows may only occupy a slot
	due, err := r.store.DueTasks(ctx, now, limit)
	if err != nil {
		log.Error().Err(err).Msg("due task query failed")
		return
	}

	for _, task := range due {
		task := task
		if budget <= 0 {
			break // the rest stay due for the next poll
		}
		if !r.acquire(task.ID) {
			continue // silent skip, the next poll retries
		}
		budget--
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.run(ctx, task, domain.TriggerScheduled)
		}()
	}
}

// ExecuteTask runs the task synchronously under the active-set guard. The
// executor's own failure is recorded on the execution, not returned; the
// error return covers dispatch problems only.
func (r *Runner) ExecuteTask(ctx context.Context, task domain.Task, trigger domain.TriggerType) error {
	if !r.acquire(task.ID) {
		return ErrAlreadyRunning
	}
	r.wg.Add(1)
	defer r.wg.Done()
	r.run(ctx, task, trigger)
	return nil
}

// TriggerTask dispatches a task on demand, as the API and CLI surfaces do.
// Pre-flight failures are returned; the execution itself runs in the
// background under the runner's base context, so it outlives ctx. An HTTP
// request context cancelled the moment the handler returns must not kill the
// run it accepted.
func (r *Runner) TriggerTask(ctx context.Context, id string, trigger domain.TriggerType) error {
	task, err := r.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrTaskNotFound
		}
		return err
	}
	if !task.Enabled {
		return ErrTaskDisabled
	}
	if trigger == "" {
		trigger = domain.TriggerManual
	}
	if !r.acquire(task.ID) {
		return ErrAlreadyRunning
	}
	runCtx := r.base()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(runCtx, task, trigger)
	}()
	return nil
}

// run executes one task whose active-set slot is already held, and always
// releases it. It never returns an error: every failure ends up on the
// execution record so one bad task cannot halt the scheduler.
func (r *Runner) run(ctx context.Context, task domain.Task, trigger domain.TriggerType) {
	defer r.release(task.ID)

	started := r.clock.Now()
	execID, err := r.store.CreateExecution(ctx, domain.Execution{
		TaskID:    task.ID,
		Status:    domain.StatusRunning,
		Trigger:   trigger,
		StartedAt: started,
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("create execution failed")
		return
	}

	log.Info().
		Str("task_id", task.ID).
		Str("task", task.Name).
		Str("execution_id", execID).
		Str("trigger", string(trigger)).
		Msg("task started")

	// started notification is unconditional; success/failure flags gate
	// only the terminal events
	r.fireWebhooks(ctx, task, domain.EventTaskStarted, domain.WebhookPayload{
		Task:      &task,
		Execution: &domain.Execution{ID: execID, TaskID: task.ID, Status: domain.StatusRunning, Trigger: trigger, StartedAt: started},
	})

	result, runErr := r.invoke(ctx, task)

	finished := r.clock.Now()
	exec := domain.Execution{
		ID:         execID,
		TaskID:     task.ID,
		Trigger:    trigger,
		StartedAt:  started,
		FinishedAt: &finished,
		DurationMS: finished.Sub(started).Milliseconds(),
	}

	if runErr != nil {
		exec.Status = domain.StatusFailed
		exec.Error = runErr.Error()
	} else {
		exec.Status = domain.StatusCompleted
		exec.Result = &result
	}

	if err := r.store.FinalizeExecution(ctx, exec); err != nil {
		log.Error().Err(err).Str("execution_id", execID).Msg("finalize execution failed")
	}

	// a failure never blocks future runs: next run is recomputed in both
	// outcomes
	r.advanceSchedule(ctx, task, started)

	if runErr != nil {
		log.Warn().Err(runErr).
			Str("task_id", task.ID).
			Str("execution_id", execID).
			Msg("task failed")
		if task.NotifyOnFailure {
			r.fireWebhooks(ctx, task, domain.EventTaskFailed, domain.WebhookPayload{
				Task: &task, Execution: &exec, Error: runErr.Error(),
			})
		}
		return
	}

	log.Info().
		Str("task_id", task.ID).
		Str("execution_id", execID).
		Int("targets", result.TargetsScanned).
		Int("issues", result.IssuesFound).
		Float64("savings", result.EstimatedSavings).
		Msg("task completed")
	if task.NotifyOnSuccess {
		r.fireWebhooks(ctx, task, domain.EventTaskCompleted, domain.WebhookPayload{
			Task: &task, Execution: &exec, Metrics: &result,
		})
	}
}

// invoke runs the executor under the hard deadline. The deadline context is
// handed to the executor for cooperative cancellation, and the select stops
// the runner from waiting even if the executor ignores it.
func (r *Runner) invoke(ctx context.Context, task domain.Task) (domain.Result, error) {
	executor, err := r.registry.Lookup(task.Type)
	if err != nil {
		return domain.Result{}, err
	}

	r.mu.Lock()
	timeout := r.cfg.ExecTimeout
	r.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result domain.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := executor.Execute(runCtx, task)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return domain.Result{}, fmt.Errorf("%w after %s", ErrTimedOut, timeout)
		}
		return domain.Result{}, runCtx.Err()
	}
}

// advanceSchedule persists last-run and the recomputed next-run.
func (r *Runner) advanceSchedule(ctx context.Context, task domain.Task, started time.Time) {
	next := r.nextRun(task, started)
	if err := r.store.SetTaskRunTimes(ctx, task.ID, &started, next); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("persist run times failed")
	}
}

// nextRun computes the next due time, nil for threshold/manual tasks.
func (r *Runner) nextRun(task domain.Task, from time.Time) *time.Time {
	switch task.Schedule {
	case domain.ScheduleCron:
		next, err := cron.Next(task.CronExpr, from)
		if err != nil {
			log.Error().Err(err).
				Str("task_id", task.ID).
				Str("cron_expr", task.CronExpr).
				Msg("next run computation failed")
			return nil
		}
		return &next
	case domain.ScheduleInterval:
		next := from.Add(time.Duration(task.IntervalMinutes) * time.Minute)
		return &next
	default:
		return nil
	}
}

// RefreshNextRunTimes recomputes next-run for every enabled cron/interval
// task, used after bulk schedule edits. A never-run interval task becomes
// due immediately.
func (r *Runner) RefreshNextRunTimes(ctx context.Context) error {
	scheduled, err := r.store.EnabledScheduledTasks(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled tasks: %w", err)
	}

	now := r.clock.Now()
	for _, task := range scheduled {
		var next *time.Time
		switch task.Schedule {
		case domain.ScheduleCron:
			next = r.nextRun(task, now)
		case domain.ScheduleInterval:
			if task.LastRunAt == nil {
				n := now
				next = &n
			} else {
				n := task.LastRunAt.Add(time.Duration(task.IntervalMinutes) * time.Minute)
				next = &n
			}
		}
		if err := r.store.SetTaskRunTimes(ctx, task.ID, nil, next); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("refresh next run failed")
		}
	}
	log.Info().Int("tasks", len(scheduled)).Msg("next run times refreshed")
	return nil
}

// Stop halts the poll loop and watchers, then waits up to the drain timeout
// for in-flight executions. Stragglers are logged and left to finish on
// their own; nothing is forcefully cancelled.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	close(r.stopCh)
	drain := r.cfg.DrainTimeout
	r.mu.Unlock()

	r.watchers.StopAll()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("scheduler stopped")
	case <-time.After(drain):
		log.Warn().
			Int("active", r.ActiveCount()).
			Dur("waited", drain).
			Msg("scheduler stopped with executions still in flight")
	}
}

// ActiveCount returns the size of the active-task set.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runner) fireWebhooks(ctx context.Context, task domain.Task, event domain.EventType, payload domain.WebhookPayload) {
	hooks, err := r.store.WebhooksForTask(ctx, task)
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("webhook lookup failed")
		return
	}
	if len(hooks) == 0 {
		return
	}
	r.notifier.Notify(ctx, hooks, event, payload)
}

// acquire guards against duplicate concurrent runs of one task. The global
// cap is enforced separately, by the dispatch budget in CheckDueTasks:
// threshold and manual dispatches bypass it by design.
func (r *Runner) acquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		return false
	}
	r.active[id] = struct{}{}
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}
