package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"confwatch/internal/domain"
	"confwatch/internal/store"
	"confwatch/internal/tasks"
	"confwatch/internal/webhook"
)

// fakeClock is a manually advanced clock; its tickers never fire, tests call
// CheckDueTasks directly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) NewTicker(time.Duration) Ticker { return &fakeTicker{ch: make(chan time.Time)} }

type fakeTicker struct{ ch chan time.Time }

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}

// blockingExec holds every execution until released.
type blockingExec struct {
	startedCh chan string
	releaseCh chan struct{}
}

func newBlockingExec() *blockingExec {
	return &blockingExec{startedCh: make(chan string, 16), releaseCh: make(chan struct{})}
}

func (e *blockingExec) Execute(ctx context.Context, task domain.Task) (domain.Result, error) {
	e.startedCh <- task.ID
	select {
	case <-e.releaseCh:
		return domain.Result{TargetsScanned: 1}, nil
	case <-ctx.Done():
		return domain.Result{}, ctx.Err()
	}
}

type funcExec func(ctx context.Context, task domain.Task) (domain.Result, error)

func (f funcExec) Execute(ctx context.Context, task domain.Task) (domain.Result, error) {
	return f(ctx, task)
}

type fixture struct {
	store    store.Store
	runner   *Runner
	clock    *fakeClock
	registry *tasks.Registry
}

func newFixture(t *testing.T, cfg Config, fetch MetricFetch) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	st := store.New(db)
	clock := newFakeClock(time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC))
	registry := tasks.NewRegistry()
	notifier := webhook.NewNotifier(time.Second, "")
	if fetch == nil {
		fetch = func(ctx context.Context, metric, ownerID string) (float64, error) { return 0, nil }
	}
	return &fixture{
		store:    st,
		runner:   New(cfg, st, registry, notifier, fetch, clock),
		clock:    clock,
		registry: registry,
	}
}

func (f *fixture) addIntervalTask(t *testing.T, name string, minutes int, next *time.Time) string {
	t.Helper()
	id, err := f.store.CreateTask(context.Background(), domain.Task{
		OwnerID:         "own_1",
		Name:            name,
		Type:            "test",
		Schedule:        domain.ScheduleInterval,
		IntervalMinutes: minutes,
		Enabled:         true,
		NextRunAt:       next,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestExecuteTaskAlreadyRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	exec := newBlockingExec()
	f.registry.Register("test", exec)

	id := f.addIntervalTask(t, "dup guard", 30, nil)
	task, _ := f.store.GetTask(context.Background(), id)

	go func() { _ = f.runner.ExecuteTask(context.Background(), task, domain.TriggerManual) }()
	waitFor(t, "first execution to start", func() bool { return f.runner.ActiveCount() == 1 })

	if err := f.runner.ExecuteTask(context.Background(), task, domain.TriggerManual); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second dispatch err = %v, want ErrAlreadyRunning", err)
	}
	if f.runner.ActiveCount() != 1 {
		t.Fatalf("active = %d, duplicate dispatch changed the set", f.runner.ActiveCount())
	}

	close(exec.releaseCh)
	waitFor(t, "execution to drain", func() bool { return f.runner.ActiveCount() == 0 })
}

func TestCheckDueTasksHonorsBudget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxConcurrent: 2}, nil)
	exec := newBlockingExec()
	f.registry.Register("test", exec)

	past := f.clock.Now().Add(-time.Minute)
	for _, name := range []string{"a", "b", "c", "d"} {
		f.addIntervalTask(t, name, 30, &past)
	}

	f.runner.CheckDueTasks(context.Background())
	waitFor(t, "two executions", func() bool { return f.runner.ActiveCount() == 2 })

	// at capacity: another check must not dispatch anything
	f.runner.CheckDueTasks(context.Background())
	time.Sleep(30 * time.Millisecond)
	if n := f.runner.ActiveCount(); n != 2 {
		t.Fatalf("active = %d, budget exceeded", n)
	}

	close(exec.releaseCh)
	waitFor(t, "drain", func() bool { return f.runner.ActiveCount() == 0 })
}

func TestApplyConfigRaisesCap(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxConcurrent: 1}, nil)
	exec := newBlockingExec()
	f.registry.Register("test", exec)

	past := f.clock.Now().Add(-time.Minute)
	for _, name := range []string{"a", "b", "c"} {
		f.addIntervalTask(t, name, 30, &past)
	}

	f.runner.CheckDueTasks(context.Background())
	waitFor(t, "first dispatch", func() bool { return f.runner.ActiveCount() == 1 })

	f.runner.ApplyConfig(Config{MaxConcurrent: 3})
	f.runner.CheckDueTasks(context.Background())
	waitFor(t, "raised cap dispatch", func() bool { return f.runner.ActiveCount() == 3 })

	close(exec.releaseCh)
	waitFor(t, "drain", func() bool { return f.runner.ActiveCount() == 0 })
}

func TestFailedRunStillAdvancesSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	f.registry.Register("test", funcExec(func(ctx context.Context, task domain.Task) (domain.Result, error) {
		return domain.Result{}, errors.New("scan blew up")
	}))

	id := f.addIntervalTask(t, "failing", 30, nil)
	task, _ := f.store.GetTask(context.Background(), id)

	if err := f.runner.ExecuteTask(context.Background(), task, domain.TriggerManual); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	got, _ := f.store.GetTask(context.Background(), id)
	if !got.Enabled {
		t.Fatal("task was disabled by a failure")
	}
	wantNext := f.clock.Now().Add(30 * time.Minute)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(wantNext) {
		t.Fatalf("next run = %v, want %v", got.NextRunAt, wantNext)
	}

	execs, _ := f.store.ListExecutions(context.Background(), id, 10)
	if len(execs) != 1 || execs[0].Status != domain.StatusFailed {
		t.Fatalf("executions = %+v", execs)
	}
	if !strings.Contains(execs[0].Error, "scan blew up") {
		t.Fatalf("error = %q", execs[0].Error)
	}
}

func TestExecutionTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{ExecTimeout: 50 * time.Millisecond}, nil)
	f.registry.Register("test", funcExec(func(ctx context.Context, task domain.Task) (domain.Result, error) {
		<-ctx.Done() // cooperative: wait out the deadline
		return domain.Result{}, ctx.Err()
	}))

	id := f.addIntervalTask(t, "slow", 30, nil)
	task, _ := f.store.GetTask(context.Background(), id)

	if err := f.runner.ExecuteTask(context.Background(), task, domain.TriggerManual); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	execs, _ := f.store.ListExecutions(context.Background(), id, 10)
	if len(execs) != 1 || execs[0].Status != domain.StatusFailed {
		t.Fatalf("executions = %+v", execs)
	}
	if !strings.Contains(execs[0].Error, "timed out") && !strings.Contains(execs[0].Error, "deadline") {
		t.Fatalf("error = %q, want timeout", execs[0].Error)
	}

	// the timed-out run still advances the schedule
	got, _ := f.store.GetTask(context.Background(), id)
	if got.NextRunAt == nil {
		t.Fatal("next run not recomputed after timeout")
	}
}

func TestTriggerTaskPreflight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	f.registry.Register("test", funcExec(func(ctx context.Context, task domain.Task) (domain.Result, error) {
		return domain.Result{}, nil
	}))

	if err := f.runner.TriggerTask(context.Background(), "tsk_missing", domain.TriggerManual); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("missing task err = %v", err)
	}

	id, _ := f.store.CreateTask(context.Background(), domain.Task{
		OwnerID: "own_1", Name: "off", Type: "test",
		Schedule: domain.ScheduleManual, Enabled: false,
	})
	if err := f.runner.TriggerTask(context.Background(), id, domain.TriggerManual); !errors.Is(err, ErrTaskDisabled) {
		t.Fatalf("disabled task err = %v", err)
	}
}

func TestTriggerTaskOutlivesCallerContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	exec := newBlockingExec()
	f.registry.Register("test", exec)

	id, _ := f.store.CreateTask(context.Background(), domain.Task{
		OwnerID: "own_1", Name: "on demand", Type: "test",
		Schedule: domain.ScheduleManual, Enabled: true,
	})

	reqCtx, cancel := context.WithCancel(context.Background())
	if err := f.runner.TriggerTask(reqCtx, id, domain.TriggerManual); err != nil {
		t.Fatalf("TriggerTask: %v", err)
	}
	// the caller goes away immediately, as an HTTP handler does after 202
	cancel()

	waitFor(t, "dispatch", func() bool { return f.runner.ActiveCount() == 1 })
	close(exec.releaseCh)
	waitFor(t, "completion despite dead caller context", func() bool {
		execs, _ := f.store.ListExecutions(context.Background(), id, 10)
		return len(execs) == 1 && execs[0].Status == domain.StatusCompleted
	})
}

func TestIntervalLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	exec := newBlockingExec()
	f.registry.Register("test", exec)

	id := f.addIntervalTask(t, "every thirty", 30, nil)
	ctx := context.Background()

	// a never-run interval task becomes due immediately on refresh
	if err := f.runner.RefreshNextRunTimes(ctx); err != nil {
		t.Fatalf("RefreshNextRunTimes: %v", err)
	}
	got, _ := f.store.GetTask(ctx, id)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(f.clock.Now()) {
		t.Fatalf("next run after refresh = %v, want %v", got.NextRunAt, f.clock.Now())
	}

	f.clock.Advance(31 * time.Minute)

	// two checks within the same minute dispatch exactly once
	f.runner.CheckDueTasks(ctx)
	waitFor(t, "dispatch", func() bool { return f.runner.ActiveCount() == 1 })
	f.runner.CheckDueTasks(ctx)
	time.Sleep(30 * time.Millisecond)
	if n := f.runner.ActiveCount(); n != 1 {
		t.Fatalf("active = %d, task dispatched twice", n)
	}

	close(exec.releaseCh)
	waitFor(t, "drain", func() bool { return f.runner.ActiveCount() == 0 })

	execs, _ := f.store.ListExecutions(ctx, id, 10)
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want exactly 1", len(execs))
	}
	if execs[0].Status != domain.StatusCompleted || execs[0].Trigger != domain.TriggerScheduled {
		t.Fatalf("execution = %+v", execs[0])
	}

	started := f.clock.Now()
	got, _ = f.store.GetTask(ctx, id)
	if got.LastRunAt == nil || !got.LastRunAt.Equal(started) {
		t.Fatalf("last run = %v, want %v", got.LastRunAt, started)
	}
	wantNext := started.Add(30 * time.Minute)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(wantNext) {
		t.Fatalf("next run = %v, want %v", got.NextRunAt, wantNext)
	}
}

func TestThresholdWatcherDispatch(t *testing.T) {
	t.Parallel()
	fetch := func(ctx context.Context, metric, ownerID string) (float64, error) { return 99, nil }
	f := newFixture(t, Config{WatcherInterval: 10 * time.Millisecond}, fetch)
	f.registry.Register("test", funcExec(func(ctx context.Context, task domain.Task) (domain.Result, error) {
		return domain.Result{IssuesFound: 1}, nil
	}))

	id, _ := f.store.CreateTask(context.Background(), domain.Task{
		OwnerID: "own_1", Name: "hot metric", Type: "test",
		Schedule: domain.ScheduleThreshold,
		Metric:   "open_issues", Op: domain.OpGT, ThresholdValue: 10,
		Enabled: true,
	})
	task, _ := f.store.GetTask(context.Background(), id)

	f.runner.RegisterThresholdTask(task)
	defer f.runner.UnregisterThresholdTask(id)

	waitFor(t, "threshold execution", func() bool {
		execs, _ := f.store.ListExecutions(context.Background(), id, 10)
		return len(execs) > 0
	})

	execs, _ := f.store.ListExecutions(context.Background(), id, 10)
	if execs[0].Trigger != domain.TriggerThreshold {
		t.Fatalf("trigger = %q, want threshold", execs[0].Trigger)
	}

	// threshold tasks never gain a next run time
	got, _ := f.store.GetTask(context.Background(), id)
	if got.NextRunAt != nil {
		t.Fatalf("threshold task next run = %v, want nil", got.NextRunAt)
	}
}

func TestStopDrains(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{DrainTimeout: time.Second}, nil)
	exec := newBlockingExec()
	f.registry.Register("test", exec)

	past := f.clock.Now().Add(-time.Minute)
	f.addIntervalTask(t, "in flight", 30, &past)

	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "dispatch", func() bool { return f.runner.ActiveCount() == 1 })

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(exec.releaseCh)
	}()
	f.runner.Stop()

	if n := f.runner.ActiveCount(); n != 0 {
		t.Fatalf("active after Stop = %d", n)
	}
}
