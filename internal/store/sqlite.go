// Package store is the durable record store for tasks, executions, webhook
// configs, and audit targets, backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"confwatch/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL,
  schedule_type TEXT NOT NULL CHECK(schedule_type IN ('cron','interval','threshold','manual')),
  cron_expr TEXT NOT NULL DEFAULT '',
  interval_minutes INTEGER NOT NULL DEFAULT 0,
  threshold_metric TEXT NOT NULL DEFAULT '',
  threshold_operator TEXT NOT NULL DEFAULT '',
  threshold_value REAL NOT NULL DEFAULT 0,
  target_ids TEXT NOT NULL DEFAULT '[]',
  config BLOB,
  notify_on_success INTEGER NOT NULL DEFAULT 0,
  notify_on_failure INTEGER NOT NULL DEFAULT 1,
  webhook_ids TEXT NOT NULL DEFAULT '[]',
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run_at DATETIME,
  next_run_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(enabled, schedule_type, next_run_at);
CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('running','completed','failed')),
  trigger_type TEXT NOT NULL,
  started_at DATETIME NOT NULL,
  finished_at DATETIME,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  targets_scanned INTEGER NOT NULL DEFAULT 0,
  issues_found INTEGER NOT NULL DEFAULT 0,
  estimated_savings REAL NOT NULL DEFAULT 0,
  details TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id, started_at DESC);
CREATE TABLE IF NOT EXISTS webhooks (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  name TEXT NOT NULL,
  provider TEXT NOT NULL CHECK(provider IN ('slack','discord','n8n','generic')),
  url TEXT NOT NULL,
  config BLOB,
  events TEXT NOT NULL DEFAULT '[]',
  enabled INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS targets (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  name TEXT NOT NULL,
  kind TEXT NOT NULL,
  config BLOB,
  baseline BLOB,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_targets_owner ON targets(owner_id);
`
	_, err := db.Exec(schema)
	return err
}

// Store is everything the scheduler, API, and metric provider need from the
// durable layer.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t domain.Task) (string, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error)
	UpdateTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, id string) error
	DueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	EnabledThresholdTasks(ctx context.Context) ([]domain.Task, error)
	EnabledScheduledTasks(ctx context.Context) ([]domain.Task, error)
	SetTaskRunTimes(ctx context.Context, id string, lastRun, nextRun *time.Time) error

	// Executions
	CreateExecution(ctx context.Context, e domain.Execution) (string, error)
	FinalizeExecution(ctx context.Context, e domain.Execution) error
	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	ListExecutions(ctx context.Context, taskID string, limit int) ([]domain.Execution, error)

	// Webhooks
	CreateWebhook(ctx context.Context, w domain.WebhookConfig) (string, error)
	GetWebhook(ctx context.Context, id string) (domain.WebhookConfig, error)
	ListWebhooks(ctx context.Context, ownerID string) ([]domain.WebhookConfig, error)
	UpdateWebhook(ctx context.Context, w domain.WebhookConfig) error
	DeleteWebhook(ctx context.Context, id string) error
	WebhooksForTask(ctx context.Context, t domain.Task) ([]domain.WebhookConfig, error)

	// Targets
	CreateTarget(ctx context.Context, tg domain.Target) (string, error)
	ListTargets(ctx context.Context, ownerID string, ids []string) ([]domain.Target, error)
	DeleteTarget(ctx context.Context, id string) error

	// Metric aggregates
	FailedExecutionsSince(ctx context.Context, ownerID string, since time.Time) (int, error)
	TargetCount(ctx context.Context, ownerID string) (int, error)
	LatestResultTotals(ctx context.Context, ownerID string) (issues int, savings float64, err error)
}

type sqliteStore struct{ db *sql.DB }

func New(db *sql.DB) Store { return &sqliteStore{db: db} }

const taskCols = `id,owner_id,name,description,type,schedule_type,cron_expr,interval_minutes,
threshold_metric,threshold_operator,threshold_value,target_ids,config,
notify_on_success,notify_on_failure,webhook_ids,enabled,last_run_at,next_run_at,created_at,updated_at`

func (s *sqliteStore) CreateTask(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`,
		id, t.OwnerID, t.Name, t.Description, t.Type, t.Schedule, t.CronExpr, t.IntervalMinutes,
		t.Metric, t.Op, t.ThresholdValue, encodeStrings(t.TargetIDs), blob(t.Config),
		t.NotifyOnSuccess, t.NotifyOnFailure, encodeStrings(t.WebhookIDs), t.Enabled,
		nullTime(t.LastRunAt), nullTime(t.NextRunAt))
	return id, err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

func (s *sqliteStore) ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC`
	return s.queryTasks(ctx, query, args...)
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t domain.Task) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET name=?,description=?,type=?,schedule_type=?,cron_expr=?,interval_minutes=?,
threshold_metric=?,threshold_operator=?,threshold_value=?,target_ids=?,config=?,
notify_on_success=?,notify_on_failure=?,webhook_ids=?,enabled=?,next_run_at=?,
updated_at=CURRENT_TIMESTAMP
WHERE id=?`,
		t.Name, t.Description, t.Type, t.Schedule, t.CronExpr, t.IntervalMinutes,
		t.Metric, t.Op, t.ThresholdValue, encodeStrings(t.TargetIDs), blob(t.Config),
		t.NotifyOnSuccess, t.NotifyOnFailure, encodeStrings(t.WebhookIDs), t.Enabled,
		nullTime(t.NextRunAt), t.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DueTasks returns enabled cron/interval tasks whose next run has passed,
// oldest due first. Threshold and manual tasks never match: their
// schedule_type is excluded and their next_run_at stays NULL.
func (s *sqliteStore) DueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	return s.queryTasks(ctx, `
SELECT `+taskCols+` FROM tasks
WHERE enabled=1 AND schedule_type IN ('cron','interval') AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY next_run_at ASC LIMIT ?`, now.UTC(), limit)
}

func (s *sqliteStore) EnabledThresholdTasks(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(ctx, `
SELECT `+taskCols+` FROM tasks
WHERE enabled=1 AND schedule_type='threshold' ORDER BY created_at`)
}

// EnabledScheduledTasks returns enabled cron/interval tasks regardless of
// due-ness, for bulk next-run recomputation.
func (s *sqliteStore) EnabledScheduledTasks(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(ctx, `
SELECT `+taskCols+` FROM tasks
WHERE enabled=1 AND schedule_type IN ('cron','interval') ORDER BY created_at`)
}

func (s *sqliteStore) SetTaskRunTimes(ctx context.Context, id string, lastRun, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE tasks SET last_run_at=COALESCE(?,last_run_at), next_run_at=?, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, nullTime(lastRun), nullTime(nextRun), id)
	return err
}

func (s *sqliteStore) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var targetIDs, webhookIDs string
	var config []byte
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Description, &t.Type, &t.Schedule,
		&t.CronExpr, &t.IntervalMinutes, &t.Metric, &t.Op, &t.ThresholdValue,
		&targetIDs, &config, &t.NotifyOnSuccess, &t.NotifyOnFailure, &webhookIDs,
		&t.Enabled, &lastRun, &nextRun, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	t.TargetIDs = decodeStrings(targetIDs)
	t.WebhookIDs = decodeStrings(webhookIDs)
	t.Config = config
	if lastRun.Valid {
		lr := lastRun.Time
		t.LastRunAt = &lr
	}
	if nextRun.Valid {
		nr := nextRun.Time
		t.NextRunAt = &nr
	}
	return t, nil
}

// ---- helpers ----

func encodeStrings(vals []string) string {
	if len(vals) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var vals []string
	if err := json.Unmarshal([]byte(s), &vals); err != nil {
		return nil
	}
	return vals
}

func blob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
