package domain

import (
	"encoding/json"
	"time"
)

// ScheduleType says what drives a task: a cron expression, a fixed interval,
// a metric threshold, or nothing but explicit triggers.
type ScheduleType string

const (
	ScheduleCron      ScheduleType = "cron"
	ScheduleInterval  ScheduleType = "interval"
	ScheduleThreshold ScheduleType = "threshold"
	ScheduleManual    ScheduleType = "manual"
)

// TriggerType records what caused an execution.
type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerThreshold TriggerType = "threshold"
	TriggerManual    TriggerType = "manual"
	TriggerAPI       TriggerType = "api"
)

// ExecutionStatus is the lifecycle of a single attempt.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// Operator is a threshold comparison.
type Operator string

const (
	OpLT  Operator = "lt"
	OpGT  Operator = "gt"
	OpEQ  Operator = "eq"
	OpLTE Operator = "lte"
	OpGTE Operator = "gte"
)

// Provider identifies a webhook payload format.
type Provider string

const (
	ProviderSlack   Provider = "slack"
	ProviderDiscord Provider = "discord"
	ProviderN8N     Provider = "n8n"
	ProviderGeneric Provider = "generic"
)

// EventType is a scheduler event a webhook can subscribe to.
type EventType string

const (
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTest          EventType = "test"
)

// Task is a scheduled audit task owned by a single account. NextRunAt is
// non-nil only for cron/interval schedules; threshold and manual tasks are
// never picked up by the due-task query.
type Task struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"owner_id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Type        string       `json:"type"`
	Schedule    ScheduleType `json:"schedule_type"`

	CronExpr        string   `json:"cron_expr,omitempty"`
	IntervalMinutes int      `json:"interval_minutes,omitempty"`
	Metric          string   `json:"threshold_metric,omitempty"`
	Op              Operator `json:"threshold_operator,omitempty"`
	ThresholdValue  float64  `json:"threshold_value,omitempty"`

	// TargetIDs narrows the task to specific targets. Empty means every
	// target registered to the owner.
	TargetIDs []string        `json:"target_ids,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`

	NotifyOnSuccess bool `json:"notify_on_success"`
	NotifyOnFailure bool `json:"notify_on_failure"`
	// WebhookIDs narrows notifications to specific webhooks. Empty means
	// every owner-global webhook.
	WebhookIDs []string `json:"webhook_ids,omitempty"`

	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Result is what a task executor hands back on success.
type Result struct {
	TargetsScanned   int     `json:"targets_scanned"`
	IssuesFound      int     `json:"issues_found"`
	EstimatedSavings float64 `json:"estimated_savings"`
	Details          string  `json:"details,omitempty"`
}

// Execution is one recorded attempt to run a task. Created as running,
// finalized exactly once to completed or failed.
type Execution struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	Status     ExecutionStatus `json:"status"`
	Trigger    TriggerType     `json:"trigger"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Result     *Result         `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// WebhookConfig is a long-lived outbound notification destination.
type WebhookConfig struct {
	ID       string          `json:"id"`
	OwnerID  string          `json:"owner_id"`
	Name     string          `json:"name"`
	Provider Provider        `json:"provider"`
	URL      string          `json:"url"`
	Config   json.RawMessage `json:"config,omitempty"`
	// Events filters delivery. Empty means all events.
	Events    []EventType `json:"events,omitempty"`
	Enabled   bool        `json:"enabled"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// WebhookPayload is the canonical event shape handed to provider formatters.
// Never persisted.
type WebhookPayload struct {
	Event      EventType  `json:"event"`
	Timestamp  time.Time  `json:"timestamp"`
	Message    string     `json:"message,omitempty"`
	Task       *Task      `json:"task,omitempty"`
	Execution  *Execution `json:"execution,omitempty"`
	Metrics    *Result    `json:"metrics,omitempty"`
	Error      string     `json:"error,omitempty"`
	DetailsURL string     `json:"details_url,omitempty"`
}

// Target is one registered configuration source (a cloud resource, a service
// config) that audit tasks inspect.
type Target struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Config    json.RawMessage `json:"config,omitempty"`
	Baseline  json.RawMessage `json:"baseline,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ValidOperator reports whether op is one of the five comparisons.
func ValidOperator(op Operator) bool {
	switch op {
	case OpLT, OpGT, OpEQ, OpLTE, OpGTE:
		return true
	}
	return false
}

// ValidScheduleType reports whether st is a known schedule type.
func ValidScheduleType(st ScheduleType) bool {
	switch st {
	case ScheduleCron, ScheduleInterval, ScheduleThreshold, ScheduleManual:
		return true
	}
	return false
}
