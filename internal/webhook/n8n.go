package webhook

import (
	"time"

	"confwatch/internal/domain"
)

// n8nMessage is a flattened passthrough for workflow engines: every useful
// value at the top level, no nested provider formatting to unpick.
type n8nMessage struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message,omitempty"`

	TaskID       string `json:"task_id,omitempty"`
	TaskName     string `json:"task_name,omitempty"`
	TaskType     string `json:"task_type,omitempty"`
	ScheduleType string `json:"schedule_type,omitempty"`

	// numeric result fields carry no omitempty: a zero count is a real
	// observation, not an absent one
	ExecutionID string `json:"execution_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Trigger     string `json:"trigger,omitempty"`
	DurationMS  int64  `json:"duration_ms"`

	TargetsScanned   int     `json:"targets_scanned"`
	IssuesFound      int     `json:"issues_found"`
	EstimatedSavings float64 `json:"estimated_savings"`

	Error      string `json:"error,omitempty"`
	DetailsURL string `json:"details_url,omitempty"`
}

func n8nPayload(p domain.WebhookPayload) n8nMessage {
	m := n8nMessage{
		Event:      string(p.Event),
		Timestamp:  p.Timestamp.Format(time.RFC3339),
		Message:    p.Message,
		Error:      p.Error,
		DetailsURL: p.DetailsURL,
	}
	if p.Task != nil {
		m.TaskID = p.Task.ID
		m.TaskName = p.Task.Name
		m.TaskType = p.Task.Type
		m.ScheduleType = string(p.Task.Schedule)
	}
	if p.Execution != nil {
		m.ExecutionID = p.Execution.ID
		m.Status = string(p.Execution.Status)
		m.Trigger = string(p.Execution.Trigger)
		m.DurationMS = p.Execution.DurationMS
	}
	if p.Metrics != nil {
		m.TargetsScanned = p.Metrics.TargetsScanned
		m.IssuesFound = p.Metrics.IssuesFound
		m.EstimatedSavings = p.Metrics.EstimatedSavings
	}
	return m
}
