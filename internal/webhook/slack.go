package webhook

import (
	"fmt"
	"time"

	"confwatch/internal/domain"
)

// Slack Block Kit shapes.

type slackBlock struct {
	Type     string         `json:"type"`
	Text     *slackText     `json:"text,omitempty"`
	Fields   []slackText    `json:"fields,omitempty"`
	Elements []slackElement `json:"elements,omitempty"`
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackElement struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

func slackPayload(p domain.WebhookPayload) slackMessage {
	emoji, title := eventBadge(p.Event)

	blocks := []slackBlock{{
		Type: "header",
		Text: &slackText{Type: "plain_text", Text: fmt.Sprintf("%s %s", emoji, title), Emoji: true},
	}}

	if p.Message != "" {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: p.Message},
		})
	}

	if fields := payloadFields(p); len(fields) > 0 {
		texts := make([]slackText, 0, len(fields))
		for _, f := range fields {
			texts = append(texts, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", f.name, f.value)})
		}
		blocks = append(blocks, slackBlock{Type: "section", Fields: texts})
	}

	if p.Error != "" {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf(":warning: *Error:*\n```%s```", truncate(p.Error, 500))},
		})
	}

	footer := "confwatch scheduler"
	if p.DetailsURL != "" {
		footer = fmt.Sprintf("<%s|View details> | %s", p.DetailsURL, footer)
	}
	blocks = append(blocks, slackBlock{
		Type: "context",
		Elements: []slackElement{
			{Type: "mrkdwn", Text: footer},
			{Type: "mrkdwn", Text: p.Timestamp.Format(time.RFC3339)},
		},
	})

	// flat fallback for clients that don't render blocks
	return slackMessage{Text: fmt.Sprintf("%s %s: %s", emoji, title, p.Message), Blocks: blocks}
}

func eventBadge(event domain.EventType) (emoji, title string) {
	switch event {
	case domain.EventTaskStarted:
		return ":arrow_forward:", "Task started"
	case domain.EventTaskCompleted:
		return ":white_check_mark:", "Task completed"
	case domain.EventTaskFailed:
		return ":x:", "Task failed"
	case domain.EventTest:
		return ":bell:", "Test notification"
	default:
		return ":information_source:", string(event)
	}
}

type field struct {
	name  string
	value string
}

// payloadFields flattens task/execution/metrics into the two-column field
// list shared by the Slack and Discord layouts.
func payloadFields(p domain.WebhookPayload) []field {
	var fields []field
	if p.Task != nil {
		fields = append(fields, field{"Task", p.Task.Name})
		if p.Task.Type != "" {
			fields = append(fields, field{"Type", p.Task.Type})
		}
	}
	if p.Execution != nil {
		fields = append(fields, field{"Status", string(p.Execution.Status)})
		fields = append(fields, field{"Trigger", string(p.Execution.Trigger)})
		if p.Execution.DurationMS > 0 {
			d := time.Duration(p.Execution.DurationMS) * time.Millisecond
			fields = append(fields, field{"Duration", d.String()})
		}
	}
	if p.Metrics != nil {
		fields = append(fields, field{"Targets scanned", fmt.Sprintf("%d", p.Metrics.TargetsScanned)})
		fields = append(fields, field{"Issues found", fmt.Sprintf("%d", p.Metrics.IssuesFound)})
		if p.Metrics.EstimatedSavings > 0 {
			fields = append(fields, field{"Est. savings", fmt.Sprintf("$%.2f/mo", p.Metrics.EstimatedSavings)})
		}
	}
	return fields
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
