// Package webhook formats scheduler events into provider-specific payloads
// and delivers them over HTTP. Delivery is at-most-one-attempt: failures are
// reported back to the caller, logged, and never retried.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"confwatch/internal/domain"
)

const userAgent = "confwatch-webhook/1.0"

// Delivery is the per-webhook outcome of a Notify call.
type Delivery struct {
	WebhookID string `json:"webhook_id"`
	Name      string `json:"name"`
	Delivered bool   `json:"delivered"`
	Skipped   bool   `json:"skipped"`
	Error     string `json:"error,omitempty"`
}

// Notifier delivers canonical scheduler events to configured webhooks.
type Notifier struct {
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewNotifier builds a notifier. timeout bounds each POST (10s if zero).
// baseURL, when set, is used to append a details link to every payload.
// Deliveries across all destinations share one limiter so a burst of task
// completions cannot hammer the providers.
func NewNotifier(timeout time.Duration, baseURL string) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		baseURL: baseURL,
	}
}

// Notify stamps the payload with event and timestamp, fills a default message
// when absent, and delivers it to each webhook. A webhook whose non-empty
// event list excludes the event is skipped and reported as delivered.
func (n *Notifier) Notify(ctx context.Context, webhooks []domain.WebhookConfig, event domain.EventType, payload domain.WebhookPayload) []Delivery {
	payload.Event = event
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}
	if payload.Message == "" {
		payload.Message = defaultMessage(event, payload.Task)
	}
	if n.baseURL != "" && payload.DetailsURL == "" && payload.Execution != nil {
		payload.DetailsURL = fmt.Sprintf("%s/executions/%s", n.baseURL, payload.Execution.ID)
	}

	results := make([]Delivery, 0, len(webhooks))
	for _, wh := range webhooks {
		d := Delivery{WebhookID: wh.ID, Name: wh.Name}

		if !subscribed(wh, event) {
			d.Delivered = true
			d.Skipped = true
			results = append(results, d)
			continue
		}

		if err := n.deliver(ctx, wh, payload); err != nil {
			d.Error = err.Error()
			log.Warn().Err(err).
				Str("webhook_id", wh.ID).
				Str("provider", string(wh.Provider)).
				Str("event", string(event)).
				Msg("webhook delivery failed")
		} else {
			d.Delivered = true
			log.Debug().
				Str("webhook_id", wh.ID).
				Str("event", string(event)).
				Msg("webhook delivered")
		}
		results = append(results, d)
	}
	return results
}

// Test sends a synthetic completed-task payload with placeholder metrics to
// verify connectivity without touching real state.
func (n *Notifier) Test(ctx context.Context, wh domain.WebhookConfig) error {
	now := time.Now().UTC()
	finished := now
	payload := domain.WebhookPayload{
		Event:     domain.EventTaskCompleted,
		Timestamp: now,
		Message:   "Test notification from confwatch",
		Task: &domain.Task{
			ID:       "tsk_test",
			Name:     "Test task",
			Type:     "drift_scan",
			Schedule: domain.ScheduleManual,
		},
		Execution: &domain.Execution{
			ID:         "exe_test",
			TaskID:     "tsk_test",
			Status:     domain.StatusCompleted,
			Trigger:    domain.TriggerManual,
			StartedAt:  now.Add(-2 * time.Second),
			FinishedAt: &finished,
			DurationMS: 2000,
		},
		Metrics: &domain.Result{TargetsScanned: 3, IssuesFound: 1, EstimatedSavings: 42.5},
	}
	return n.deliver(ctx, wh, payload)
}

func (n *Notifier) deliver(ctx context.Context, wh domain.WebhookConfig, payload domain.WebhookPayload) error {
	body, err := Format(wh.Provider, payload)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Format renders the canonical payload in the provider's shape. Formatting is
// pure: the same payload always yields the same bytes.
func Format(provider domain.Provider, p domain.WebhookPayload) ([]byte, error) {
	switch provider {
	case domain.ProviderSlack:
		return json.Marshal(slackPayload(p))
	case domain.ProviderDiscord:
		return json.Marshal(discordPayload(p))
	case domain.ProviderN8N:
		return json.Marshal(n8nPayload(p))
	default:
		// generic: canonical payload verbatim
		return json.Marshal(p)
	}
}

func subscribed(wh domain.WebhookConfig, event domain.EventType) bool {
	if len(wh.Events) == 0 {
		return true
	}
	for _, e := range wh.Events {
		if e == event {
			return true
		}
	}
	return false
}

func defaultMessage(event domain.EventType, task *domain.Task) string {
	name := "task"
	if task != nil && task.Name != "" {
		name = task.Name
	}
	switch event {
	case domain.EventTaskStarted:
		return fmt.Sprintf("%s started", name)
	case domain.EventTaskCompleted:
		return fmt.Sprintf("%s completed", name)
	case domain.EventTaskFailed:
		return fmt.Sprintf("%s failed", name)
	default:
		return fmt.Sprintf("%s: %s", name, event)
	}
}
