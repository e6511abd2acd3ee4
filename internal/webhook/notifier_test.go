package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"confwatch/internal/domain"
)

func samplePayload() domain.WebhookPayload {
	started := time.Date(2026, 5, 12, 8, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	return domain.WebhookPayload{
		Event:     domain.EventTaskCompleted,
		Timestamp: finished,
		Message:   "Nightly drift scan completed",
		Task: &domain.Task{
			ID:       "tsk_1",
			Name:     "Nightly drift scan",
			Type:     "drift_scan",
			Schedule: domain.ScheduleCron,
			CronExpr: "0 3 * * *",
		},
		Execution: &domain.Execution{
			ID:         "exe_1",
			TaskID:     "tsk_1",
			Status:     domain.StatusCompleted,
			Trigger:    domain.TriggerScheduled,
			StartedAt:  started,
			FinishedAt: &finished,
			DurationMS: 90000,
		},
		Metrics:    &domain.Result{TargetsScanned: 12, IssuesFound: 3, EstimatedSavings: 118.4},
		DetailsURL: "https://confwatch.example/executions/exe_1",
	}
}

func TestFormatIsPure(t *testing.T) {
	t.Parallel()
	p := samplePayload()
	for _, provider := range []domain.Provider{
		domain.ProviderSlack, domain.ProviderDiscord, domain.ProviderN8N, domain.ProviderGeneric,
	} {
		first, err := Format(provider, p)
		if err != nil {
			t.Fatalf("Format(%s): %v", provider, err)
		}
		for i := 0; i < 3; i++ {
			again, err := Format(provider, p)
			if err != nil {
				t.Fatalf("Format(%s): %v", provider, err)
			}
			if !bytes.Equal(first, again) {
				t.Fatalf("Format(%s) not deterministic", provider)
			}
		}
	}
}

func TestFormatShapes(t *testing.T) {
	t.Parallel()
	p := samplePayload()

	var slack struct {
		Text   string `json:"text"`
		Blocks []struct {
			Type string `json:"type"`
		} `json:"blocks"`
	}
	b, _ := Format(domain.ProviderSlack, p)
	if err := json.Unmarshal(b, &slack); err != nil {
		t.Fatalf("slack output is not JSON: %v", err)
	}
	if slack.Text == "" || len(slack.Blocks) == 0 {
		t.Fatal("slack output missing fallback text or blocks")
	}
	if slack.Blocks[0].Type != "header" {
		t.Fatalf("slack first block = %q, want header", slack.Blocks[0].Type)
	}

	var discord struct {
		Embeds []struct {
			Color  int `json:"color"`
			Fields []struct {
				Name string `json:"name"`
			} `json:"fields"`
		} `json:"embeds"`
	}
	b, _ = Format(domain.ProviderDiscord, p)
	if err := json.Unmarshal(b, &discord); err != nil {
		t.Fatalf("discord output is not JSON: %v", err)
	}
	if len(discord.Embeds) != 1 {
		t.Fatalf("discord embeds = %d, want 1", len(discord.Embeds))
	}
	if discord.Embeds[0].Color != 0x2ECC71 {
		t.Fatalf("discord completed color = %#x", discord.Embeds[0].Color)
	}

	var n8n map[string]any
	b, _ = Format(domain.ProviderN8N, p)
	if err := json.Unmarshal(b, &n8n); err != nil {
		t.Fatalf("n8n output is not JSON: %v", err)
	}
	for _, key := range []string{"event", "task_id", "execution_id", "targets_scanned", "estimated_savings"} {
		if _, ok := n8n[key]; !ok {
			t.Errorf("n8n output missing flattened key %q", key)
		}
	}

	var generic domain.WebhookPayload
	b, _ = Format(domain.ProviderGeneric, p)
	if err := json.Unmarshal(b, &generic); err != nil {
		t.Fatalf("generic output is not JSON: %v", err)
	}
	if generic.Event != p.Event || generic.Task == nil || generic.Metrics == nil {
		t.Fatal("generic output lost canonical structure")
	}
}

func TestN8NKeepsZeroResultValues(t *testing.T) {
	t.Parallel()
	p := samplePayload()
	p.Execution.DurationMS = 0
	p.Metrics = &domain.Result{} // clean scan: zero issues, zero savings

	b, err := Format(domain.ProviderN8N, p)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("n8n output is not JSON: %v", err)
	}
	for _, key := range []string{"targets_scanned", "issues_found", "estimated_savings", "duration_ms"} {
		v, ok := m[key]
		if !ok {
			t.Errorf("zero-valued %q dropped from payload", key)
			continue
		}
		if v != float64(0) {
			t.Errorf("%s = %v, want 0", key, v)
		}
	}
}

func TestNotifySubscriptionFilter(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	n := NewNotifier(time.Second, "")
	webhooks := []domain.WebhookConfig{
		{ID: "wh_all", Name: "all events", Provider: domain.ProviderGeneric, URL: srv.URL, Enabled: true},
		{ID: "wh_fail", Name: "failures only", Provider: domain.ProviderGeneric, URL: srv.URL, Enabled: true,
			Events: []domain.EventType{domain.EventTaskFailed}},
	}

	results := n.Notify(context.Background(), webhooks, domain.EventTaskCompleted, samplePayload())
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !results[0].Delivered || results[0].Skipped {
		t.Fatalf("wh_all: %+v, want delivered", results[0])
	}
	if !results[1].Delivered || !results[1].Skipped {
		t.Fatalf("wh_fail: %+v, want skipped-as-delivered", results[1])
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("server hit %d times, want 1", got)
	}
}

func TestNotifyReportsHTTPFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(time.Second, "")
	results := n.Notify(context.Background(), []domain.WebhookConfig{
		{ID: "wh_bad", Provider: domain.ProviderGeneric, URL: srv.URL, Enabled: true},
	}, domain.EventTaskFailed, samplePayload())

	if len(results) != 1 || results[0].Delivered || results[0].Error == "" {
		t.Fatalf("expected delivery failure, got %+v", results)
	}
}

func TestNotifyStampsDefaults(t *testing.T) {
	t.Parallel()
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		body = buf.Bytes()
		if ua := r.Header.Get("User-Agent"); ua != userAgent {
			t.Errorf("User-Agent = %q", ua)
		}
	}))
	defer srv.Close()

	n := NewNotifier(time.Second, "https://confwatch.example")
	payload := domain.WebhookPayload{
		Task:      &domain.Task{ID: "tsk_1", Name: "Nightly drift scan"},
		Execution: &domain.Execution{ID: "exe_9"},
	}
	n.Notify(context.Background(), []domain.WebhookConfig{
		{ID: "wh_1", Provider: domain.ProviderGeneric, URL: srv.URL, Enabled: true},
	}, domain.EventTaskStarted, payload)

	var got domain.WebhookPayload
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if got.Event != domain.EventTaskStarted {
		t.Errorf("event = %q", got.Event)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
	if got.Message != "Nightly drift scan started" {
		t.Errorf("default message = %q", got.Message)
	}
	if got.DetailsURL != "https://confwatch.example/executions/exe_9" {
		t.Errorf("details url = %q", got.DetailsURL)
	}
}

func TestTestWebhook(t *testing.T) {
	t.Parallel()
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		body = buf.Bytes()
	}))
	defer srv.Close()

	n := NewNotifier(time.Second, "")
	err := n.Test(context.Background(), domain.WebhookConfig{
		ID: "wh_t", Provider: domain.ProviderN8N, URL: srv.URL, Enabled: true,
	})
	if err != nil {
		t.Fatalf("Test: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if got["event"] != string(domain.EventTaskCompleted) {
		t.Errorf("event = %v", got["event"])
	}
	if got["task_id"] != "tsk_test" {
		t.Errorf("task_id = %v, want placeholder", got["task_id"])
	}
}
