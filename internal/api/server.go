// Package api is the HTTP surface: task, webhook, and target CRUD, manual
// triggers, and execution history.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"confwatch/internal/cron"
	"confwatch/internal/domain"
	"confwatch/internal/scheduler"
	"confwatch/internal/store"
	"confwatch/internal/webhook"
)

type Server struct {
	r        *chi.Mux
	store    store.Store
	runner   *scheduler.Runner
	notifier *webhook.Notifier
}

func NewServer(st store.Store, runner *scheduler.Runner, notifier *webhook.Notifier) http.Handler {
	return NewServerWithDebug(st, runner, notifier, false)
}

func NewServerWithDebug(st store.Store, runner *scheduler.Runner, notifier *webhook.Notifier, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, runner: runner, notifier: notifier}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Put("/api/tasks/{id}", s.updateTask)
	r.Delete("/api/tasks/{id}", s.deleteTask)
	r.Post("/api/tasks/{id}/run", s.runTask)
	r.Get("/api/tasks/{id}/executions", s.listExecutions)

	r.Get("/api/executions/{id}", s.getExecution)

	r.Post("/api/webhooks", s.createWebhook)
	r.Get("/api/webhooks", s.listWebhooks)
	r.Get("/api/webhooks/{id}", s.getWebhook)
	r.Put("/api/webhooks/{id}", s.updateWebhook)
	r.Delete("/api/webhooks/{id}", s.deleteWebhook)
	r.Post("/api/webhooks/{id}/test", s.testWebhook)

	r.Post("/api/targets", s.createTarget)
	r.Get("/api/targets", s.listTargets)
	r.Delete("/api/targets/{id}", s.deleteTarget)

	r.Get("/api/cron/describe", s.describeCron)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("confwatch_up 1\n"))
	w.Write([]byte("confwatch_active_executions " + strconv.Itoa(s.runner.ActiveCount()) + "\n"))
}

// ---- tasks ----

type taskReq struct {
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Schedule    string `json:"schedule_type"`

	CronExpr        string  `json:"cron_expr"`
	IntervalMinutes int     `json:"interval_minutes"`
	Metric          string  `json:"threshold_metric"`
	Op              string  `json:"threshold_operator"`
	ThresholdValue  float64 `json:"threshold_value"`

	TargetIDs []string        `json:"target_ids"`
	Config    json.RawMessage `json:"config"`

	NotifyOnSuccess bool     `json:"notify_on_success"`
	NotifyOnFailure bool     `json:"notify_on_failure"`
	WebhookIDs      []string `json:"webhook_ids"`
	Enabled         bool     `json:"enabled"`
}

// validate checks the schedule-specific fields and fills the initial next run.
func (req taskReq) validate() (domain.Task, string) {
	if req.Name == "" {
		return domain.Task{}, "name is required"
	}
	if req.Type == "" {
		return domain.Task{}, "type is required"
	}
	st := domain.ScheduleType(req.Schedule)
	if !domain.ValidScheduleType(st) {
		return domain.Task{}, "schedule_type must be cron, interval, threshold, or manual"
	}

	t := domain.Task{
		OwnerID:         req.OwnerID,
		Name:            req.Name,
		Description:     req.Description,
		Type:            req.Type,
		Schedule:        st,
		TargetIDs:       req.TargetIDs,
		Config:          req.Config,
		NotifyOnSuccess: req.NotifyOnSuccess,
		NotifyOnFailure: req.NotifyOnFailure,
		WebhookIDs:      req.WebhookIDs,
		Enabled:         req.Enabled,
	}

	switch st {
	case domain.ScheduleCron:
		if ok, reason := cron.Validate(req.CronExpr); !ok {
			return domain.Task{}, "invalid cron expression: " + reason
		}
		t.CronExpr = req.CronExpr
		next, err := cron.Next(req.CronExpr, time.Now())
		if err != nil {
			return domain.Task{}, "cron expression never matches: " + err.Error()
		}
		t.NextRunAt = &next
	case domain.ScheduleInterval:
		if req.IntervalMinutes < 1 {
			return domain.Task{}, "interval_minutes must be >= 1"
		}
		t.IntervalMinutes = req.IntervalMinutes
		// never run yet, so due immediately
		now := time.Now().UTC()
		t.NextRunAt = &now
	case domain.ScheduleThreshold:
		if req.Metric == "" {
			return domain.Task{}, "threshold_metric is required"
		}
		if !domain.ValidOperator(domain.Operator(req.Op)) {
			return domain.Task{}, "threshold_operator must be lt, gt, eq, lte, or gte"
		}
		t.Metric = req.Metric
		t.Op = domain.Operator(req.Op)
		t.ThresholdValue = req.ThresholdValue
	}
	return t, ""
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	task, reason := req.validate()
	if reason != "" {
		http.Error(w, reason, 400)
		return
	}

	id, err := s.store.CreateTask(r.Context(), task)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	task.ID = id

	if task.Schedule == domain.ScheduleThreshold && task.Enabled {
		s.runner.RegisterThresholdTask(task)
	}

	created, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, task)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}

	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = existing.OwnerID
	}
	task, reason := req.validate()
	if reason != "" {
		http.Error(w, reason, 400)
		return
	}
	task.ID = id

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	// keep the watcher registry in step with schedule/enabled changes
	switch {
	case task.Schedule == domain.ScheduleThreshold && task.Enabled:
		s.runner.RegisterThresholdTask(task)
	default:
		s.runner.UnregisterThresholdTask(id)
	}

	updated, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, updated)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	s.runner.UnregisterThresholdTask(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.runner.TriggerTask(r.Context(), id, domain.TriggerAPI)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "triggered"})
	case errors.Is(err, scheduler.ErrTaskNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, scheduler.ErrTaskDisabled):
		http.Error(w, "task is disabled", 409)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		http.Error(w, "task is already running", 409)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	execs, err := s.store.ListExecutions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if execs == nil {
		execs = []domain.Execution{}
	}
	writeJSON(w, 200, execs)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, exec)
}

// ---- webhooks ----

type webhookReq struct {
	OwnerID  string          `json:"owner_id"`
	Name     string          `json:"name"`
	Provider string          `json:"provider"`
	URL      string          `json:"url"`
	Config   json.RawMessage `json:"config"`
	Events   []string        `json:"events"`
	Enabled  bool            `json:"enabled"`
}

func (req webhookReq) validate() (domain.WebhookConfig, string) {
	if req.Name == "" {
		return domain.WebhookConfig{}, "name is required"
	}
	if req.URL == "" {
		return domain.WebhookConfig{}, "url is required"
	}
	switch domain.Provider(req.Provider) {
	case domain.ProviderSlack, domain.ProviderDiscord, domain.ProviderN8N, domain.ProviderGeneric:
	default:
		return domain.WebhookConfig{}, "provider must be slack, discord, n8n, or generic"
	}
	events := make([]domain.EventType, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, domain.EventType(e))
	}
	return domain.WebhookConfig{
		OwnerID:  req.OwnerID,
		Name:     req.Name,
		Provider: domain.Provider(req.Provider),
		URL:      req.URL,
		Config:   req.Config,
		Events:   events,
		Enabled:  req.Enabled,
	}, ""
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	wh, reason := req.validate()
	if reason != "" {
		http.Error(w, reason, 400)
		return
	}
	id, err := s.store.CreateWebhook(r.Context(), wh)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	created, err := s.store.GetWebhook(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.store.ListWebhooks(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if hooks == nil {
		hooks = []domain.WebhookConfig{}
	}
	writeJSON(w, 200, hooks)
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := s.store.GetWebhook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, wh)
}

func (s *Server) updateWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetWebhook(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}

	var req webhookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = existing.OwnerID
	}
	wh, reason := req.validate()
	if reason != "" {
		http.Error(w, reason, 400)
		return
	}
	wh.ID = id

	if err := s.store.UpdateWebhook(r.Context(), wh); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	updated, err := s.store.GetWebhook(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, updated)
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWebhook(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) testWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := s.store.GetWebhook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	if err := s.notifier.Test(r.Context(), wh); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"webhook_id": wh.ID, "status": "failed", "error": err.Error(),
		})
		return
	}
	writeJSON(w, 200, map[string]string{"webhook_id": wh.ID, "status": "delivered"})
}

// ---- targets ----

type targetReq struct {
	OwnerID  string          `json:"owner_id"`
	Name     string          `json:"name"`
	Kind     string          `json:"kind"`
	Config   json.RawMessage `json:"config"`
	Baseline json.RawMessage `json:"baseline"`
}

func (s *Server) createTarget(w http.ResponseWriter, r *http.Request) {
	var req targetReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" || req.Kind == "" {
		http.Error(w, "name and kind are required", 400)
		return
	}
	id, err := s.store.CreateTarget(r.Context(), domain.Target{
		OwnerID: req.OwnerID, Name: req.Name, Kind: req.Kind,
		Config: req.Config, Baseline: req.Baseline,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.ListTargets(r.Context(), r.URL.Query().Get("owner_id"), nil)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if targets == nil {
		targets = []domain.Target{}
	}
	writeJSON(w, 200, targets)
}

func (s *Server) deleteTarget(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTarget(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- cron ----

func (s *Server) describeCron(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("expr")
	ok, reason := cron.Validate(expr)
	resp := map[string]any{"expr": expr, "valid": ok}
	if !ok {
		resp["error"] = reason
		writeJSON(w, 200, resp)
		return
	}
	resp["description"] = cron.Describe(expr)
	if next, err := cron.Next(expr, time.Now()); err == nil {
		resp["next_run_at"] = next.Format(time.RFC3339)
	}
	writeJSON(w, 200, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
