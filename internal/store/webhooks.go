package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"confwatch/internal/domain"
)

const webhookCols = `id,owner_id,name,provider,url,config,events,enabled,created_at,updated_at`

func (s *sqliteStore) CreateWebhook(ctx context.Context, w domain.WebhookConfig) (string, error) {
	id := w.ID
	if id == "" {
		id = "wh_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO webhooks (id,owner_id,name,provider,url,config,events,enabled,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`,
		id, w.OwnerID, w.Name, w.Provider, w.URL, blob(w.Config), encodeEvents(w.Events), w.Enabled)
	return id, err
}

func (s *sqliteStore) GetWebhook(ctx context.Context, id string) (domain.WebhookConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookCols+` FROM webhooks WHERE id=?`, id)
	return scanWebhook(row)
}

func (s *sqliteStore) ListWebhooks(ctx context.Context, ownerID string) ([]domain.WebhookConfig, error) {
	query := `SELECT ` + webhookCols + ` FROM webhooks`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at`
	return s.queryWebhooks(ctx, query, args...)
}

func (s *sqliteStore) UpdateWebhook(ctx context.Context, w domain.WebhookConfig) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE webhooks SET name=?,provider=?,url=?,config=?,events=?,enabled=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, w.Name, w.Provider, w.URL, blob(w.Config), encodeEvents(w.Events), w.Enabled, w.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// WebhooksForTask resolves the task's notification destinations: the task's
// explicit webhook list when present, else every enabled webhook of the
// task's owner.
func (s *sqliteStore) WebhooksForTask(ctx context.Context, t domain.Task) ([]domain.WebhookConfig, error) {
	if len(t.WebhookIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(t.WebhookIDs)), ",")
		args := make([]any, 0, len(t.WebhookIDs))
		for _, id := range t.WebhookIDs {
			args = append(args, id)
		}
		return s.queryWebhooks(ctx,
			`SELECT `+webhookCols+` FROM webhooks WHERE enabled=1 AND id IN (`+placeholders+`) ORDER BY created_at`,
			args...)
	}
	return s.queryWebhooks(ctx,
		`SELECT `+webhookCols+` FROM webhooks WHERE enabled=1 AND owner_id=? ORDER BY created_at`,
		t.OwnerID)
}

func (s *sqliteStore) queryWebhooks(ctx context.Context, query string, args ...any) ([]domain.WebhookConfig, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hooks []domain.WebhookConfig
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, w)
	}
	return hooks, rows.Err()
}

func scanWebhook(row rowScanner) (domain.WebhookConfig, error) {
	var w domain.WebhookConfig
	var config []byte
	var events string
	err := row.Scan(&w.ID, &w.OwnerID, &w.Name, &w.Provider, &w.URL, &config, &events,
		&w.Enabled, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.WebhookConfig{}, ErrNotFound
	}
	if err != nil {
		return domain.WebhookConfig{}, err
	}
	w.Config = config
	for _, e := range decodeStrings(events) {
		w.Events = append(w.Events, domain.EventType(e))
	}
	return w, nil
}

func encodeEvents(events []domain.EventType) string {
	if len(events) == 0 {
		return "[]"
	}
	b, err := json.Marshal(events)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// ---- targets ----

func (s *sqliteStore) CreateTarget(ctx context.Context, tg domain.Target) (string, error) {
	id := tg.ID
	if id == "" {
		id = "tgt_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO targets (id,owner_id,name,kind,config,baseline,created_at,updated_at)
VALUES (?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`,
		id, tg.OwnerID, tg.Name, tg.Kind, blob(tg.Config), blob(tg.Baseline))
	return id, err
}

// ListTargets returns the owner's targets, narrowed to ids when non-empty.
func (s *sqliteStore) ListTargets(ctx context.Context, ownerID string, ids []string) ([]domain.Target, error) {
	query := `SELECT id,owner_id,name,kind,config,baseline,created_at,updated_at FROM targets WHERE owner_id=?`
	args := []any{ownerID}
	if len(ids) > 0 {
		query += ` AND id IN (` + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []domain.Target
	for rows.Next() {
		var tg domain.Target
		var config, baseline []byte
		if err := rows.Scan(&tg.ID, &tg.OwnerID, &tg.Name, &tg.Kind, &config, &baseline,
			&tg.CreatedAt, &tg.UpdatedAt); err != nil {
			return nil, err
		}
		tg.Config = config
		tg.Baseline = baseline
		targets = append(targets, tg)
	}
	return targets, rows.Err()
}

func (s *sqliteStore) DeleteTarget(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
