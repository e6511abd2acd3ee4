package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"confwatch/internal/domain"
)

const execCols = `id,task_id,status,trigger_type,started_at,finished_at,duration_ms,
targets_scanned,issues_found,estimated_savings,details,error`

func (s *sqliteStore) CreateExecution(ctx context.Context, e domain.Execution) (string, error) {
	id := e.ID
	if id == "" {
		id = "exe_" + uuid.NewString()
	}
	if e.Status == "" {
		e.Status = domain.StatusRunning
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO executions (id,task_id,status,trigger_type,started_at)
VALUES (?,?,?,?,?)`,
		id, e.TaskID, e.Status, e.Trigger, e.StartedAt.UTC())
	return id, err
}

// FinalizeExecution writes the terminal status, timing, and either the
// structured result or the error text. An execution is finalized exactly
// once; the status check keeps a late writer from clobbering a terminal row.
func (s *sqliteStore) FinalizeExecution(ctx context.Context, e domain.Execution) error {
	var r domain.Result
	if e.Result != nil {
		r = *e.Result
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE executions SET status=?, finished_at=?, duration_ms=?,
targets_scanned=?, issues_found=?, estimated_savings=?, details=?, error=?
WHERE id=? AND status='running'`,
		e.Status, nullTime(e.FinishedAt), e.DurationMS,
		r.TargetsScanned, r.IssuesFound, r.EstimatedSavings, r.Details, e.Error, e.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+execCols+` FROM executions WHERE id=?`, id)
	return scanExecution(row)
}

func (s *sqliteStore) ListExecutions(ctx context.Context, taskID string, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + execCols + ` FROM executions`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id=?`
		args = append(args, taskID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var e domain.Execution
	var finished sql.NullTime
	var r domain.Result
	err := row.Scan(&e.ID, &e.TaskID, &e.Status, &e.Trigger, &e.StartedAt, &finished,
		&e.DurationMS, &r.TargetsScanned, &r.IssuesFound, &r.EstimatedSavings, &r.Details, &e.Error)
	if err == sql.ErrNoRows {
		return domain.Execution{}, ErrNotFound
	}
	if err != nil {
		return domain.Execution{}, err
	}
	if finished.Valid {
		ft := finished.Time
		e.FinishedAt = &ft
	}
	if e.Status == domain.StatusCompleted {
		e.Result = &r
	}
	return e, nil
}

// ---- metric aggregates for the threshold provider ----

func (s *sqliteStore) FailedExecutionsSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM executions e
JOIN tasks t ON t.id = e.task_id
WHERE t.owner_id=? AND e.status='failed' AND e.started_at >= ?`, ownerID, since.UTC())
	var n int
	err := row.Scan(&n)
	return n, err
}

func (s *sqliteStore) TargetCount(ctx context.Context, ownerID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets WHERE owner_id=?`, ownerID)
	var n int
	err := row.Scan(&n)
	return n, err
}

// LatestResultTotals sums issues and savings over each task's most recent
// completed execution, giving a current picture rather than a historical sum.
func (s *sqliteStore) LatestResultTotals(ctx context.Context, ownerID string) (int, float64, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(issues_found),0), COALESCE(SUM(estimated_savings),0) FROM (
  SELECT e.issues_found, e.estimated_savings,
         ROW_NUMBER() OVER (PARTITION BY e.task_id ORDER BY e.started_at DESC) AS rn
  FROM executions e
  JOIN tasks t ON t.id = e.task_id
  WHERE t.owner_id=? AND e.status='completed'
) WHERE rn=1`, ownerID)
	var issues int
	var savings float64
	err := row.Scan(&issues, &savings)
	return issues, savings, err
}
