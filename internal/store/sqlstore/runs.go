package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/store"
)

func (s *Store) CreateRun(ctx context.Context, run *domain.Run) (*domain.Job, error) {
	roles, err := json.Marshal(run.Roles)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: marshal roles: %w", err)
	}
	tags, err := json.Marshal(run.Tags)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: marshal tags: %w", err)
	}
	budget, err := json.Marshal(map[string]int64{})
	if err != nil {
		return nil, err
	}

	job := &domain.Job{JobID: uuid.NewString(), RunID: run.RunID, TenantID: run.TenantID, State: domain.JobQueued}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (run_id, task_id, tenant_id, org_id, user_id, roles, user_message, state, title, tags, budget_used)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		run.RunID, run.TaskID, run.TenantID, run.OrgID, run.UserID, roles, run.UserMessage, run.State, run.Title, tags, budget)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: insert run: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO jobs (job_id, run_id, tenant_id, state) VALUES ($1,$2,$3,$4)`,
		job.JobID, job.RunID, job.TenantID, job.State)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: insert job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore: commit: %w", err)
	}
	return job, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, task_id, tenant_id, org_id, user_id, roles, user_message, state, title, tags, budget_used, last_seq, created_at, updated_at
		FROM runs WHERE run_id = $1`, runID)
	return scanRun(row)
}

func scanRun(row pgx.Row) (*domain.Run, error) {
	var r domain.Run
	var roles, tags, budget []byte
	err := row.Scan(&r.RunID, &r.TaskID, &r.TenantID, &r.OrgID, &r.UserID, &roles, &r.UserMessage, &r.State, &r.Title, &tags, &budget, &r.LastSeq, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlstore: scan run: %w", err)
	}
	if err := json.Unmarshal(roles, &r.Roles); err != nil {
		return nil, fmt.Errorf("sqlstore: unmarshal roles: %w", err)
	}
	if err := json.Unmarshal(tags, &r.Tags); err != nil {
		return nil, fmt.Errorf("sqlstore: unmarshal tags: %w", err)
	}
	if err := unmarshalBudget(budget, &r.BudgetUsed); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpdateRunState(ctx context.Context, runID string, state domain.RunState) error {
	tag, err := s.pool.Exec(ctx, `UPDATE runs SET state = $1, updated_at = now() WHERE run_id = $2`, state, runID)
	if err != nil {
		return fmt.Errorf("sqlstore: update run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateRunMeta(ctx context.Context, runID string, title *string, tags []string) error {
	if title != nil {
		if _, err := s.pool.Exec(ctx, `UPDATE runs SET title = $1, updated_at = now() WHERE run_id = $2`, *title, runID); err != nil {
			return fmt.Errorf("sqlstore: update title: %w", err)
		}
	}
	if tags != nil {
		b, err := json.Marshal(tags)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, `UPDATE runs SET tags = $1, updated_at = now() WHERE run_id = $2`, b, runID); err != nil {
			return fmt.Errorf("sqlstore: update tags: %w", err)
		}
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*domain.Run, error) {
	query := `
		SELECT run_id, task_id, tenant_id, org_id, user_id, roles, user_message, state, title, tags, budget_used, last_seq, created_at, updated_at
		FROM runs WHERE 1=1`
	var args []interface{}
	if filter.State != "" {
		args = append(args, filter.State)
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	if filter.Tag != "" {
		args = append(args, filter.Tag)
		query += fmt.Sprintf(" AND tags @> to_jsonb($%d::text)", len(args))
	}
	if filter.Query != "" {
		args = append(args, "%"+strings.ToLower(filter.Query)+"%")
		query += fmt.Sprintf(" AND lower(title) LIKE $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list runs: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
