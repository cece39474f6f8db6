package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/store"
)

func (s *Store) CreateApproval(ctx context.Context, approval *domain.Approval) error {
	var existing string
	err := s.pool.QueryRow(ctx, `SELECT approval_id FROM approvals WHERE run_id = $1 AND state = 'pending'`, approval.RunID).Scan(&existing)
	if err == nil {
		return fmt.Errorf("sqlstore: run %s already has a pending approval", approval.RunID)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("sqlstore: check pending approval: %w", err)
	}

	approval.CreatedAt = nowFunc()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO approvals (approval_id, run_id, state, created_at)
		VALUES ($1,$2,$3,$4)`, approval.ApprovalID, approval.RunID, approval.State, approval.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlstore: insert approval: %w", err)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, approvalID string) (*domain.Approval, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT approval_id, run_id, state, created_at, decided_at, decided_by, reason
		FROM approvals WHERE approval_id = $1`, approvalID)
	return scanApproval(row)
}

func (s *Store) GetPendingApproval(ctx context.Context, runID string) (*domain.Approval, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT approval_id, run_id, state, created_at, decided_at, decided_by, reason
		FROM approvals WHERE run_id = $1 AND state = 'pending'`, runID)
	return scanApproval(row)
}

func scanApproval(row pgx.Row) (*domain.Approval, error) {
	var a domain.Approval
	var decidedBy string
	err := row.Scan(&a.ApprovalID, &a.RunID, &a.State, &a.CreatedAt, &a.DecidedAt, &decidedBy, &a.Reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlstore: scan approval: %w", err)
	}
	a.By = decidedBy
	return &a, nil
}

// DecideApproval performs the exactly-once pending->decided transition via a
// conditional UPDATE guarded on the current state.
func (s *Store) DecideApproval(ctx context.Context, approvalID string, decision domain.ApprovalState, by, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approvals SET state = $1, decided_at = $2, decided_by = $3, reason = $4
		WHERE approval_id = $5 AND state = 'pending'`,
		decision, nowFunc(), by, reason, approvalID)
	if err != nil {
		return fmt.Errorf("sqlstore: decide approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT true FROM approvals WHERE approval_id = $1`, approvalID).Scan(&exists); err != nil {
			return store.ErrNotFound
		}
		return store.ErrAlreadyDecided
	}
	return nil
}
