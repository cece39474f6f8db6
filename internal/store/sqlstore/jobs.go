package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/store"
)

// ClaimJob selects one queued job under the tenant's concurrency ceiling
// and leases it, using SKIP LOCKED so concurrent workers never block on
// each other's claim attempt.
func (s *Store) ClaimJob(ctx context.Context, workerID string, leaseS int, tenantMaxConcurrency int) (*domain.Job, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT j.job_id, j.run_id, j.tenant_id, j.state, j.attempts
		FROM jobs j
		WHERE j.state = 'queued'
		  AND (
		    SELECT count(*) FROM jobs c
		    WHERE c.tenant_id = j.tenant_id AND c.state = 'claimed'
		  ) < $1
		ORDER BY j.job_id
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, tenantMaxConcurrency)

	var job domain.Job
	if err := row.Scan(&job.JobID, &job.RunID, &job.TenantID, &job.State, &job.Attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sqlstore: claim select: %w", err)
	}

	claimUntil := nowFunc().Add(time.Duration(leaseS) * time.Second)
	_, err = tx.Exec(ctx, `UPDATE jobs SET state = 'claimed', claim_until = $1, attempts = attempts + 1 WHERE job_id = $2`,
		claimUntil, job.JobID)
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: claim update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("sqlstore: commit: %w", err)
	}

	job.State = domain.JobClaimed
	job.ClaimUntil = claimUntil
	job.Attempts++
	return &job, true, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID string, success bool) error {
	state := domain.JobDone
	if !success {
		state = domain.JobFailed
	}
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET state = $1 WHERE job_id = $2`, state, jobID)
	if err != nil {
		return fmt.Errorf("sqlstore: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ReleaseExpiredLeases re-queues claimed jobs whose lease has lapsed, the
// crash-recovery sweep behind the worker pool's periodic reclaim.
func (s *Store) ReleaseExpiredLeases(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = 'queued', claim_until = NULL
		WHERE state = 'claimed' AND claim_until < $1`, nowFunc())
	if err != nil {
		return 0, fmt.Errorf("sqlstore: release expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
