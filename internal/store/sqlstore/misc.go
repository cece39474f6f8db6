package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/store"
)

func unmarshalBudget(raw []byte, out *map[string]int64) error {
	if len(raw) == 0 {
		*out = map[string]int64{}
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("sqlstore: unmarshal budget_used: %w", err)
	}
	if *out == nil {
		*out = map[string]int64{}
	}
	return nil
}

// nowFunc is the single clock read point, kept as a var (not time.Now
// inlined everywhere) so a future test fake can override it without
// touching every call site.
var nowFunc = time.Now

func (s *Store) StepCacheGet(ctx context.Context, idemKey string) ([]byte, bool, error) {
	var out []byte
	err := s.pool.QueryRow(ctx, `SELECT output FROM step_cache WHERE idem_key = $1`, idemKey).Scan(&out)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sqlstore: step cache get: %w", err)
	}
	return out, true, nil
}

func (s *Store) StepCachePut(ctx context.Context, idemKey string, output []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO step_cache (idem_key, output) VALUES ($1,$2)
		ON CONFLICT (idem_key) DO UPDATE SET output = EXCLUDED.output`, idemKey, output)
	if err != nil {
		return fmt.Errorf("sqlstore: step cache put: %w", err)
	}
	return nil
}

// ConsumeBudget locks the run row, projects deltas atop the stored
// budget_used, rejects without mutating if any metric would exceed its
// limit, and otherwise persists the projection, mirroring memstore's
// check-then-commit-in-one-critical-section semantics under the row lock.
func (s *Store) ConsumeBudget(ctx context.Context, runID string, tenantID string, deltas map[string]int64, limits domain.Limits) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var budget map[string]int64
	row := tx.QueryRow(ctx, `SELECT budget_used FROM runs WHERE run_id = $1 FOR UPDATE`, runID)
	if err := scanBudget(row, &budget); err != nil {
		return err
	}

	projected := make(map[string]int64, len(budget))
	for k, v := range budget {
		projected[k] = v
	}
	for k, d := range deltas {
		projected[k] += d
	}

	if limits.ToolCalls != nil && projected["tool_calls"] > *limits.ToolCalls {
		return store.ErrBudgetExceeded
	}
	if limits.LLMCalls != nil && projected["llm_calls"] > *limits.LLMCalls {
		return store.ErrBudgetExceeded
	}
	if limits.CostUnits != nil && projected["cost_units"] > *limits.CostUnits {
		return store.ErrBudgetExceeded
	}

	if err := writeBudget(ctx, tx, runID, projected); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

func writeBudget(ctx context.Context, tx pgx.Tx, runID string, budget map[string]int64) error {
	b, err := json.Marshal(budget)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal budget_used: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE runs SET budget_used = $1, updated_at = $2 WHERE run_id = $3`, b, nowFunc(), runID); err != nil {
		return fmt.Errorf("sqlstore: write budget: %w", err)
	}
	return nil
}

func (s *Store) GetBudgetUsed(ctx context.Context, runID string) (map[string]int64, error) {
	var budget map[string]int64
	row := s.pool.QueryRow(ctx, `SELECT budget_used FROM runs WHERE run_id = $1`, runID)
	if err := scanBudget(row, &budget); err != nil {
		return nil, err
	}
	return budget, nil
}

func scanBudget(row pgx.Row, out *map[string]int64) error {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("sqlstore: scan budget: %w", err)
	}
	return unmarshalBudget(raw, out)
}

func (s *Store) Snapshot(ctx context.Context, runID string) error {
	row := s.pool.QueryRow(ctx, `SELECT last_seq, state FROM runs WHERE run_id = $1`, runID)
	var lastSeq int64
	var state domain.RunState
	if err := row.Scan(&lastSeq, &state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("sqlstore: snapshot select: %w", err)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_snapshots (run_id, last_seq, state, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (run_id) DO UPDATE SET last_seq = EXCLUDED.last_seq, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		runID, lastSeq, state, nowFunc())
	if err != nil {
		return fmt.Errorf("sqlstore: snapshot upsert: %w", err)
	}
	return nil
}

func (s *Store) RateLimitIncrement(ctx context.Context, scope, scopeID string, windowStart time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_windows (scope, scope_id, window_start, count)
		VALUES ($1,$2,$3,1)
		ON CONFLICT (scope, scope_id, window_start) DO UPDATE SET count = rate_windows.count + 1
		RETURNING count`, scope, scopeID, windowStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: rate limit increment: %w", err)
	}
	return count, nil
}

func (s *Store) LoadAuditKeys(ctx context.Context) ([]domain.AuditKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT kid, secret, active, created_at FROM audit_keys`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load audit keys: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditKey
	for rows.Next() {
		var k domain.AuditKey
		var secret string
		if err := rows.Scan(&k.KID, &secret, &k.Active, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlstore: scan audit key: %w", err)
		}
		k.Secret = []byte(secret)
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) SaveAuditKey(ctx context.Context, key domain.AuditKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_keys (kid, secret, active, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (kid) DO UPDATE SET secret = EXCLUDED.secret, active = EXCLUDED.active`,
		key.KID, string(key.Secret), key.Active, nowFunc())
	if err != nil {
		return fmt.Errorf("sqlstore: save audit key: %w", err)
	}
	return nil
}
