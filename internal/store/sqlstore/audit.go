package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/store"
)

// AppendAuditLog persists one administrative-plane record. It is a plain
// insert, not hash-chained: the audit_log table is an operator trail
// alongside run_events, not a replay source.
func (s *Store) AppendAuditLog(ctx context.Context, entry domain.AuditEntry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal audit detail: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_log (entry_id, ts, tenant_id, org_id, user_id, action, target_type, target_id, outcome, detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		entry.EntryID, entry.TS, entry.TenantID, entry.OrgID, entry.UserID,
		entry.Action, entry.TargetType, entry.TargetID, entry.Outcome, detail)
	if err != nil {
		return fmt.Errorf("sqlstore: append audit log: %w", err)
	}
	return nil
}

func (s *Store) RecordSession(ctx context.Context, session domain.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, run_id, user_id, since_seq, connected_at)
		VALUES ($1,$2,$3,$4,$5)`,
		session.SessionID, session.RunID, session.UserID, session.SinceSeq, session.ConnectedAt)
	if err != nil {
		return fmt.Errorf("sqlstore: record session: %w", err)
	}
	return nil
}

func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET disconnected_at = $1 WHERE session_id = $2`, nowFunc(), sessionID)
	if err != nil {
		return fmt.Errorf("sqlstore: close session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
