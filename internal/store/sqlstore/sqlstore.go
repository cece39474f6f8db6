// Package sqlstore is the relational Store backend, backed by Postgres
// through pgx and selected over memstore by
// infra.Config.Database.UsePostgres. Its append-only event and hash-chain
// schema mirrors memstore's semantics field for field.
package sqlstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wmag-systems/wmag-kernel/internal/hashchain"
	"github.com/wmag-systems/wmag-kernel/internal/store"
)

const initSQL = `
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  tenant_id TEXT NOT NULL,
  org_id TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL DEFAULT '',
  roles JSONB NOT NULL DEFAULT '[]'::jsonb,
  user_message TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL DEFAULT 'submitted',
  title TEXT NOT NULL DEFAULT '',
  tags JSONB NOT NULL DEFAULT '[]'::jsonb,
  budget_used JSONB NOT NULL DEFAULT '{}'::jsonb,
  last_seq BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_events (
  run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
  seq BIGINT NOT NULL,
  ts TIMESTAMPTZ NOT NULL DEFAULT now(),
  canonical JSONB NOT NULL,
  prev_hash TEXT NOT NULL DEFAULT '',
  hash TEXT NOT NULL,
  key_id TEXT NOT NULL,
  payload JSONB NOT NULL,
  PRIMARY KEY (run_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_run_events_run_seq ON run_events(run_id, seq);

CREATE TABLE IF NOT EXISTS jobs (
  job_id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
  tenant_id TEXT NOT NULL,
  state TEXT NOT NULL DEFAULT 'queued',
  claim_until TIMESTAMPTZ,
  attempts INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);

CREATE TABLE IF NOT EXISTS step_cache (
  idem_key TEXT PRIMARY KEY,
  output BYTEA NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS approvals (
  approval_id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
  state TEXT NOT NULL DEFAULT 'pending',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  decided_at TIMESTAMPTZ,
  decided_by TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_approvals_run_id ON approvals(run_id);

CREATE TABLE IF NOT EXISTS audit_keys (
  kid TEXT PRIMARY KEY,
  secret TEXT NOT NULL,
  active BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_snapshots (
  run_id TEXT PRIMARY KEY REFERENCES runs(run_id) ON DELETE CASCADE,
  last_seq BIGINT NOT NULL,
  state TEXT NOT NULL DEFAULT '',
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rate_windows (
  scope TEXT NOT NULL,
  scope_id TEXT NOT NULL,
  window_start TIMESTAMPTZ NOT NULL,
  count BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (scope, scope_id, window_start)
);

CREATE TABLE IF NOT EXISTS audit_log (
  entry_id TEXT PRIMARY KEY,
  ts TIMESTAMPTZ NOT NULL DEFAULT now(),
  tenant_id TEXT NOT NULL DEFAULT '',
  org_id TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL DEFAULT '',
  action TEXT NOT NULL,
  target_type TEXT NOT NULL DEFAULT '',
  target_id TEXT NOT NULL DEFAULT '',
  outcome TEXT NOT NULL,
  detail JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_audit_log_tenant ON audit_log(tenant_id, ts DESC);

CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
  user_id TEXT NOT NULL DEFAULT '',
  since_seq BIGINT NOT NULL DEFAULT 0,
  connected_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  disconnected_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sessions_run_id ON sessions(run_id);
`

// Store is the pgx-backed Store implementation.
type Store struct {
	pool  *pgxpool.Pool
	chain *hashchain.Chain
	log   *zap.Logger
}

// New opens a pool against dsn and applies initSQL, an idempotent
// CREATE TABLE IF NOT EXISTS bootstrap rather than a separate migration
// tool.
func New(ctx context.Context, dsn string, maxConns, minConns int32, chain *hashchain.Chain, log *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, initSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqlstore: init schema: %w", err)
	}
	return &Store{pool: pool, chain: chain, log: log.Named("sqlstore")}, nil
}

func (s *Store) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

var _ store.Store = (*Store)(nil)
