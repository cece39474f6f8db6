package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/hashchain"
	"github.com/wmag-systems/wmag-kernel/internal/store"
)

// AppendEvent serializes the new event under a row lock on the run so seq
// allocation and hash-chaining against the prior event stay atomic across
// concurrent appenders.
func (s *Store) AppendEvent(ctx context.Context, runID string, payload domain.EventPayload) (*domain.Event, error) {
	canonical, err := hashchain.Canonicalize(payload)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: canonicalize: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var lastSeq int64
	err = tx.QueryRow(ctx, `SELECT last_seq FROM runs WHERE run_id = $1 FOR UPDATE`, runID).Scan(&lastSeq)
	if err != nil {
		return nil, store.ErrConflict
	}

	var prevHash string
	err = tx.QueryRow(ctx, `SELECT hash FROM run_events WHERE run_id = $1 ORDER BY seq DESC LIMIT 1`, runID).Scan(&prevHash)
	if err != nil && lastSeq != 0 {
		return nil, fmt.Errorf("sqlstore: load prev hash: %w", err)
	}

	hash, kid, err := s.chain.Sign(prevHash, canonical)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: sign: %w", err)
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: marshal payload: %w", err)
	}

	seq := lastSeq + 1
	var ts = nowFunc()
	_, err = tx.Exec(ctx, `
		INSERT INTO run_events (run_id, seq, ts, canonical, prev_hash, hash, key_id, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		runID, seq, ts, canonical, prevHash, hash, kid, payloadBytes)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: insert event: %w", err)
	}
	_, err = tx.Exec(ctx, `UPDATE runs SET last_seq = $1, updated_at = $2 WHERE run_id = $3`, seq, ts, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: bump last_seq: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore: commit: %w", err)
	}

	return &domain.Event{
		RunID:     runID,
		Seq:       seq,
		Canonical: canonical,
		PrevHash:  prevHash,
		Hash:      hash,
		KeyID:     kid,
		TS:        ts,
		Payload:   payload,
	}, nil
}

func (s *Store) GetEvents(ctx context.Context, runID string, sinceSeq int64) ([]domain.Event, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT true FROM runs WHERE run_id = $1`, runID).Scan(&exists); err != nil {
		return nil, store.ErrNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT run_id, seq, ts, canonical, prev_hash, hash, key_id, payload
		FROM run_events WHERE run_id = $1 AND seq > $2 ORDER BY seq ASC`, runID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row interface {
	Scan(dest ...interface{}) error
}) (domain.Event, error) {
	var ev domain.Event
	var payloadBytes []byte
	if err := row.Scan(&ev.RunID, &ev.Seq, &ev.TS, &ev.Canonical, &ev.PrevHash, &ev.Hash, &ev.KeyID, &payloadBytes); err != nil {
		return domain.Event{}, fmt.Errorf("sqlstore: scan event: %w", err)
	}
	if err := json.Unmarshal(payloadBytes, &ev.Payload); err != nil {
		return domain.Event{}, fmt.Errorf("sqlstore: unmarshal event payload: %w", err)
	}
	return ev, nil
}

// VerifyChain recomputes the HMAC chain in seq order, walking stored rows
// rather than trusting a cached verdict.
func (s *Store) VerifyChain(ctx context.Context, runID string) (store.ChainVerifyResult, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT true FROM runs WHERE run_id = $1`, runID).Scan(&exists); err != nil {
		return store.ChainVerifyResult{}, store.ErrNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT run_id, seq, ts, canonical, prev_hash, hash, key_id, payload
		FROM run_events WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return store.ChainVerifyResult{}, fmt.Errorf("sqlstore: query events: %w", err)
	}
	defer rows.Close()

	var prevHash string
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return store.ChainVerifyResult{}, err
		}
		ok, err := s.chain.Verify(prevHash, ev.Canonical, ev.Hash, ev.KeyID)
		if err != nil {
			return store.ChainVerifyResult{}, err
		}
		if !ok || ev.PrevHash != prevHash {
			return store.ChainVerifyResult{OK: false, BrokenAt: ev.Seq}, nil
		}
		prevHash = ev.Hash
	}
	if err := rows.Err(); err != nil {
		return store.ChainVerifyResult{}, err
	}
	return store.ChainVerifyResult{OK: true}, nil
}
