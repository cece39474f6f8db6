// Package memstore is the in-process map-backed Store implementation used
// for tests and local development.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/hashchain"
	"github.com/wmag-systems/wmag-kernel/internal/store"
)

type runEntry struct {
	run    *domain.Run
	events []domain.Event
}

// Store is a single process's view of all kernel state, guarded by one
// mutex. It never shards by run because it is meant for tests and small
// deployments, not throughput.
type Store struct {
	mu sync.Mutex

	chain *hashchain.Chain

	runs       map[string]*runEntry
	jobs       map[string]*domain.Job
	queue      []string // job ids in FIFO order
	stepCache  map[string][]byte
	approvals  map[string]*domain.Approval
	rateWindow map[string]int64
	auditKeys  []domain.AuditKey
	snapshots  map[string]*domain.Run
	auditLog   []domain.AuditEntry
	sessions   map[string]*domain.Session

	claimedPerTenant map[string]int
}

func New(chain *hashchain.Chain) *Store {
	return &Store{
		chain:            chain,
		runs:             make(map[string]*runEntry),
		jobs:             make(map[string]*domain.Job),
		stepCache:        make(map[string][]byte),
		approvals:        make(map[string]*domain.Approval),
		rateWindow:       make(map[string]int64),
		claimedPerTenant: make(map[string]int),
		sessions:         make(map[string]*domain.Session),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateRun(ctx context.Context, run *domain.Run) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.BudgetUsed == nil {
		run.BudgetUsed = map[string]int64{}
	}
	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	s.runs[run.RunID] = &runEntry{run: run}

	job := &domain.Job{
		JobID:    uuid.NewString(),
		RunID:    run.RunID,
		TenantID: run.TenantID,
		State:    domain.JobQueued,
	}
	s.jobs[job.JobID] = job
	s.queue = append(s.queue, job.JobID)
	return job, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e.run
	return &cp, nil
}

func (s *Store) UpdateRunState(ctx context.Context, runID string, state domain.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	e.run.State = state
	e.run.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpdateRunMeta(ctx context.Context, runID string, title *string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if title != nil {
		e.run.Title = *title
	}
	if tags != nil {
		e.run.Tags = tags
	}
	e.run.UpdatedAt = time.Now()
	return nil
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Run
	for _, e := range s.runs {
		r := e.run
		if filter.State != "" && r.State != filter.State {
			continue
		}
		if filter.Tag != "" && !containsStr(r.Tags, filter.Tag) {
			continue
		}
		if filter.Query != "" && !strings.Contains(strings.ToLower(r.Title), strings.ToLower(filter.Query)) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	offset := filter.Offset
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsStr(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func (s *Store) AppendEvent(ctx context.Context, runID string, payload domain.EventPayload) (*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrConflict
	}

	canonical, err := hashchain.Canonicalize(payload)
	if err != nil {
		return nil, fmt.Errorf("memstore: canonicalize: %w", err)
	}

	var prevHash string
	if n := len(e.events); n > 0 {
		prevHash = e.events[n-1].Hash
	}
	hash, kid, err := s.chain.Sign(prevHash, canonical)
	if err != nil {
		return nil, fmt.Errorf("memstore: sign: %w", err)
	}

	seq := e.run.LastSeq + 1
	ev := domain.Event{
		RunID:     runID,
		Seq:       seq,
		Canonical: canonical,
		PrevHash:  prevHash,
		Hash:      hash,
		KeyID:     kid,
		TS:        time.Now(),
		Payload:   payload,
	}
	e.events = append(e.events, ev)
	e.run.LastSeq = seq
	e.run.UpdatedAt = ev.TS

	cp := ev
	return &cp, nil
}

func (s *Store) GetEvents(ctx context.Context, runID string, sinceSeq int64) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	var out []domain.Event
	for _, ev := range e.events {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) VerifyChain(ctx context.Context, runID string) (store.ChainVerifyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok {
		return store.ChainVerifyResult{}, store.ErrNotFound
	}

	var prevHash string
	for _, ev := range e.events {
		ok, err := s.chain.Verify(prevHash, ev.Canonical, ev.Hash, ev.KeyID)
		if err != nil {
			return store.ChainVerifyResult{}, err
		}
		if !ok || ev.PrevHash != prevHash {
			return store.ChainVerifyResult{OK: false, BrokenAt: ev.Seq}, nil
		}
		prevHash = ev.Hash
	}
	return store.ChainVerifyResult{OK: true}, nil
}

func (s *Store) StepCacheGet(ctx context.Context, idemKey string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.stepCache[idemKey]
	return out, ok, nil
}

func (s *Store) StepCachePut(ctx context.Context, idemKey string, output []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepCache[idemKey] = output
	return nil
}

func (s *Store) ConsumeBudget(ctx context.Context, runID string, tenantID string, deltas map[string]int64, limits domain.Limits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}

	projected := make(map[string]int64, len(e.run.BudgetUsed))
	for k, v := range e.run.BudgetUsed {
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

	e.run.BudgetUsed = projected
	return nil
}

func (s *Store) GetBudgetUsed(ctx context.Context, runID string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make(map[string]int64, len(e.run.BudgetUsed))
	for k, v := range e.run.BudgetUsed {
		out[k] = v
	}
	return out, nil
}

func (s *Store) ClaimJob(ctx context.Context, workerID string, leaseS int, tenantMaxConcurrency int) (*domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for i, jobID := range s.queue {
		job, ok := s.jobs[jobID]
		if !ok || job.State != domain.JobQueued {
			continue
		}
		if s.claimedPerTenant[job.TenantID] >= tenantMaxConcurrency {
			continue
		}
		job.State = domain.JobClaimed
		job.ClaimUntil = now.Add(time.Duration(leaseS) * time.Second)
		job.Attempts++
		s.claimedPerTenant[job.TenantID]++
		s.queue = append(s.queue[:i], s.queue[i+1:]...)

		cp := *job
		return &cp, true, nil
	}
	return nil, false, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if job.State == domain.JobClaimed {
		s.claimedPerTenant[job.TenantID]--
	}
	if success {
		job.State = domain.JobDone
	} else {
		job.State = domain.JobFailed
	}
	return nil
}

func (s *Store) ReleaseExpiredLeases(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	released := 0
	for _, job := range s.jobs {
		if job.State == domain.JobClaimed && now.After(job.ClaimUntil) {
			job.State = domain.JobQueued
			s.claimedPerTenant[job.TenantID]--
			s.queue = append(s.queue, job.JobID)
			released++
		}
	}
	return released, nil
}

func (s *Store) Snapshot(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if s.snapshots == nil {
		s.snapshots = make(map[string]*domain.Run)
	}
	cp := *e.run
	s.snapshots[runID] = &cp
	return nil
}

func (s *Store) CreateApproval(ctx context.Context, approval *domain.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.approvals {
		if a.RunID == approval.RunID && a.State == domain.ApprovalPending {
			return fmt.Errorf("memstore: run %s already has a pending approval", approval.RunID)
		}
	}
	approval.CreatedAt = time.Now()
	s.approvals[approval.ApprovalID] = approval
	return nil
}

func (s *Store) GetApproval(ctx context.Context, approvalID string) (*domain.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetPendingApproval(ctx context.Context, runID string) (*domain.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.approvals {
		if a.RunID == runID && a.State == domain.ApprovalPending {
			cp := *a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) DecideApproval(ctx context.Context, approvalID string, decision domain.ApprovalState, by, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return store.ErrNotFound
	}
	if a.State != domain.ApprovalPending {
		return store.ErrAlreadyDecided
	}
	now := time.Now()
	a.State = decision
	a.DecidedAt = &now
	a.By = by
	a.Reason = reason
	return nil
}

func (s *Store) RateLimitIncrement(ctx context.Context, scope, scopeID string, windowStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s:%s:%d", scope, scopeID, windowStart.Unix())
	s.rateWindow[key]++
	return s.rateWindow[key], nil
}

func (s *Store) LoadAuditKeys(ctx context.Context) ([]domain.AuditKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditKey, len(s.auditKeys))
	copy(out, s.auditKeys)
	return out, nil
}

func (s *Store) SaveAuditKey(ctx context.Context, key domain.AuditKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range s.auditKeys {
		if k.KID == key.KID {
			s.auditKeys[i] = key
			return nil
		}
	}
	s.auditKeys = append(s.auditKeys, key)
	return nil
}

func (s *Store) AppendAuditLog(ctx context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLog = append(s.auditLog, entry)
	return nil
}

func (s *Store) RecordSession(ctx context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := session
	s.sessions[session.SessionID] = &cp
	return nil
}

func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	sess.DisconnectedAt = &now
	return nil
}

func (s *Store) Close(ctx context.Context) error { return nil }
