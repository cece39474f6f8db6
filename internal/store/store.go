// Package store defines the abstract persistence contract that both the
// in-process ephemeral backend (internal/store/memstore) and the
// relational backend (internal/store/sqlstore) implement. All run mutation
// in the kernel goes through this interface; it is the only shared mutable
// state besides the Registry snapshot and the HashChain key ring.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
)

// Sentinel errors returned by Store implementations. Callers match them
// with errors.Is; they are not wrapped into kernelerr classes.
var (
	ErrConflict       = errors.New("store: conflict")
	ErrNotFound       = errors.New("store: not found")
	ErrBudgetExceeded = errors.New("store: budget exceeded")
	ErrAlreadyDecided = errors.New("store: approval already decided")
)

// RunFilter narrows ListRuns by the run-listing query params.
type RunFilter struct {
	Query  string
	State  domain.RunState
	Tag    string
	Limit  int
	Offset int
}

// ChainVerifyResult is VerifyChain's outcome for GET /runs/{id}/verify.
type ChainVerifyResult struct {
	OK       bool  `json:"ok"`
	BrokenAt int64 `json:"broken_at,omitempty"` // first seq where recomputation diverges; 0 if OK
}

// Store is the kernel's abstract persistence contract.
type Store interface {
	// CreateRun persists a newly submitted run and enqueues its job.
	CreateRun(ctx context.Context, run *domain.Run) (*domain.Job, error)
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	UpdateRunState(ctx context.Context, runID string, state domain.RunState) error
	UpdateRunMeta(ctx context.Context, runID string, title *string, tags []string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*domain.Run, error)

	// AppendEvent atomically allocates seq = last_seq+1, computes the hash
	// chain via the injected HashChain, persists, and updates the run's
	// last_seq. Returns ErrConflict if the run no longer exists or a
	// concurrent append raced (the backend enforces per-run serialization).
	AppendEvent(ctx context.Context, runID string, payload domain.EventPayload) (*domain.Event, error)
	// GetEvents returns events for runID with seq > sinceSeq in ascending
	// order. Implementations may stream internally but this method
	// materializes the finite result for the caller.
	GetEvents(ctx context.Context, runID string, sinceSeq int64) ([]domain.Event, error)
	VerifyChain(ctx context.Context, runID string) (ChainVerifyResult, error)

	StepCacheGet(ctx context.Context, idemKey string) (output []byte, found bool, err error)
	StepCachePut(ctx context.Context, idemKey string, output []byte) error

	// ConsumeBudget atomically checks and increments the run's budget
	// counters against the tenant's limits. Returns ErrBudgetExceeded
	// without mutating any counter if any metric would exceed its limit.
	ConsumeBudget(ctx context.Context, runID string, tenantID string, deltas map[string]int64, limits domain.Limits) error
	GetBudgetUsed(ctx context.Context, runID string) (map[string]int64, error)

	// ClaimJob selects one queued job not already claimed, under the
	// tenant's concurrency constraint, and leases it for leaseS seconds.
	// Returns found=false when no claimable job exists.
	ClaimJob(ctx context.Context, workerID string, leaseS int, tenantMaxConcurrency int) (job *domain.Job, found bool, err error)
	CompleteJob(ctx context.Context, jobID string, success bool) error
	// ReleaseExpiredLeases re-queues jobs whose lease has expired, for crash
	// recovery.
	ReleaseExpiredLeases(ctx context.Context) (int, error)

	Snapshot(ctx context.Context, runID string) error

	CreateApproval(ctx context.Context, approval *domain.Approval) error
	GetApproval(ctx context.Context, approvalID string) (*domain.Approval, error)
	GetPendingApproval(ctx context.Context, runID string) (*domain.Approval, error)
	// DecideApproval performs the exactly-once pending->decided transition.
	// Returns ErrAlreadyDecided if the approval was not pending.
	DecideApproval(ctx context.Context, approvalID string, decision domain.ApprovalState, by, reason string) error

	// RateLimitIncrement increments the fixed-window counter for
	// (scope, scopeID, windowStart) and returns the post-increment count.
	RateLimitIncrement(ctx context.Context, scope, scopeID string, windowStart time.Time) (int64, error)

	LoadAuditKeys(ctx context.Context) ([]domain.AuditKey, error)
	SaveAuditKey(ctx context.Context, key domain.AuditKey) error

	// AppendAuditLog persists one administrative-plane record. Unlike
	// AppendEvent it is not hash-chained and has no per-run ordering
	// guarantee: it is an operator-facing trail, not a replay source.
	AppendAuditLog(ctx context.Context, entry domain.AuditEntry) error

	// RecordSession and CloseSession track SSE subscription lifecycle in
	// the audit_log's neighboring sessions table; neither affects
	// Streamer's live fan-out, which owns delivery itself.
	RecordSession(ctx context.Context, session domain.Session) error
	CloseSession(ctx context.Context, sessionID string) error

	Close(ctx context.Context) error
}
