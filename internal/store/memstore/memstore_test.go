package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
	"github.com/wmag-systems/wmag-kernel/internal/hashchain"
	"github.com/wmag-systems/wmag-kernel/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ring, err := hashchain.NewKeyRing([]domain.AuditKey{{KID: "k0", Secret: []byte("s"), Active: true}})
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	return New(hashchain.New(ring))
}

func createRun(t *testing.T, s *Store, runID, tenantID string) {
	t.Helper()
	if _, err := s.CreateRun(context.Background(), &domain.Run{RunID: runID, TenantID: tenantID}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
}

func statusEvent(state domain.RunState) domain.EventPayload {
	return domain.EventPayload{Kind: domain.EventStatusUpdate, Status: &domain.StatusPayload{State: state}}
}

func TestAppendEvent_SeqDensityNoGaps(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "r1", "t1")

	for i := 0; i < 5; i++ {
		if _, err := s.AppendEvent(context.Background(), "r1", statusEvent(domain.RunWorking)); err != nil {
			t.Fatalf("AppendEvent #%d: %v", i, err)
		}
	}

	events, err := s.GetEvents(context.Background(), "r1", 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("expected seq %d at index %d, got %d", i+1, i, ev.Seq)
		}
	}
}

func TestAppendEvent_UnknownRunConflicts(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AppendEvent(context.Background(), "missing", statusEvent(domain.RunWorking)); err != store.ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestVerifyChain_OKThenBrokenAfterTamper(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "r1", "t1")
	for i := 0; i < 3; i++ {
		if _, err := s.AppendEvent(context.Background(), "r1", statusEvent(domain.RunWorking)); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	res, err := s.VerifyChain(context.Background(), "r1")
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected an untampered chain to verify ok, broken at %d", res.BrokenAt)
	}

	// Tamper with the second event's canonical bytes directly.
	s.mu.Lock()
	s.runs["r1"].events[1].Canonical = []byte(`{"tampered":true}`)
	s.mu.Unlock()

	res2, err := s.VerifyChain(context.Background(), "r1")
	if err != nil {
		t.Fatalf("VerifyChain after tamper: %v", err)
	}
	if res2.OK {
		t.Fatalf("expected tampered chain to fail verification")
	}
	if res2.BrokenAt != 2 {
		t.Fatalf("expected divergence reported at seq 2, got %d", res2.BrokenAt)
	}
}

func TestConsumeBudget_RejectsWithoutMutatingOnExceed(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "r1", "t1")

	limit := int64(2)
	limits := domain.Limits{ToolCalls: &limit}

	if err := s.ConsumeBudget(context.Background(), "r1", "t1", map[string]int64{"tool_calls": 2}, limits); err != nil {
		t.Fatalf("first ConsumeBudget: %v", err)
	}
	if err := s.ConsumeBudget(context.Background(), "r1", "t1", map[string]int64{"tool_calls": 1}, limits); err != store.ErrBudgetExceeded {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}

	used, err := s.GetBudgetUsed(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetBudgetUsed: %v", err)
	}
	if used["tool_calls"] != 2 {
		t.Fatalf("expected budget to remain at 2 after a rejected debit, got %d", used["tool_calls"])
	}
}

func TestClaimJob_RespectsTenantConcurrencyCap(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "r1", "tenant-a")
	createRun(t, s, "r2", "tenant-a")

	job1, ok, err := s.ClaimJob(context.Background(), "w1", 30, 1)
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed, err=%v ok=%v", err, ok)
	}

	_, ok2, err := s.ClaimJob(context.Background(), "w2", 30, 1)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if ok2 {
		t.Fatalf("expected second claim to be blocked by tenant_max_concurrency=1")
	}

	if err := s.CompleteJob(context.Background(), job1.JobID, true); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	_, ok3, err := s.ClaimJob(context.Background(), "w2", 30, 1)
	if err != nil || !ok3 {
		t.Fatalf("expected claim to succeed after releasing the slot, err=%v ok=%v", err, ok3)
	}
}

func TestReleaseExpiredLeases_RequeuesCrashedWorkerJobs(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "r1", "t1")

	job, ok, err := s.ClaimJob(context.Background(), "w1", 0, 5)
	if err != nil || !ok {
		t.Fatalf("ClaimJob: err=%v ok=%v", err, ok)
	}
	time.Sleep(5 * time.Millisecond)

	released, err := s.ReleaseExpiredLeases(context.Background())
	if err != nil {
		t.Fatalf("ReleaseExpiredLeases: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected 1 released lease, got %d", released)
	}

	job2, ok, err := s.ClaimJob(context.Background(), "w2", 30, 5)
	if err != nil || !ok {
		t.Fatalf("expected the requeued job to be reclaimable, err=%v ok=%v", err, ok)
	}
	if job2.JobID != job.JobID {
		t.Fatalf("expected to reclaim the same job, got %s vs %s", job2.JobID, job.JobID)
	}
}

func TestApproval_ExactlyOnceDecision(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "r1", "t1")

	approval := &domain.Approval{ApprovalID: "a1", RunID: "r1", State: domain.ApprovalPending}
	if err := s.CreateApproval(context.Background(), approval); err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}

	if err := s.CreateApproval(context.Background(), &domain.Approval{ApprovalID: "a2", RunID: "r1", State: domain.ApprovalPending}); err == nil {
		t.Fatalf("expected a second pending approval on the same run to be rejected")
	}

	if err := s.DecideApproval(context.Background(), "a1", domain.ApprovalApproved, "alice", "looks fine"); err != nil {
		t.Fatalf("DecideApproval: %v", err)
	}
	if err := s.DecideApproval(context.Background(), "a1", domain.ApprovalDenied, "bob", "changed my mind"); err != store.ErrAlreadyDecided {
		t.Fatalf("expected ErrAlreadyDecided on a second decision, got %v", err)
	}
}

func TestStepCache_PutThenGetHits(t *testing.T) {
	s := newTestStore(t)
	if _, found, err := s.StepCacheGet(context.Background(), "k1"); err != nil || found {
		t.Fatalf("expected a miss before any put, found=%v err=%v", found, err)
	}
	if err := s.StepCachePut(context.Background(), "k1", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("StepCachePut: %v", err)
	}
	out, found, err := s.StepCacheGet(context.Background(), "k1")
	if err != nil || !found {
		t.Fatalf("expected a hit after put, found=%v err=%v", found, err)
	}
	if string(out) != `{"ok":true}` {
		t.Fatalf("unexpected cached output %q", out)
	}
}

func TestListRuns_FiltersByStateAndTag(t *testing.T) {
	s := newTestStore(t)
	createRun(t, s, "r1", "t1")
	createRun(t, s, "r2", "t1")
	if err := s.UpdateRunState(context.Background(), "r1", domain.RunCompleted); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}
	if err := s.UpdateRunMeta(context.Background(), "r2", nil, []string{"urgent"}); err != nil {
		t.Fatalf("UpdateRunMeta: %v", err)
	}

	completed, err := s.ListRuns(context.Background(), store.RunFilter{State: domain.RunCompleted})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(completed) != 1 || completed[0].RunID != "r1" {
		t.Fatalf("expected only r1 to match state filter, got %+v", completed)
	}

	tagged, err := s.ListRuns(context.Background(), store.RunFilter{Tag: "urgent"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(tagged) != 1 || tagged[0].RunID != "r2" {
		t.Fatalf("expected only r2 to match tag filter, got %+v", tagged)
	}
}
