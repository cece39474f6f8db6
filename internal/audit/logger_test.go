package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
)

type recordingStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (s *recordingStore) AppendAuditLog(ctx context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func TestLogger_FlushesOnStop(t *testing.T) {
	st := &recordingStore{}
	l := New(st, zap.NewNop())
	l.Start()

	l.Log(domain.AuditEntry{Action: "registry.write", Outcome: "ok"})
	l.Log(domain.AuditEntry{Action: "approval.decide", Outcome: "approved"})
	l.Stop()

	if st.count() != 2 {
		t.Fatalf("expected both entries flushed by Stop, got %d", st.count())
	}
}

func TestLogger_AssignsEntryIDAndTimestampWhenMissing(t *testing.T) {
	st := &recordingStore{}
	l := New(st, zap.NewNop())
	l.Start()
	l.Log(domain.AuditEntry{Action: "mission.submit"})
	l.Stop()

	if len(st.entries) != 1 {
		t.Fatalf("expected exactly 1 entry, got %d", len(st.entries))
	}
	e := st.entries[0]
	if e.EntryID == "" {
		t.Fatalf("expected a generated entry_id")
	}
	if e.TS.IsZero() {
		t.Fatalf("expected a generated timestamp")
	}
}

func TestLogger_FlushesOnTimerWithoutStop(t *testing.T) {
	st := &recordingStore{}
	l := New(st, zap.NewNop())
	l.Start()
	defer l.Stop()

	l.Log(domain.AuditEntry{Action: "registry.write", Outcome: "ok"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.count() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the periodic flush to persist the entry without an explicit Stop")
}

func TestLogger_LogAfterStopIsDroppedNotBlocked(t *testing.T) {
	st := &recordingStore{}
	l := New(st, zap.NewNop())
	l.Start()
	l.Stop()

	done := make(chan struct{})
	go func() {
		l.Log(domain.AuditEntry{Action: "late"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Log blocked after Stop instead of dropping the entry")
	}
	if st.count() != 0 {
		t.Fatalf("expected a post-Stop entry to be dropped, not persisted")
	}
}

func TestLogger_BatchFlushesWhenSizeThresholdReached(t *testing.T) {
	st := &recordingStore{}
	l := New(st, zap.NewNop())
	l.Start()
	defer l.Stop()

	for i := 0; i < batchSize+5; i++ {
		l.Log(domain.AuditEntry{Action: "bulk"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.count() >= batchSize {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected a full batch to flush without waiting for the timer, got %d entries", st.count())
}
