// Package audit is the kernel's administrative-plane trail: registry
// writes, approval decisions, and rejected mission submissions, persisted
// to the store's audit_log table independently of a run's hash-chained
// event log. Logging is non-blocking on the caller's hot path (a buffered
// channel and a background worker absorb the store write), with load
// shedding instead of blocking if the buffer is ever full.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
)

// Store is the narrow persistence dependency this package needs, satisfied
// by store.Store.
type Store interface {
	AppendAuditLog(ctx context.Context, entry domain.AuditEntry) error
}

// Logger buffers AuditEntry writes and flushes them to Store on a timer or
// once a batch fills, so a burst of registry writes or denied submissions
// never blocks the request goroutine on a database round trip.
type Logger struct {
	ch     chan domain.AuditEntry
	store  Store
	logger *zap.Logger
	wg     sync.WaitGroup

	closed int32
}

const (
	bufferSize   = 4096
	batchSize    = 100
	flushEvery   = 500 * time.Millisecond
	drainSleep   = 10 * time.Millisecond
)

func New(store Store, logger *zap.Logger) *Logger {
	return &Logger{
		ch:     make(chan domain.AuditEntry, bufferSize),
		store:  store,
		logger: logger.Named("audit"),
	}
}

// Start launches the background flush worker. Call once, before any Log.
func (l *Logger) Start() {
	l.wg.Add(1)
	go l.worker()
}

// Stop closes the input channel and blocks until the worker has flushed
// everything still buffered.
func (l *Logger) Stop() {
	atomic.StoreInt32(&l.closed, 1)
	time.Sleep(drainSleep)
	close(l.ch)
	l.wg.Wait()
}

// Log records one entry. It never blocks: a full buffer sheds the entry to
// the structured logger instead of stalling the caller.
func (l *Logger) Log(entry domain.AuditEntry) {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	if entry.TS.IsZero() {
		entry.TS = time.Now()
	}
	if atomic.LoadInt32(&l.closed) == 1 {
		l.logger.Warn("audit entry dropped: logger is stopping", zap.String("entry_id", entry.EntryID))
		return
	}
	select {
	case l.ch <- entry:
	default:
		l.logger.Error("audit_buffer_overflow",
			zap.String("action", entry.Action),
			zap.String("tenant_id", entry.TenantID),
			zap.String("target_id", entry.TargetID),
		)
	}
}

func (l *Logger) worker() {
	defer l.wg.Done()

	batch := make([]domain.AuditEntry, 0, batchSize)
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, entry := range batch {
			if err := l.store.AppendAuditLog(context.Background(), entry); err != nil {
				l.logger.Error("audit flush failed", zap.Error(err), zap.String("entry_id", entry.EntryID))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-l.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
