// Package worker runs the pool : each worker loops claiming a job
// under the tenant's concurrency cap, driving the Pipeline to a terminal
// state, and releasing its lease, plus a lease-sweeper that requeues jobs
// whose worker crashed.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wmag-systems/wmag-kernel/internal/pipeline"
	"github.com/wmag-systems/wmag-kernel/internal/store"
)

// Config carries the pool's tunables; zero values fall back to sane
// defaults.
type Config struct {
	PoolSize             int
	TenantMaxConcurrency int
	LeaseSeconds         int
	PollInterval         time.Duration
	LeaseSweepInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.TenantMaxConcurrency <= 0 {
		c.TenantMaxConcurrency = 2
	}
	if c.LeaseSeconds <= 0 {
		c.LeaseSeconds = 60
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LeaseSweepInterval <= 0 {
		c.LeaseSweepInterval = 10 * time.Second
	}
	return c
}

// Pool is a fixed-size set of workers plus one lease sweeper, all sharing
// one Store and Pipeline. Start returns at once; each goroutine exits after
// ctx is canceled, and nothing waits for in-flight Advance calls.
type Pool struct {
	store store.Store
	pipe  *pipeline.Pipeline
	cfg   Config
	log   *zap.Logger
}

func New(st store.Store, pipe *pipeline.Pipeline, cfg Config, log *zap.Logger) *Pool {
	return &Pool{store: st, pipe: pipe, cfg: cfg.withDefaults(), log: log.Named("worker")}
}

// Start launches the pool's goroutines and returns immediately: one
// goroutine per worker slot, each owning its own shutdown via ctx
// cancellation, plus a single lease-sweeper.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.PoolSize; i++ {
		workerID := uuid.NewString()
		go p.loop(ctx, workerID)
	}
	go p.sweepLeases(ctx)
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	log := p.log.With(zap.String("worker_id", workerID))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.claimAndAdvance(ctx, workerID, log)
		}
	}
}

func (p *Pool) claimAndAdvance(ctx context.Context, workerID string, log *zap.Logger) {
	job, ok, err := p.store.ClaimJob(ctx, workerID, p.cfg.LeaseSeconds, p.cfg.TenantMaxConcurrency)
	if err != nil {
		log.Error("claim job failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	log = log.With(zap.String("run_id", job.RunID), zap.String("job_id", job.JobID))
	log.Info("claimed job")

	err = p.pipe.Advance(ctx, job.RunID)
	if err != nil {
		log.Error("advance failed", zap.Error(err))
		if cerr := p.store.CompleteJob(ctx, job.JobID, false); cerr != nil {
			log.Error("complete job (failure) failed", zap.Error(cerr))
		}
		return
	}
	if cerr := p.store.CompleteJob(ctx, job.JobID, true); cerr != nil {
		log.Error("complete job (success) failed", zap.Error(cerr))
	}
}

// sweepLeases periodically requeues jobs whose claiming worker crashed
// without releasing its lease, so a crashed worker's lease expires and the
// job becomes reclaimable.
func (p *Pool) sweepLeases(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.LeaseSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.ReleaseExpiredLeases(ctx)
			if err != nil {
				p.log.Error("release expired leases failed", zap.Error(err))
				continue
			}
			if n > 0 {
				p.log.Info("released expired leases", zap.Int("count", n))
			}
		}
	}
}
