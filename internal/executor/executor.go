// Package executor implements the admission and concurrency boundary
// between the durable queue and the per-job runner: a bounded pool of
// worker goroutines that claim jobs, enforce a global concurrency cap and
// a per-provider cap, and run each claimed job to completion.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nimbuschain/fetch/internal/domain"
	"github.com/nimbuschain/fetch/internal/platform/logger"
	"github.com/nimbuschain/fetch/internal/provider"
	"github.com/nimbuschain/fetch/internal/store"
)

// Runner is the subset of runner.Runner the executor depends on, kept
// narrow so executor tests can supply a stub.
type Runner interface {
	Run(ctx context.Context, job *domain.Job, workerID string) error
}

// Config bounds the executor's admission policy and poll cadence.
type Config struct {
	WorkerConcurrency int
	MaxJobs           int
	ProviderLimits    map[string]int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	RequeueInterval   time.Duration
	WorkerIDPrefix    string
}

func (c Config) withDefaults() Config {
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 4
	}
	if c.MaxJobs <= 0 {
		c.MaxJobs = c.WorkerConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.RequeueInterval <= 0 {
		c.RequeueInterval = time.Minute
	}
	if c.WorkerIDPrefix == "" {
		c.WorkerIDPrefix = "worker"
	}
	return c
}

// Executor admits queued jobs under a two-level concurrency policy: a
// global semaphore of size MaxJobs, and a per-provider semaphore of size
// ProviderLimits[name] (providers absent from the map are unbounded at
// the provider level, constrained only by the global cap).
type Executor struct {
	cfg       Config
	store     store.JobStore
	providers *provider.Registry
	runner    Runner
	log       *logger.Logger

	global        *semaphore.Weighted
	providerSlots map[string]*semaphore.Weighted

	wg sync.WaitGroup
}

func New(st store.JobStore, providers *provider.Registry, runner Runner, log *logger.Logger, cfg Config) *Executor {
	cfg = cfg.withDefaults()
	providerSlots := make(map[string]*semaphore.Weighted, len(cfg.ProviderLimits))
	for name, limit := range cfg.ProviderLimits {
		if limit > 0 {
			providerSlots[name] = semaphore.NewWeighted(int64(limit))
		}
	}
	return &Executor{
		cfg:           cfg,
		store:         st,
		providers:     providers,
		runner:        runner,
		log:           log,
		global:        semaphore.NewWeighted(int64(cfg.MaxJobs)),
		providerSlots: providerSlots,
	}
}

// Start runs an unconditional startup requeue sweep — reclaiming any
// job left running or cancel_requested by a worker that died before
// this process started — then launches WorkerConcurrency claim loops
// plus a periodic stale-job requeue loop. It returns immediately;
// callers stop the executor by cancelling ctx and calling Wait.
func (e *Executor) Start(ctx context.Context) {
	e.requeueStale(ctx, time.Now())

	for i := 0; i < e.cfg.WorkerConcurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", e.cfg.WorkerIDPrefix, i)
		e.wg.Add(1)
		go e.claimLoop(ctx, workerID)
	}
	e.wg.Add(1)
	go e.requeueLoop(ctx)
}

// Wait blocks until every spawned goroutine has returned.
func (e *Executor) Wait() { e.wg.Wait() }

func (e *Executor) claimLoop(ctx context.Context, workerID string) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	log := e.log.With("worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tryClaimAndRun(ctx, workerID, log)
		}
	}
}

// tryClaimAndRun attempts one admission cycle: acquire a global slot,
// claim a job, acquire that job's provider slot, and — only once both
// are held — hand the job to a dedicated run goroutine. A job that loses
// the provider-slot race is released back to the queue rather than left
// running unbounded against its provider.
func (e *Executor) tryClaimAndRun(ctx context.Context, workerID string, log *logger.Logger) {
	if !e.global.TryAcquire(1) {
		return
	}
	releaseGlobal := true
	defer func() {
		if releaseGlobal {
			e.global.Release(1)
		}
	}()

	job, err := e.store.ClaimNext(ctx, workerID, e.providers.Names())
	if err != nil {
		log.Error("claim_next failed", "error", err)
		return
	}
	if job == nil {
		return
	}

	slot := e.providerSlots[job.Provider]
	if slot != nil && !slot.TryAcquire(1) {
		if err := e.store.ReleaseBackToQueue(ctx, job.ID, workerID); err != nil {
			log.Error("release_back_to_queue failed", "job_id", job.ID.String(), "error", err)
		}
		return
	}

	releaseGlobal = false
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.global.Release(1)
		if slot != nil {
			defer slot.Release(1)
		}
		e.runOne(ctx, job, workerID, log)
	}()
}

func (e *Executor) runOne(ctx context.Context, job *domain.Job, workerID string, log *logger.Logger) {
	stop := e.startHeartbeat(ctx, job.ID, workerID, log)
	defer stop()

	if err := e.runner.Run(ctx, job, workerID); err != nil {
		log.Warn("job run ended with error", "job_id", job.ID.String(), "error", err)
	}
}

// startHeartbeat renews a job's lease on a fixed interval until the
// returned stop function is called; a job whose heartbeat stops arriving
// is eventually reclaimed by requeueLoop.
func (e *Executor) startHeartbeat(ctx context.Context, jobID uuid.UUID, workerID string, log *logger.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := e.store.Heartbeat(ctx, jobID, workerID)
				if err != nil {
					log.Warn("heartbeat failed", "job_id", jobID.String(), "error", err)
					continue
				}
				if !ok {
					log.Warn("heartbeat rejected, job no longer owned by this worker", "job_id", jobID.String())
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (e *Executor) requeueLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.RequeueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.requeueStale(ctx, time.Now().Add(-e.cfg.StaleAfter))
		}
	}
}

// requeueStale reclaims every running/cancel_requested job whose
// last_heartbeat_at is older than staleBefore. Called with time.Now()
// at startup (unconditional reclaim of a crashed process's jobs) and
// with time.Now()-StaleAfter on the periodic sweep.
func (e *Executor) requeueStale(ctx context.Context, staleBefore time.Time) {
	n, err := e.store.RequeueIncomplete(ctx, staleBefore)
	if err != nil {
		e.log.Error("requeue_incomplete failed", "error", err)
		return
	}
	if n > 0 {
		e.log.Info("requeued stale jobs", "count", n)
	}
}
