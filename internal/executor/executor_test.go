package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimbuschain/fetch/internal/data/repos/testutil"
	"github.com/nimbuschain/fetch/internal/domain"
	"github.com/nimbuschain/fetch/internal/platform/logger"
	"github.com/nimbuschain/fetch/internal/provider"
	"github.com/nimbuschain/fetch/internal/provider/fake"
	"github.com/nimbuschain/fetch/internal/store"
)

// blockingRunner counts concurrently-in-flight runs per provider and
// blocks until release is closed, so tests can assert admission limits
// without racing real downloads.
type blockingRunner struct {
	mu        sync.Mutex
	running   map[string]int
	maxSeen   map[string]int
	release   chan struct{}
	totalRuns int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{running: map[string]int{}, maxSeen: map[string]int{}, release: make(chan struct{})}
}

func (b *blockingRunner) Run(ctx context.Context, job *domain.Job, workerID string) error {
	atomic.AddInt32(&b.totalRuns, 1)
	b.mu.Lock()
	b.running[job.Provider]++
	if b.running[job.Provider] > b.maxSeen[job.Provider] {
		b.maxSeen[job.Provider] = b.running[job.Provider]
	}
	b.mu.Unlock()

	select {
	case <-b.release:
	case <-ctx.Done():
	}

	b.mu.Lock()
	b.running[job.Provider]--
	b.mu.Unlock()
	return nil
}

func newTestExecutor(t *testing.T, cfg Config, runner Runner, providerNames ...string) (*Executor, store.JobStore) {
	t.Helper()
	gdb := testutil.NewTestDB(t)
	st := store.New(gdb, "sqlite")
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	reg := provider.NewRegistry()
	for _, name := range providerNames {
		fp := fake.New(name, nil)
		t.Cleanup(fp.Close)
		if err := reg.Register(fp); err != nil {
			t.Fatalf("register provider: %v", err)
		}
	}
	return New(st, reg, runner, log, cfg), st
}

func TestProviderLimitCapsConcurrentRunsPerProvider(t *testing.T) {
	runner := newBlockingRunner()
	exec, st := newTestExecutor(t, Config{
		WorkerConcurrency: 8,
		MaxJobs:           8,
		ProviderLimits:    map[string]int{"copernicus": 2},
		PollInterval:      5 * time.Millisecond,
		RequeueInterval:   time.Hour,
	}, runner, "copernicus")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		if _, err := st.CreateJob(ctx, store.CreateJobInput{JobType: "search_download", Provider: "copernicus", Collection: "c", OutputDir: "o"}); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}

	exec.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		runner.mu.Lock()
		running := runner.running["copernicus"]
		runner.mu.Unlock()
		if running == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 2 concurrent runs to be admitted, saw %d", running)
		case <-time.After(10 * time.Millisecond):
		}
	}

	time.Sleep(50 * time.Millisecond)
	runner.mu.Lock()
	maxSeen := runner.maxSeen["copernicus"]
	runner.mu.Unlock()
	if maxSeen > 2 {
		t.Fatalf("provider limit violated: max concurrent = %d, want <= 2", maxSeen)
	}

	close(runner.release)
	cancel()
	exec.Wait()
}

func TestStaleJobsAreRequeuedByRequeueLoop(t *testing.T) {
	st := func() store.JobStore {
		gdb := testutil.NewTestDB(t)
		return store.New(gdb, "sqlite")
	}()

	ctx := context.Background()
	jobID, err := st.CreateJob(ctx, store.CreateJobInput{JobType: "search_download", Provider: "copernicus", Collection: "c", OutputDir: "o"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	job, err := st.ClaimNext(ctx, "stale-worker", nil)
	if err != nil || job == nil || job.ID != jobID {
		t.Fatalf("claim next: %v %v", job, err)
	}

	log, _ := logger.New("test")
	reg := provider.NewRegistry()
	runner := newBlockingRunner()
	exec := New(st, reg, runner, log, Config{
		RequeueInterval: 10 * time.Millisecond,
		StaleAfter:      1 * time.Millisecond,
		WorkerConcurrency: 0,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	exec.wg.Add(1)
	go exec.requeueLoop(runCtx)

	deadline := time.After(2 * time.Second)
	for {
		got, err := st.GetJob(ctx, jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.State == string(domain.JobStateQueued) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected job requeued to queued, still %s", got.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	exec.Wait()
}
