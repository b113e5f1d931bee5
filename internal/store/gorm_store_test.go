package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nimbuschain/fetch/internal/data/repos/testutil"
	"github.com/nimbuschain/fetch/internal/domain"
)

func newStore(tb testing.TB) *GormStore {
	tb.Helper()
	gdb := testutil.NewTestDB(tb)
	return New(gdb, "sqlite")
}

func TestCreateJobDefaultsOutputDirToJobID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	id, err := s.CreateJob(ctx, CreateJobInput{JobType: "search_download", Provider: "copernicus", Collection: "c"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.OutputDir != id.String() {
		t.Fatalf("expected output_dir to default to job id %s, got %q", id, job.OutputDir)
	}
}

func TestCreateJobInsertsQueuedAndEvent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	id, err := s.CreateJob(ctx, CreateJobInput{
		JobType: "search_download", Provider: "copernicus", Collection: "SENTINEL-2", OutputDir: "s1",
		Request: map[string]interface{}{"collection": "SENTINEL-2"},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != string(domain.JobStateQueued) {
		t.Fatalf("expected queued, got %s", job.State)
	}
	if job.Attempt != 1 {
		t.Fatalf("expected attempt=1, got %d", job.Attempt)
	}

	events, err := s.TailEvents(ctx, EventScope{}, 0, 10)
	if err != nil {
		t.Fatalf("tail events: %v", err)
	}
	if len(events) != 1 || events[0].Type != string(domain.EventJobQueued) {
		t.Fatalf("expected one job.queued event, got %+v", events)
	}
}

func TestClaimNextIsExclusiveUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	const jobs = 5
	for i := 0; i < jobs; i++ {
		if _, err := s.CreateJob(ctx, CreateJobInput{JobType: "search_download", Provider: "copernicus", Collection: "c", OutputDir: "d"}); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}

	const workers = 8
	var wg sync.WaitGroup
	claimed := make([]string, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			job, err := s.ClaimNext(ctx, "worker-"+string(rune('A'+idx)), nil)
			if err != nil {
				t.Errorf("claim next: %v", err)
				return
			}
			if job != nil {
				claimed[idx] = job.ID.String()
			}
		}(w)
	}
	wg.Wait()

	seen := map[string]int{}
	total := 0
	for _, id := range claimed {
		if id == "" {
			continue
		}
		seen[id]++
		total++
	}
	if total != jobs {
		t.Fatalf("expected exactly %d claims, got %d", jobs, total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times, want 1", id, n)
		}
	}
}

func TestCancelWhileQueuedIsImmediateAndSkipsStarted(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	id, err := s.CreateJob(ctx, CreateJobInput{JobType: "search_download", Provider: "usgs", Collection: "c", OutputDir: "d"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	outcome, err := s.RequestCancel(ctx, id)
	if err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if outcome != CancelApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != string(domain.JobStateCancelled) {
		t.Fatalf("expected cancelled, got %s", job.State)
	}

	events, err := s.TailEvents(ctx, EventScope{JobID: &id}, 0, 10)
	if err != nil {
		t.Fatalf("tail events: %v", err)
	}
	for _, ev := range events {
		if ev.Type == string(domain.EventJobStarted) {
			t.Fatalf("job.started must never be appended for a cancel-while-queued job")
		}
	}
}

func TestRequeueIncompleteBumpsAttemptAndAppendsEvent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	id, err := s.CreateJob(ctx, CreateJobInput{JobType: "search_download", Provider: "copernicus", Collection: "c", OutputDir: "d"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	job, err := s.ClaimNext(ctx, "worker-A", nil)
	if err != nil || job == nil {
		t.Fatalf("claim next: %v %v", job, err)
	}

	// simulate a stale heartbeat by requeuing with a future cutoff.
	n, err := s.RequeueIncomplete(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("requeue incomplete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued job, got %d", n)
	}

	after, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if after.State != string(domain.JobStateQueued) {
		t.Fatalf("expected queued, got %s", after.State)
	}
	if after.Attempt != 2 {
		t.Fatalf("expected attempt=2, got %d", after.Attempt)
	}

	events, err := s.TailEvents(ctx, EventScope{JobID: &id}, 0, 10)
	if err != nil {
		t.Fatalf("tail events: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Type == string(domain.EventJobRequeuedAfterRestart) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected job.requeued_after_restart event, got %+v", events)
	}
}

type fakeWaker struct {
	mu   sync.Mutex
	pubs int
}

func (f *fakeWaker) Publish(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs++
}

func (f *fakeWaker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pubs
}

func TestSetWakerIsNotifiedOnEventAppendingOperations(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	waker := &fakeWaker{}
	s.SetWaker(waker)

	id, err := s.CreateJob(ctx, CreateJobInput{JobType: "search_download", Provider: "copernicus", Collection: "c", OutputDir: "d"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if waker.count() != 1 {
		t.Fatalf("expected 1 publish after create_job, got %d", waker.count())
	}

	if _, err := s.AppendEvent(ctx, id, domain.EventJobProgress, nil); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if waker.count() != 2 {
		t.Fatalf("expected 2 publishes after append_event, got %d", waker.count())
	}

	if _, err := s.RequestCancel(ctx, id); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if waker.count() != 3 {
		t.Fatalf("expected 3 publishes after request_cancel, got %d", waker.count())
	}
}

func TestEventIDsAreStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	id, err := s.CreateJob(ctx, CreateJobInput{JobType: "search_download", Provider: "copernicus", Collection: "c", OutputDir: "d"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.AppendEvent(ctx, id, domain.EventJobProgress, map[string]interface{}{"i": i}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	events, err := s.TailEvents(ctx, EventScope{}, 0, 100)
	if err != nil {
		t.Fatalf("tail events: %v", err)
	}
	var last int64 = -1
	for _, ev := range events {
		if ev.ID <= last {
			t.Fatalf("event ids not strictly increasing: %d after %d", ev.ID, last)
		}
		last = ev.ID
	}
}
