package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nimbuschain/fetch/internal/data/repos/testutil"
	"github.com/nimbuschain/fetch/internal/domain"
	"github.com/nimbuschain/fetch/internal/download"
	"github.com/nimbuschain/fetch/internal/platform/logger"
	"github.com/nimbuschain/fetch/internal/provider"
	"github.com/nimbuschain/fetch/internal/provider/fake"
	"github.com/nimbuschain/fetch/internal/store"
)

func newTestRunner(t *testing.T, dataRoot string, providers *provider.Registry) (*Runner, store.JobStore) {
	t.Helper()
	gdb := testutil.NewTestDB(t)
	st := store.New(gdb, "sqlite")
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	dl := download.New(download.Config{MaxConcurrency: 2, ChunkSize: 16})
	r := New(st, providers, dl, log, Config{DataRoot: dataRoot, CancelPollInterval: 20 * time.Millisecond})
	return r, st
}

func TestHappyPathSucceedsWithManifestAndChecksums(t *testing.T) {
	dataRoot := t.TempDir()

	fp := fake.New("copernicus", []fake.FixedProduct{
		{Product: provider.Product{ID: "p1"}, Files: []fake.File{{Name: "p1.bin", Bytes: make([]byte, 100)}}},
		{Product: provider.Product{ID: "p2"}, Files: []fake.File{{Name: "p2.bin", Bytes: make([]byte, 100)}}},
	})
	defer fp.Close()

	registry := provider.NewRegistry()
	if err := registry.Register(fp); err != nil {
		t.Fatalf("register: %v", err)
	}

	r, st := newTestRunner(t, dataRoot, registry)
	ctx := context.Background()

	reqBody, _ := json.Marshal(Request{Collection: "SENTINEL-2", OutputDir: "s1"})
	jobID, err := st.CreateJob(ctx, store.CreateJobInput{
		JobType: "search_download", Provider: "copernicus", Collection: "SENTINEL-2", OutputDir: "s1",
		Request: map[string]interface{}{"collection": "SENTINEL-2", "output_dir": "s1"},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	job, err := st.ClaimNext(ctx, "worker-1", nil)
	if err != nil || job == nil {
		t.Fatalf("claim next: %v %v", job, err)
	}
	job.Request = reqBody

	if err := r.Run(ctx, job, "worker-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	final, err := st.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if final.State != string(domain.JobStateSucceeded) {
		t.Fatalf("expected succeeded, got %s (errors=%s)", final.State, final.Errors)
	}
	if final.Progress != 100 {
		t.Fatalf("expected progress=100, got %v", final.Progress)
	}

	result, err := st.GetResult(ctx, jobID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	var paths []string
	if err := json.Unmarshal(result.Paths, &paths); err != nil {
		t.Fatalf("unmarshal paths: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 paths (2 files + manifest), got %d: %v", len(paths), paths)
	}

	manifestPath := filepath.Join(dataRoot, "s1", "manifest.json")
	if _, err := os.Stat(manifestPath); err != nil {
		t.Fatalf("expected manifest.json: %v", err)
	}

	events, err := st.TailEvents(ctx, store.EventScope{JobID: &jobID}, 0, 100)
	if err != nil {
		t.Fatalf("tail events: %v", err)
	}
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	wantPrefix := []string{
		string(domain.EventJobQueued), string(domain.EventJobStarted),
		string(domain.EventJobProductsFound),
	}
	for i, w := range wantPrefix {
		if types[i] != w {
			t.Fatalf("event[%d] = %s, want %s (all: %v)", i, types[i], w, types)
		}
	}
	if types[len(types)-1] != string(domain.EventJobSucceeded) {
		t.Fatalf("expected last event job.succeeded, got %s", types[len(types)-1])
	}
}

func TestZeroProductsStillSucceedsWithManifest(t *testing.T) {
	dataRoot := t.TempDir()
	fp := fake.New("usgs", nil)
	defer fp.Close()

	registry := provider.NewRegistry()
	_ = registry.Register(fp)

	r, st := newTestRunner(t, dataRoot, registry)
	ctx := context.Background()

	_, err := st.CreateJob(ctx, store.CreateJobInput{JobType: "search_download", Provider: "usgs", Collection: "c", OutputDir: "empty"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	job, err := st.ClaimNext(ctx, "worker-1", nil)
	if err != nil || job == nil {
		t.Fatalf("claim next: %v %v", job, err)
	}
	job.Request, _ = json.Marshal(Request{Collection: "c", OutputDir: "empty"})

	if err := r.Run(ctx, job, "worker-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	final, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if final.State != string(domain.JobStateSucceeded) {
		t.Fatalf("expected succeeded, got %s", final.State)
	}
	if _, err := os.Stat(filepath.Join(dataRoot, "empty", "manifest.json")); err != nil {
		t.Fatalf("expected manifest.json even with zero products: %v", err)
	}
}

func TestPathConflictWhenOutputDirOwnedByAnotherJob(t *testing.T) {
	dataRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dataRoot, "taken"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dataRoot, "taken", dirSentinelFile), []byte("other-job"), 0o644); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	fp := fake.New("usgs", nil)
	defer fp.Close()
	registry := provider.NewRegistry()
	_ = registry.Register(fp)

	r, st := newTestRunner(t, dataRoot, registry)
	ctx := context.Background()

	_, err := st.CreateJob(ctx, store.CreateJobInput{JobType: "search_download", Provider: "usgs", Collection: "c", OutputDir: "taken"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	job, err := st.ClaimNext(ctx, "worker-1", nil)
	if err != nil || job == nil {
		t.Fatalf("claim next: %v %v", job, err)
	}
	job.Request, _ = json.Marshal(Request{Collection: "c", OutputDir: "taken"})

	if err := r.Run(ctx, job, "worker-1"); err == nil {
		t.Fatal("expected path conflict error")
	}

	final, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if final.State != string(domain.JobStateFailed) {
		t.Fatalf("expected failed, got %s", final.State)
	}
	var errs []domain.JobErrorEntry
	if err := json.Unmarshal(final.Errors, &errs); err != nil {
		t.Fatalf("unmarshal errors: %v", err)
	}
	if len(errs) != 1 || errs[0].Code != domain.ErrCodePathConflict {
		t.Fatalf("expected PathConflict error, got %+v", errs)
	}
}
