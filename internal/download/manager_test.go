package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestRunDownloadsAllFilesWithProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := New(Config{MaxConcurrency: 2, ChunkSize: 2})

	var mu sync.Mutex
	var totalDelta int64
	tasks := []Task{
		{URL: srv.URL + "/a", SuggestedFilename: "a.bin"},
		{URL: srv.URL + "/b", SuggestedFilename: "b.bin"},
	}

	paths, err := m.Run(context.Background(), tasks, dir, func(filename string, delta, soFar int64, total *int64) {
		mu.Lock()
		totalDelta += delta
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(paths))
	}
	if totalDelta != 10 {
		t.Fatalf("expected 10 total progress bytes, got %d", totalDelta)
	}

	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		if string(b) != "hello" {
			t.Fatalf("unexpected content in %s: %q", p, b)
		}
	}
}

func TestRunSanitizesSuggestedFilenameAgainstTraversal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := New(Config{})

	paths, err := m.Run(context.Background(), []Task{
		{URL: srv.URL, SuggestedFilename: "../../etc/passwd"},
	}, dir, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if filepath.Dir(paths[0]) != dir {
		t.Fatalf("expected final path to stay inside %s, got %s", dir, paths[0])
	}
	if filepath.Base(paths[0]) != "passwd" {
		t.Fatalf("expected traversal segments stripped, got %q", filepath.Base(paths[0]))
	}
}

func TestRunRetriesOn500ThenSucceeds(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := New(Config{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffMax: 10 * time.Millisecond})

	paths, err := m.Run(context.Background(), []Task{{URL: srv.URL, SuggestedFilename: "f.bin"}}, dir, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	b, _ := os.ReadFile(paths[0])
	if string(b) != "ok" {
		t.Fatalf("unexpected content: %q", b)
	}
}

func TestRunFailsAfterExhaustingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := New(Config{MaxRetries: 1, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond})

	_, err := m.Run(context.Background(), []Task{{URL: srv.URL, SuggestedFilename: "f.bin"}}, dir, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestRunRefreshesTokenOn401(t *testing.T) {
	var gotHeaders []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotHeaders = append(gotHeaders, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := New(Config{})

	// simulate a refresh: the supplier hands out the stale token on its
	// first call and a fresh one on the immediate retry after the 401.
	authCalls := 0
	auth := func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		authCalls++
		if authCalls == 1 {
			return "Bearer stale", nil
		}
		return "Bearer fresh", nil
	}
	task := Task{URL: srv.URL, SuggestedFilename: "f.bin", Auth: auth}

	_, err := m.Run(context.Background(), []Task{task}, dir, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunCancelledMidDownloadRemovesTempFile(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("part"))
		flusher, ok := w.(http.Flusher)
		if ok {
			flusher.Flush()
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	dir := t.TempDir()
	m := New(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := m.Run(ctx, []Task{{URL: srv.URL, SuggestedFilename: "f.bin"}}, dir, nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".tmp" {
			continue
		}
		t.Fatalf("leftover temp file after cancellation: %s", e.Name())
	}
}
