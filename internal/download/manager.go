// Package download implements the chunked concurrent HTTP downloader:
// bounded concurrency, retries with jittered backoff, one immediate
// re-request after a 401 (re-invoking the task's Auth supplier; no
// separate refresh callback is called), per-file progress accounting,
// and cooperative cancellation.
package download

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nimbuschain/fetch/internal/pkg/httpx"
	"github.com/nimbuschain/fetch/internal/provider"
)

// Config holds the DownloadManager's tunable behavior.
type Config struct {
	MaxConcurrency int
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ChunkSize      int
}

// withDefaults returns c with sane defaults for fields left at zero.
func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 64 * 1024
	}
	return c
}

// Task is one (url, suggested filename, auth) tuple to fetch.
type Task struct {
	URL               string
	SuggestedFilename string
	Auth              provider.AuthHeaderSupplier
}

// ProgressFunc reports chunk-granularity progress for one file.
// fileTotal is nil when Content-Length was absent.
type ProgressFunc func(filename string, deltaBytes int64, fileBytesSoFar int64, fileTotal *int64)

// ErrCancelled is raised when cancellation is observed mid-transfer.
var ErrCancelled = fmt.Errorf("download cancelled")

// Error wraps a failed URL after retries are exhausted.
type Error struct {
	URL       string
	LastError error
}

func (e *Error) Error() string {
	return fmt.Sprintf("download failed for %s: %v", e.URL, e.LastError)
}
func (e *Error) Unwrap() error { return e.LastError }

// Manager runs Task fetches against a destination directory.
type Manager struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
		},
	}
}

// Run fetches every task into destDir with bounded concurrency
// (golang.org/x/sync/errgroup, SetLimit = max_concurrency), returning the
// final paths in task order. On the first exhausted-retry failure, the
// group context is cancelled so outstanding tasks abort.
func (m *Manager) Run(ctx context.Context, tasks []Task, destDir string, progress ProgressFunc) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create dest dir: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxConcurrency)

	paths := make([]string, len(tasks))
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			final, err := m.fetchOne(gctx, task, destDir, progress)
			if err != nil {
				return err
			}
			paths[i] = final
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (m *Manager) fetchOne(ctx context.Context, task Task, destDir string, progress ProgressFunc) (string, error) {
	filename := sanitizeFilename(task.SuggestedFilename)
	if filename == "" {
		filename = sanitizeFilename(filepath.Base(task.URL))
	}
	if filename == "" {
		return "", fmt.Errorf("cannot derive a safe filename for %s", task.URL)
	}

	var lastErr error
	refreshed := false

	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return "", ErrCancelled
		}

		authHeader := ""
		if task.Auth != nil {
			h, err := task.Auth(ctx)
			if err != nil {
				return "", fmt.Errorf("auth header supplier: %w", err)
			}
			authHeader = h
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
		if err != nil {
			return "", fmt.Errorf("build request: %w", err)
		}
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}

		resp, err := m.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", ErrCancelled
			}
			lastErr = err
			if !httpx.IsRetryableError(err) || attempt == m.cfg.MaxRetries {
				return "", &Error{URL: task.URL, LastError: lastErr}
			}
			if err := sleepBackoff(ctx, m.cfg, attempt); err != nil {
				return "", err
			}
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized && task.Auth != nil && !refreshed {
			resp.Body.Close()
			refreshed = true
			continue // retry immediately, does not consume a retry slot
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
			retryAfter := httpx.RetryAfterDuration(resp, 0, m.cfg.BackoffMax)
			resp.Body.Close()
			if !httpx.IsRetryableHTTPStatus(resp.StatusCode) || attempt == m.cfg.MaxRetries {
				return "", &Error{URL: task.URL, LastError: lastErr}
			}
			wait := retryAfter
			if wait <= 0 {
				wait = backoffDuration(m.cfg, attempt)
			}
			if err := sleepFor(ctx, wait); err != nil {
				return "", err
			}
			continue
		}

		final, err := m.streamToFile(ctx, resp, destDir, filename, progress)
		if err != nil {
			if err == ErrCancelled {
				return "", ErrCancelled
			}
			lastErr = err
			if attempt == m.cfg.MaxRetries {
				return "", &Error{URL: task.URL, LastError: lastErr}
			}
			if err := sleepBackoff(ctx, m.cfg, attempt); err != nil {
				return "", err
			}
			continue
		}
		return final, nil
	}

	return "", &Error{URL: task.URL, LastError: lastErr}
}

// streamToFile streams the response body to a temp file in chunk_size
// chunks, checking cancellation after each chunk and invoking the
// progress callback, then atomically renames it into place.
func (m *Manager) streamToFile(ctx context.Context, resp *http.Response, destDir, filename string, progress ProgressFunc) (string, error) {
	defer resp.Body.Close()

	var fileTotal *int64
	if resp.ContentLength >= 0 {
		ct := resp.ContentLength
		fileTotal = &ct
	}

	tmp, err := os.CreateTemp(destDir, ".download-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanupTemp := func() {
		tmp.Close()
		_ = os.Remove(tmpPath)
	}

	buf := make([]byte, m.cfg.ChunkSize)
	var fileBytesSoFar int64

	for {
		if ctx.Err() != nil {
			cleanupTemp()
			return "", ErrCancelled
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				cleanupTemp()
				return "", fmt.Errorf("write chunk: %w", werr)
			}
			fileBytesSoFar += int64(n)
			if progress != nil {
				progress(filename, int64(n), fileBytesSoFar, fileTotal)
			}
			if ctx.Err() != nil {
				cleanupTemp()
				return "", ErrCancelled
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			cleanupTemp()
			return "", fmt.Errorf("read chunk: %w", readErr)
		}
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	finalPath := filepath.Join(destDir, filename)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename into place: %w", err)
	}
	return finalPath, nil
}

// sanitizeFilename strips any directory component a provider-supplied
// filename might carry, so a malicious or buggy resolve() response can
// never write outside destDir. The final path is always
// filepath.Join(destDir, <base name only>).
func sanitizeFilename(name string) string {
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

// backoffDuration implements
// min(backoff_max, backoff_base·2^attempt)·jitter(0.5,1.5).
func backoffDuration(cfg Config, attempt int) time.Duration {
	raw := float64(cfg.BackoffBase) * math.Pow(2, float64(attempt))
	capped := math.Min(raw, float64(cfg.BackoffMax))
	return time.Duration(capped * jitter())
}

func jitter() float64 {
	return 0.5 + rand.Float64()*1.0
}

func sleepBackoff(ctx context.Context, cfg Config, attempt int) error {
	return sleepFor(ctx, backoffDuration(cfg, attempt))
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ErrCancelled
	case <-timer.C:
		return nil
	}
}
