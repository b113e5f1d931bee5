// Package runner implements the JobRunner: the per-job state machine that
// drives one claimed job from running to a terminal state.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nimbuschain/fetch/internal/domain"
	"github.com/nimbuschain/fetch/internal/download"
	"github.com/nimbuschain/fetch/internal/platform/logger"
	"github.com/nimbuschain/fetch/internal/provider"
	"github.com/nimbuschain/fetch/internal/sandbox"
	"github.com/nimbuschain/fetch/internal/store"
)

// Request is the parsed, validated job submission body.
type Request struct {
	Collection  string                 `json:"collection"`
	ProductType string                 `json:"product_type,omitempty"`
	StartDate   string                 `json:"start_date,omitempty"`
	EndDate     string                 `json:"end_date,omitempty"`
	AOI         *provider.AOI          `json:"aoi,omitempty"`
	TileID      string                 `json:"tile_id,omitempty"`
	ProductIDs  []string               `json:"product_ids,omitempty"`
	OutputDir   string                 `json:"output_dir,omitempty"`
	Extra       map[string]interface{} `json:"-"`
}

// Config bounds the runner's progress throttling and cancellation polling.
type Config struct {
	DataRoot              string
	ProgressStoreInterval time.Duration // store writes throttled to ≤1/s
	ProgressEventInterval time.Duration // events throttled to ≤1 per 2s
	CancelPollInterval    time.Duration
	ChecksumConcurrency   int
}

func (c Config) withDefaults() Config {
	if c.ProgressStoreInterval <= 0 {
		c.ProgressStoreInterval = time.Second
	}
	if c.ProgressEventInterval <= 0 {
		c.ProgressEventInterval = 2 * time.Second
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = 500 * time.Millisecond
	}
	if c.ChecksumConcurrency <= 0 {
		c.ChecksumConcurrency = 4
	}
	return c
}

// Runner executes one claimed job to completion.
type Runner struct {
	cfg        Config
	store      store.JobStore
	providers  *provider.Registry
	downloader *download.Manager
	log        *logger.Logger
}

func New(st store.JobStore, providers *provider.Registry, downloader *download.Manager, log *logger.Logger, cfg Config) *Runner {
	return &Runner{cfg: cfg.withDefaults(), store: st, providers: providers, downloader: downloader, log: log}
}

const dirSentinelFile = ".nimbuschain-job"

type pathConflictError struct{ path string }

func (e *pathConflictError) Error() string { return fmt.Sprintf("output_dir already owned by another job: %s", e.path) }

// Run drives job through the full execution sequence — search, resolve,
// download, checksum, manifest — returning once a terminal transition
// has been durably recorded.
func (r *Runner) Run(ctx context.Context, job *domain.Job, workerID string) error {
	log := r.log.With("job_id", job.ID.String(), "worker_id", workerID)

	// cancelCtx is cancelled ONLY by an observed cancel_requested state —
	// never by ctx shutting down. A graceful executor shutdown must not
	// force a running job to a terminal cancelled state (running→cancelled
	// on shutdown is not a legal transition); the job is left running and
	// reclaimed by the stale-job requeue sweep once its heartbeat lapses.
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopPoll := r.watchForCancellation(ctx, cancel, job.ID)
	defer stopPoll()

	var req Request
	if err := json.Unmarshal(job.Request, &req); err != nil {
		return r.fail(ctx, job.ID, workerID, domain.ErrCodeUnknown, fmt.Sprintf("decode request: %v", err), nil)
	}

	if cancelCtx.Err() != nil {
		return r.observeCancellation(job.ID, workerID, job.OutputDir)
	}

	outputPath, err := sandbox.Resolve(r.cfg.DataRoot, job.OutputDir)
	if err != nil {
		var pv *sandbox.ErrPathViolation
		if errors.As(err, &pv) {
			return r.fail(ctx, job.ID, workerID, domain.ErrCodePathViolation, err.Error(), nil)
		}
		return r.fail(ctx, job.ID, workerID, domain.ErrCodeUnknown, err.Error(), nil)
	}

	if err := reserveOutputDir(outputPath, job.ID); err != nil {
		var pc *pathConflictError
		if errors.As(err, &pc) {
			return r.fail(ctx, job.ID, workerID, domain.ErrCodePathConflict, err.Error(), nil)
		}
		return r.fail(ctx, job.ID, workerID, domain.ErrCodeUnknown, err.Error(), nil)
	}

	prov, ok := r.providers.Get(job.Provider)
	if !ok {
		return r.fail(ctx, job.ID, workerID, domain.ErrCodeProviderSearch, fmt.Sprintf("unknown provider %q", job.Provider), nil)
	}

	if err := prov.Authenticate(cancelCtx); err != nil {
		var authErr *provider.AuthError
		if errors.As(err, &authErr) {
			return r.fail(ctx, job.ID, workerID, domain.ErrCodeProviderAuthError, err.Error(), nil)
		}
		return r.fail(ctx, job.ID, workerID, domain.ErrCodeProviderSearch, err.Error(), nil)
	}

	products, err := prov.Search(cancelCtx, Request2SearchRequest(req))
	if err != nil {
		var authErr *provider.AuthError
		if errors.As(err, &authErr) {
			return r.fail(ctx, job.ID, workerID, domain.ErrCodeProviderAuthError, err.Error(), nil)
		}
		return r.fail(ctx, job.ID, workerID, domain.ErrCodeProviderSearch, err.Error(), nil)
	}

	productIDs := make([]string, 0, len(products))
	for _, p := range products {
		productIDs = append(productIDs, p.ID)
	}
	if _, err := r.store.AppendEvent(ctx, job.ID, domain.EventJobProductsFound, map[string]interface{}{
		"count": len(products), "product_ids": productIDs,
	}); err != nil {
		log.Warn("append job.products_found failed", "error", err)
	}

	if cancelCtx.Err() != nil {
		return r.observeCancellation(job.ID, workerID, outputPath)
	}

	var tasks []download.Task
	for _, p := range products {
		if cancelCtx.Err() != nil {
			return r.observeCancellation(job.ID, workerID, outputPath)
		}
		files, auth, err := prov.Resolve(cancelCtx, p)
		if err != nil {
			return r.fail(ctx, job.ID, workerID, domain.ErrCodeNoDownloadURL, err.Error(), map[string]interface{}{"product_id": p.ID})
		}
		if len(files) == 0 {
			return r.fail(ctx, job.ID, workerID, domain.ErrCodeNoDownloadURL, fmt.Sprintf("product %s resolved zero files", p.ID), nil)
		}
		for _, f := range files {
			tasks = append(tasks, download.Task{URL: f.URL, SuggestedFilename: f.SuggestedFilename, Auth: auth})
		}
	}

	progress := newProgressTracker(r.store, job.ID, workerID, r.cfg.ProgressStoreInterval, r.cfg.ProgressEventInterval, log)

	downloadedPaths, err := r.downloader.Run(cancelCtx, tasks, outputPath, progress.onChunk)
	if err != nil {
		if errors.Is(err, download.ErrCancelled) || cancelCtx.Err() != nil {
			return r.observeCancellation(job.ID, workerID, outputPath)
		}
		var de *download.Error
		if errors.As(err, &de) {
			return r.fail(ctx, job.ID, workerID, domain.ErrCodeDownloadFailed, de.Error(), map[string]interface{}{"url": de.URL})
		}
		return r.fail(ctx, job.ID, workerID, domain.ErrCodeDownloadFailed, err.Error(), nil)
	}

	if cancelCtx.Err() != nil {
		return r.observeCancellation(job.ID, workerID, outputPath)
	}

	checksums, err := checksumFiles(cancelCtx, downloadedPaths, r.cfg.ChecksumConcurrency)
	if err != nil {
		if cancelCtx.Err() != nil {
			return r.observeCancellation(job.ID, workerID, outputPath)
		}
		return r.fail(ctx, job.ID, workerID, domain.ErrCodeChecksumFailed, err.Error(), nil)
	}

	if cancelCtx.Err() != nil {
		return r.observeCancellation(job.ID, workerID, outputPath)
	}

	manifestPath, manifestEntry, err := writeManifest(job, outputPath, downloadedPaths, checksums)
	if err != nil {
		return r.fail(ctx, job.ID, workerID, domain.ErrCodeManifestWrite, err.Error(), nil)
	}
	manifestSum, err := sha256File(manifestPath)
	if err != nil {
		return r.fail(ctx, job.ID, workerID, domain.ErrCodeManifestWrite, err.Error(), nil)
	}
	checksums[manifestPath] = "sha256:" + manifestSum
	allPaths := append(append([]string{}, downloadedPaths...), manifestPath)

	_, err = r.store.Finish(ctx, job.ID, workerID, store.Outcome{
		Kind: domain.JobStateSucceeded,
		Result: &store.FinishResult{
			Paths:         allPaths,
			Checksums:     checksums,
			Metadata:      map[string]interface{}{"product_count": len(products)},
			ManifestEntry: manifestEntry,
		},
	})
	return err
}

// Request2SearchRequest adapts the validated submission into the shape the
// Provider interface consumes.
func Request2SearchRequest(req Request) provider.SearchRequest {
	sr := provider.SearchRequest{
		Collection:  req.Collection,
		ProductType: req.ProductType,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		TileID:      req.TileID,
		ProductIDs:  req.ProductIDs,
	}
	if req.AOI != nil {
		sr.AOI = *req.AOI
	}
	return sr
}

func reserveOutputDir(path string, jobID uuid.UUID) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	err := os.Mkdir(path, 0o755)
	if err == nil {
		return os.WriteFile(filepath.Join(path, dirSentinelFile), []byte(jobID.String()), 0o644)
	}
	if !os.IsExist(err) {
		return fmt.Errorf("create output dir: %w", err)
	}
	owner, rerr := os.ReadFile(filepath.Join(path, dirSentinelFile))
	if rerr == nil && strings.TrimSpace(string(owner)) == jobID.String() {
		return nil // idempotent re-entry by the same job
	}
	return &pathConflictError{path: path}
}

func (r *Runner) watchForCancellation(ctx context.Context, cancel context.CancelFunc, jobID uuid.UUID) func() {
	ticker := time.NewTicker(r.cfg.CancelPollInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				job, err := r.store.GetJob(context.Background(), jobID)
				if err != nil {
					continue
				}
				if job.State == string(domain.JobStateCancelRequested) {
					cancel()
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (r *Runner) observeCancellation(jobID uuid.UUID, workerID, outputPath string) error {
	if outputPath != "" {
		_ = os.RemoveAll(outputPath)
	}
	_, err := r.store.Finish(context.Background(), jobID, workerID, store.Outcome{Kind: domain.JobStateCancelled})
	return err
}

func (r *Runner) fail(ctx context.Context, jobID uuid.UUID, workerID, code, message string, errCtx map[string]interface{}) error {
	entry := domain.JobErrorEntry{Code: code, Message: message, Context: errCtx}
	_, err := r.store.Finish(ctx, jobID, workerID, store.Outcome{
		Kind:   domain.JobStateFailed,
		Errors: []domain.JobErrorEntry{entry},
	})
	if err != nil {
		return err
	}
	return fmt.Errorf("%s: %s", code, message)
}

func checksumFiles(ctx context.Context, paths []string, concurrency int) (map[string]string, error) {
	result := make(map[string]string, len(paths))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, p := range paths {
		p := p
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			sum, err := sha256File(p)
			if err != nil {
				return fmt.Errorf("checksum %s: %w", p, err)
			}
			mu.Lock()
			result[p] = "sha256:" + sum
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	buf := make([]byte, 256*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
