package runner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbuschain/fetch/internal/domain"
	"github.com/nimbuschain/fetch/internal/platform/logger"
	"github.com/nimbuschain/fetch/internal/store"
)

// speedSmoothingAlpha weights the most recent sample in the
// exponentially-smoothed bytes/sec estimate.
const speedSmoothingAlpha = 0.3

// progressTracker aggregates DownloadManager chunk callbacks into
// throttled store writes and events: at most one update_progress call per
// second per job (and one on every file boundary), at most one
// job.progress event per two seconds per job.
type progressTracker struct {
	st       store.JobStore
	jobID    uuid.UUID
	workerID string

	storeInterval time.Duration
	eventInterval time.Duration
	log           *logger.Logger

	mu              sync.Mutex
	fileBytes       map[string]int64
	fileTotals      map[string]int64
	fileTotalKnown  map[string]bool
	lastStoreWrite  time.Time
	lastEventEmit   time.Time
	lastSampleAt    time.Time
	lastSampleBytes int64
	smoothedSpeed   float64
}

func newProgressTracker(st store.JobStore, jobID uuid.UUID, workerID string, storeInterval, eventInterval time.Duration, log *logger.Logger) *progressTracker {
	return &progressTracker{
		st: st, jobID: jobID, workerID: workerID,
		storeInterval: storeInterval, eventInterval: eventInterval, log: log,
		fileBytes: map[string]int64{}, fileTotals: map[string]int64{}, fileTotalKnown: map[string]bool{},
	}
}

func (p *progressTracker) onChunk(filename string, delta, fileBytesSoFar int64, fileTotal *int64) {
	p.mu.Lock()
	p.fileBytes[filename] = fileBytesSoFar
	atBoundary := false
	if fileTotal != nil {
		p.fileTotals[filename] = *fileTotal
		p.fileTotalKnown[filename] = true
		atBoundary = fileBytesSoFar >= *fileTotal
	}

	var totalDownloaded, totalKnown int64
	allKnown := true
	for name, b := range p.fileBytes {
		totalDownloaded += b
		if p.fileTotalKnown[name] {
			totalKnown += p.fileTotals[name]
		} else {
			allKnown = false
		}
	}

	now := time.Now()
	if p.lastSampleAt.IsZero() {
		p.lastSampleAt = now
		p.lastSampleBytes = totalDownloaded
	} else if elapsed := now.Sub(p.lastSampleAt).Seconds(); elapsed > 0 {
		instant := float64(totalDownloaded-p.lastSampleBytes) / elapsed
		if p.smoothedSpeed == 0 {
			p.smoothedSpeed = instant
		} else {
			p.smoothedSpeed = speedSmoothingAlpha*instant + (1-speedSmoothingAlpha)*p.smoothedSpeed
		}
		p.lastSampleAt = now
		p.lastSampleBytes = totalDownloaded
	}

	var progressPct float64
	if allKnown && totalKnown > 0 {
		progressPct = 100 * float64(totalDownloaded) / float64(totalKnown)
		if progressPct > 99 {
			progressPct = 99 // progress reaches 100 only once the job has actually succeeded
		}
	}

	shouldWriteStore := atBoundary || now.Sub(p.lastStoreWrite) >= p.storeInterval
	shouldEmitEvent := now.Sub(p.lastEventEmit) >= p.eventInterval
	speed := p.smoothedSpeed

	var totalKnownPtr *int64
	if allKnown {
		totalKnownPtr = &totalKnown
	}

	if shouldWriteStore {
		p.lastStoreWrite = now
	}
	if shouldEmitEvent {
		p.lastEventEmit = now
	}
	p.mu.Unlock()

	if shouldWriteStore {
		progress := progressPct
		if _, err := p.st.UpdateProgress(context.Background(), p.jobID, p.workerID, totalDownloaded, totalKnownPtr, &progress); err != nil {
			p.log.Warn("update_progress failed", "error", err)
		}
	}
	if shouldEmitEvent {
		payload := map[string]interface{}{
			"bytes_downloaded": totalDownloaded,
			"progress":         progressPct,
			"speed":            speed,
		}
		if totalKnownPtr != nil {
			payload["bytes_total"] = *totalKnownPtr
		}
		if _, err := p.st.AppendEvent(context.Background(), p.jobID, domain.EventJobProgress, payload); err != nil {
			p.log.Warn("append job.progress failed", "error", err)
		}
	}
}
