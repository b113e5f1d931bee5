// Package store implements the JobStore contract: the durable, atomically
// claimable record of jobs, their append-only event timeline, and their
// terminal results. It is the only shared mutable state workers and the
// admission boundary coordinate through.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nimbuschain/fetch/internal/domain"
)

// CancelOutcome is the result of a request_cancel call.
type CancelOutcome string

const (
	CancelApplied        CancelOutcome = "applied"
	CancelAlreadyTerminal CancelOutcome = "already_terminal"
	CancelUnknown         CancelOutcome = "unknown"
)

// Outcome is the terminal disposition passed to Finish.
type Outcome struct {
	Kind   domain.JobState // one of Succeeded, Failed, Cancelled
	Result *FinishResult   // required iff Kind == JobStateSucceeded
	Errors []domain.JobErrorEntry
}

// FinishResult carries the JobResult payload written atomically with a
// succeeded transition.
type FinishResult struct {
	Paths         []string
	Checksums     map[string]string
	Metadata      map[string]interface{}
	ManifestEntry map[string]interface{}
}

// CreateJobInput is a validated submission ready for durable insertion.
type CreateJobInput struct {
	JobType    string
	Provider   string
	Collection string
	OutputDir  string
	Request    map[string]interface{}
}

// ListFilter narrows list_jobs.
type ListFilter struct {
	State      string
	Provider   string
	DateFrom   *time.Time
	DateTo     *time.Time
	Page       int
	PageSize   int
}

// ListResult is one page of jobs.
type ListResult struct {
	Items    []domain.Job
	Total    int64
	Page     int
	PageSize int
}

// EventScope selects all events or one job's events for tail_events.
type EventScope struct {
	JobID *uuid.UUID
}

// EventPublisher is satisfied by an optional out-of-band accelerator (see
// internal/realtime/wakebus) that wants to know whenever the event
// timeline moves forward, so a tailer blocked on its poll tick can wake up
// immediately instead of waiting. A store with no EventPublisher set
// behaves exactly as if no accelerator were configured: callers relying
// only on polling still make progress.
type EventPublisher interface {
	Publish(ctx context.Context)
}

var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

// JobStore is the durable contract every backend (Postgres, SQLite) must
// satisfy. Every operation commits durably before returning.
type JobStore interface {
	CreateJob(ctx context.Context, in CreateJobInput) (uuid.UUID, error)

	// ClaimNext atomically picks the oldest queued job (optionally
	// restricted to providers), marks it running under workerID, and
	// returns it. Returns (nil, nil) when no job is claimable.
	ClaimNext(ctx context.Context, workerID string, providers []string) (*domain.Job, error)

	// ReleaseBackToQueue inverses ClaimNext without incrementing attempt
	// or appending an event.
	ReleaseBackToQueue(ctx context.Context, jobID uuid.UUID, workerID string) error

	Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string) (bool, error)

	UpdateProgress(ctx context.Context, jobID uuid.UUID, workerID string, bytesDownloaded int64, bytesTotal *int64, progress *float64) (bool, error)

	RequestCancel(ctx context.Context, jobID uuid.UUID) (CancelOutcome, error)

	Finish(ctx context.Context, jobID uuid.UUID, workerID string, outcome Outcome) (bool, error)

	AppendEvent(ctx context.Context, jobID uuid.UUID, eventType domain.JobEventType, payload map[string]interface{}) (int64, error)

	// RequeueIncomplete resets every running/cancel_requested job whose
	// last heartbeat is older than staleBefore back to queued, bumping
	// attempt and appending job.requeued_after_restart.
	RequeueIncomplete(ctx context.Context, staleBefore time.Time) (int, error)

	ListJobs(ctx context.Context, filter ListFilter) (ListResult, error)

	GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)

	GetResult(ctx context.Context, jobID uuid.UUID) (*domain.JobResult, error)

	// TailEvents returns events with id > since, ordered by id, bounded
	// by limit. Scope.JobID nil means all jobs.
	TailEvents(ctx context.Context, scope EventScope, since int64, limit int) ([]domain.JobEvent, error)
}
