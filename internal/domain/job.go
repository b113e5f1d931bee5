// Package domain holds the persistent record types owned exclusively by the
// job store. Nothing outside internal/store writes these tables directly.
package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobState enumerates the legal states of the JobRunner state machine.
type JobState string

const (
	JobStateQueued          JobState = "queued"
	JobStateRunning         JobState = "running"
	JobStateCancelRequested JobState = "cancel_requested"
	JobStateSucceeded       JobState = "succeeded"
	JobStateFailed          JobState = "failed"
	JobStateCancelled       JobState = "cancelled"
)

// IsTerminal reports whether no further state change may ever be observed.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// JobErrorEntry is one entry of a failed job's ordered error list.
type JobErrorEntry struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Job is the submission lifecycle record.
type Job struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"job_id"`
	JobType         string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Provider        string         `gorm:"column:provider;not null;index" json:"provider"`
	Collection      string         `gorm:"column:collection;not null" json:"collection"`
	OutputDir       string         `gorm:"column:output_dir;not null" json:"output_dir"`
	Request         datatypes.JSON `gorm:"column:request;type:jsonb" json:"request"`
	State           string         `gorm:"column:state;not null;index:idx_jobs_state_created" json:"state"`
	Progress        float64        `gorm:"column:progress;not null;default:0" json:"progress"`
	BytesDownloaded int64          `gorm:"column:bytes_downloaded;not null;default:0" json:"bytes_downloaded"`
	BytesTotal      *int64         `gorm:"column:bytes_total" json:"bytes_total,omitempty"`
	OwnerToken      string         `gorm:"column:owner_token;index" json:"-"`
	Attempt         int            `gorm:"column:attempt;not null;default:1" json:"attempt"`
	Errors          datatypes.JSON `gorm:"column:errors;type:jsonb" json:"errors,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at;not null;index:idx_jobs_state_created" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
	StartedAt       *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt      *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	LastHeartbeatAt *time.Time     `gorm:"column:last_heartbeat_at;index" json:"last_heartbeat_at,omitempty"`
}

func (Job) TableName() string { return "jobs" }

// JobEvent is one append-only, totally ordered timeline entry.
type JobEvent struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID     uuid.UUID      `gorm:"type:uuid;not null;index:idx_job_events_job_id" json:"job_id"`
	Type      string         `gorm:"column:type;not null" json:"type"`
	Timestamp time.Time      `gorm:"column:timestamp;not null" json:"timestamp"`
	Payload   datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload,omitempty"`
}

func (JobEvent) TableName() string { return "job_events" }

// Event type constants.
const (
	EventJobQueued                JobEventType = "job.queued"
	EventJobStarted               JobEventType = "job.started"
	EventJobProductsFound         JobEventType = "job.products_found"
	EventJobProgress              JobEventType = "job.progress"
	EventJobCancelRequested       JobEventType = "job.cancel_requested"
	EventJobCancelled             JobEventType = "job.cancelled"
	EventJobFailed                JobEventType = "job.failed"
	EventJobSucceeded             JobEventType = "job.succeeded"
	EventJobRequeuedAfterRestart  JobEventType = "job.requeued_after_restart"
)

// JobEventType names one of the fixed event kinds in the append-only log.
type JobEventType string

// JobResult is the terminal artifact description.
type JobResult struct {
	JobID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"job_id"`
	Paths         datatypes.JSON `gorm:"column:paths;type:jsonb" json:"paths"`
	Checksums     datatypes.JSON `gorm:"column:checksums;type:jsonb" json:"checksums"`
	Metadata      datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	ManifestEntry datatypes.JSON `gorm:"column:manifest_entry;type:jsonb" json:"manifest_entry,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null" json:"created_at"`
}

func (JobResult) TableName() string { return "job_results" }
