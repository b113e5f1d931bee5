package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nimbuschain/fetch/internal/domain"
)

// GormStore is a JobStore implementation shared by the Postgres and SQLite
// backends. The claim_next critical section is expressed as a single
// SELECT ... FOR UPDATE SKIP LOCKED transaction on Postgres; SQLite has no
// such clause and already serializes writers at the file level, so the
// locking clause is only attached when the underlying dialector is
// Postgres.
type GormStore struct {
	db        *gorm.DB
	isPostgres bool

	// writeMu serializes the claim/release/finish critical sections on
	// SQLite, where a concurrent writer would otherwise return
	// "database is locked" instead of blocking.
	writeMu sync.Mutex

	// waker is an optional accelerator notified after every transaction
	// that appends an event. Nil unless SetWaker is called.
	waker EventPublisher
}

// New wraps an already-migrated *gorm.DB. dialectName is typically
// db.Dialector.Name() ("postgres" or "sqlite").
func New(db *gorm.DB, dialectName string) *GormStore {
	return &GormStore{db: db, isPostgres: dialectName == "postgres"}
}

// SetWaker attaches an optional event-timeline accelerator. Safe to call
// with nil to leave the store poll-only.
func (s *GormStore) SetWaker(w EventPublisher) {
	s.waker = w
}

// notifyWaker tells the accelerator, if any, that the event timeline just
// moved forward. Never called from inside an open transaction: all call
// sites sit after Transaction has returned nil, so the commit is already
// durable by the time a tailer would wake up and re-poll.
func (s *GormStore) notifyWaker(ctx context.Context) {
	if s.waker != nil {
		s.waker.Publish(ctx)
	}
}

func (s *GormStore) lockWrites() func() {
	if s.isPostgres {
		return func() {}
	}
	s.writeMu.Lock()
	return s.writeMu.Unlock
}

func (s *GormStore) CreateJob(ctx context.Context, in CreateJobInput) (uuid.UUID, error) {
	id := uuid.New()
	now := time.Now().UTC()

	reqJSON, err := json.Marshal(in.Request)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal request: %w", err)
	}

	outputDir := in.OutputDir
	if outputDir == "" {
		// output_dir is optional on submission; default it to the new
		// job's own id so every job still gets an exclusive directory.
		outputDir = id.String()
	}

	job := &domain.Job{
		ID:         id,
		JobType:    in.JobType,
		Provider:   in.Provider,
		Collection: in.Collection,
		OutputDir:  outputDir,
		Request:    datatypes.JSON(reqJSON),
		State:      string(domain.JobStateQueued),
		Attempt:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	defer s.lockWrites()()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		return appendEventTx(tx, id, domain.EventJobQueued, nil, now)
	})
	if err != nil {
		return uuid.Nil, err
	}
	s.notifyWaker(ctx)
	return id, nil
}

func (s *GormStore) ClaimNext(ctx context.Context, workerID string, providers []string) (*domain.Job, error) {
	defer s.lockWrites()()

	var claimed *domain.Job
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job domain.Job
		q := tx
		if s.isPostgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		q = q.Where("state = ?", string(domain.JobStateQueued))
		if len(providers) > 0 {
			q = q.Where("provider IN ?", providers)
		}
		q = q.Order("created_at ASC, id ASC")

		if err := q.First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		res := tx.Model(&domain.Job{}).
			Where("id = ? AND state = ?", job.ID, string(domain.JobStateQueued)).
			Updates(map[string]interface{}{
				"state":             string(domain.JobStateRunning),
				"owner_token":       workerID,
				"started_at":        now,
				"last_heartbeat_at": now,
				"updated_at":        now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// lost the race (non-Postgres backend without row locking); treat as no job.
			return nil
		}

		if err := appendEventTx(tx, job.ID, domain.EventJobStarted, nil, now); err != nil {
			return err
		}

		job.State = string(domain.JobStateRunning)
		job.OwnerToken = workerID
		job.StartedAt = &now
		job.LastHeartbeatAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		s.notifyWaker(ctx)
	}
	return claimed, nil
}

func (s *GormStore) ReleaseBackToQueue(ctx context.Context, jobID uuid.UUID, workerID string) error {
	defer s.lockWrites()()

	res := s.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND owner_token = ? AND state = ?", jobID, workerID, string(domain.JobStateRunning)).
		Updates(map[string]interface{}{
			"state":       string(domain.JobStateQueued),
			"owner_token": "",
			"started_at":  nil,
			"updated_at":  time.Now().UTC(),
		})
	return res.Error
}

func (s *GormStore) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND owner_token = ? AND state IN ?", jobID, workerID,
			[]string{string(domain.JobStateRunning), string(domain.JobStateCancelRequested)}).
		Updates(map[string]interface{}{"last_heartbeat_at": now, "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) UpdateProgress(ctx context.Context, jobID uuid.UUID, workerID string, bytesDownloaded int64, bytesTotal *int64, progress *float64) (bool, error) {
	updates := map[string]interface{}{
		"bytes_downloaded": bytesDownloaded,
		"updated_at":       time.Now().UTC(),
	}
	if bytesTotal != nil {
		updates["bytes_total"] = *bytesTotal
	}
	if progress != nil {
		updates["progress"] = *progress
	}
	res := s.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND owner_token = ? AND state IN ?", jobID, workerID,
			[]string{string(domain.JobStateRunning), string(domain.JobStateCancelRequested)}).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) RequestCancel(ctx context.Context, jobID uuid.UUID) (CancelOutcome, error) {
	defer s.lockWrites()()

	outcome := CancelUnknown
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job domain.Job
		q := tx
		if s.isPostgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.Where("id = ?", jobID).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outcome = CancelUnknown
				return nil
			}
			return err
		}

		switch domain.JobState(job.State) {
		case domain.JobStateQueued:
			res := tx.Model(&domain.Job{}).Where("id = ? AND state = ?", jobID, string(domain.JobStateQueued)).
				Updates(map[string]interface{}{
					"state":       string(domain.JobStateCancelled),
					"finished_at": now,
					"updated_at":  now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				outcome = CancelAlreadyTerminal
				return nil
			}
			if err := appendEventTx(tx, jobID, domain.EventJobCancelled, nil, now); err != nil {
				return err
			}
			outcome = CancelApplied
		case domain.JobStateRunning:
			res := tx.Model(&domain.Job{}).Where("id = ? AND state = ?", jobID, string(domain.JobStateRunning)).
				Updates(map[string]interface{}{
					"state":      string(domain.JobStateCancelRequested),
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				outcome = CancelAlreadyTerminal
				return nil
			}
			if err := appendEventTx(tx, jobID, domain.EventJobCancelRequested, nil, now); err != nil {
				return err
			}
			outcome = CancelApplied
		default:
			outcome = CancelAlreadyTerminal
		}
		return nil
	})
	if err != nil {
		return CancelUnknown, err
	}
	if outcome == CancelApplied {
		s.notifyWaker(ctx)
	}
	return outcome, nil
}

func (s *GormStore) Finish(ctx context.Context, jobID uuid.UUID, workerID string, outcome Outcome) (bool, error) {
	defer s.lockWrites()()

	now := time.Now().UTC()
	applied := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"state":       string(outcome.Kind),
			"finished_at": now,
			"owner_token": "",
			"updated_at":  now,
		}
		if outcome.Kind == domain.JobStateSucceeded {
			updates["progress"] = float64(100)
		}
		if len(outcome.Errors) > 0 {
			b, err := json.Marshal(outcome.Errors)
			if err != nil {
				return fmt.Errorf("marshal errors: %w", err)
			}
			updates["errors"] = datatypes.JSON(b)
		}

		res := tx.Model(&domain.Job{}).
			Where("id = ? AND owner_token = ? AND state IN ?", jobID, workerID,
				[]string{string(domain.JobStateRunning), string(domain.JobStateCancelRequested)}).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			applied = false
			return nil
		}
		applied = true

		if outcome.Kind == domain.JobStateSucceeded && outcome.Result != nil {
			pathsJSON, err := json.Marshal(outcome.Result.Paths)
			if err != nil {
				return err
			}
			checksumsJSON, err := json.Marshal(outcome.Result.Checksums)
			if err != nil {
				return err
			}
			metaJSON, err := json.Marshal(outcome.Result.Metadata)
			if err != nil {
				return err
			}
			manifestJSON, err := json.Marshal(outcome.Result.ManifestEntry)
			if err != nil {
				return err
			}
			jr := &domain.JobResult{
				JobID:         jobID,
				Paths:         datatypes.JSON(pathsJSON),
				Checksums:     datatypes.JSON(checksumsJSON),
				Metadata:      datatypes.JSON(metaJSON),
				ManifestEntry: datatypes.JSON(manifestJSON),
				CreatedAt:     now,
			}
			if err := tx.Create(jr).Error; err != nil {
				return err
			}
		}

		var eventType domain.JobEventType
		var payload map[string]interface{}
		switch outcome.Kind {
		case domain.JobStateSucceeded:
			eventType = domain.EventJobSucceeded
		case domain.JobStateFailed:
			eventType = domain.EventJobFailed
			if len(outcome.Errors) > 0 {
				payload = map[string]interface{}{"errors": outcome.Errors}
			}
		case domain.JobStateCancelled:
			eventType = domain.EventJobCancelled
		default:
			return fmt.Errorf("finish: unsupported outcome kind %q", outcome.Kind)
		}
		return appendEventTx(tx, jobID, eventType, payload, now)
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.notifyWaker(ctx)
	}
	return applied, nil
}

func (s *GormStore) AppendEvent(ctx context.Context, jobID uuid.UUID, eventType domain.JobEventType, payload map[string]interface{}) (int64, error) {
	var id int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ev, err := insertEventTx(tx, jobID, eventType, payload, time.Now().UTC())
		if err != nil {
			return err
		}
		id = ev.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.notifyWaker(ctx)
	return id, nil
}

// appendEventTx inserts one event row inside an existing transaction and
// discards the assigned id, for callers that only need the side effect.
func appendEventTx(tx *gorm.DB, jobID uuid.UUID, eventType domain.JobEventType, payload map[string]interface{}, ts time.Time) error {
	_, err := insertEventTx(tx, jobID, eventType, payload, ts)
	return err
}

// insertEventTx inserts one event row inside an existing transaction. The
// bigserial/autoincrement primary key supplies a strictly-increasing
// global ordering across every job's events — callers never supply an
// id; GORM populates it on the returned struct after INSERT.
func insertEventTx(tx *gorm.DB, jobID uuid.UUID, eventType domain.JobEventType, payload map[string]interface{}, ts time.Time) (*domain.JobEvent, error) {
	var payloadJSON datatypes.JSON
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = datatypes.JSON(b)
	}
	ev := &domain.JobEvent{
		JobID:     jobID,
		Type:      string(eventType),
		Timestamp: ts,
		Payload:   payloadJSON,
	}
	if err := tx.Create(ev).Error; err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *GormStore) RequeueIncomplete(ctx context.Context, staleBefore time.Time) (int, error) {
	defer s.lockWrites()()

	count := 0
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []domain.Job
		q := tx
		if s.isPostgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err := q.Where("state IN ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)",
			[]string{string(domain.JobStateRunning), string(domain.JobStateCancelRequested)}, staleBefore).
			Find(&stale).Error
		if err != nil {
			return err
		}
		for _, job := range stale {
			res := tx.Model(&domain.Job{}).
				Where("id = ? AND state = ?", job.ID, job.State).
				Updates(map[string]interface{}{
					"state":       string(domain.JobStateQueued),
					"owner_token": "",
					"attempt":     job.Attempt + 1,
					"started_at":  nil,
					"updated_at":  now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			if err := appendEventTx(tx, job.ID, domain.EventJobRequeuedAfterRestart, nil, now); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return count, err
	}
	if count > 0 {
		s.notifyWaker(ctx)
	}
	return count, nil
}

func (s *GormStore) ListJobs(ctx context.Context, filter ListFilter) (ListResult, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	q := s.db.WithContext(ctx).Model(&domain.Job{})
	if filter.State != "" {
		q = q.Where("state = ?", filter.State)
	}
	if filter.Provider != "" {
		q = q.Where("provider = ?", filter.Provider)
	}
	if filter.DateFrom != nil {
		q = q.Where("created_at >= ?", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		q = q.Where("created_at <= ?", *filter.DateTo)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return ListResult{}, err
	}

	var items []domain.Job
	err := q.Order("created_at DESC, id ASC").
		Limit(pageSize).Offset((page - 1) * pageSize).
		Find(&items).Error
	if err != nil {
		return ListResult{}, err
	}

	return ListResult{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *GormStore) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	var job domain.Job
	if err := s.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *GormStore) GetResult(ctx context.Context, jobID uuid.UUID) (*domain.JobResult, error) {
	var res domain.JobResult
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&res).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &res, nil
}

func (s *GormStore) TailEvents(ctx context.Context, scope EventScope, since int64, limit int) ([]domain.JobEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	q := s.db.WithContext(ctx).Model(&domain.JobEvent{}).Where("id > ?", since)
	if scope.JobID != nil {
		q = q.Where("job_id = ?", *scope.JobID)
	}
	var events []domain.JobEvent
	if err := q.Order("id ASC").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
