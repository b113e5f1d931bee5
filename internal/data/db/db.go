// Package db opens and migrates the backend GORM connection the job store
// runs on. Two dialects are supported: Postgres (the durable,
// multi-process production backend) and SQLite (single-process/dev/test).
package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/nimbuschain/fetch/internal/domain"
	"github.com/nimbuschain/fetch/internal/platform/logger"
)

// Service wraps an opened, migrated GORM connection plus the dialect name
// the store needs to decide whether SKIP LOCKED is available.
type Service struct {
	db          *gorm.DB
	DialectName string
}

func (s *Service) DB() *gorm.DB { return s.db }

func newGormLogger() gormLogger.Interface {
	return gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// OpenPostgres connects using a libpq-style DSN (DB_URI).
func OpenPostgres(dsn string, log *logger.Logger) (*Service, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	svc := &Service{db: gdb, DialectName: "postgres"}
	if err := svc.AutoMigrateAll(); err != nil {
		return nil, err
	}
	log.Info("connected to postgres job store")
	return svc, nil
}

// OpenSQLite connects to a file path (or ":memory:") (DB_PATH).
func OpenSQLite(path string, log *logger.Logger) (*Service, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to sqlite: %w", err)
	}
	svc := &Service{db: gdb, DialectName: "sqlite"}
	if err := svc.AutoMigrateAll(); err != nil {
		return nil, err
	}
	log.Info("connected to sqlite job store", "path", path)
	return svc, nil
}

// AutoMigrateAll creates/updates the three logical tables plus
// the indexes the claim and tail operations depend on.
func (s *Service) AutoMigrateAll() error {
	if err := s.db.AutoMigrate(&domain.Job{}, &domain.JobEvent{}, &domain.JobResult{}); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	if s.DialectName == "postgres" {
		if err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs (state, created_at);`).Error; err != nil {
			return fmt.Errorf("create idx_jobs_state_created: %w", err)
		}
		if err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_job_events_job_id_id ON job_events (job_id, id);`).Error; err != nil {
			return fmt.Errorf("create idx_job_events_job_id_id: %w", err)
		}
	}
	return nil
}
