// Package testutil provides an in-memory SQLite fixture for store and
// executor tests, mirroring the lineage's repo-test harness.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/nimbuschain/fetch/internal/domain"
)

var testDBSeq int64

// NewTestDB opens a fresh in-memory SQLite database, migrates the job
// store schema, and returns it. Each call gets its own isolated database.
func NewTestDB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open test sqlite db: %v", err)
	}

	if err := gdb.AutoMigrate(&domain.Job{}, &domain.JobEvent{}, &domain.JobResult{}); err != nil {
		tb.Fatalf("automigrate test db: %v", err)
	}

	sqlDB, err := gdb.DB()
	if err == nil {
		tb.Cleanup(func() { _ = sqlDB.Close() })
	}

	return gdb
}
