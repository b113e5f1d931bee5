package config

import (
	"testing"
	"time"
)

func TestLoadDefaultsToSQLiteAllRoles(t *testing.T) {
	c := Load()
	if c.RuntimeRole != "all" {
		t.Fatalf("expected default runtime role 'all', got %q", c.RuntimeRole)
	}
	if c.DBBackend != "sqlite" {
		t.Fatalf("expected default backend sqlite, got %q", c.DBBackend)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got: %v", err)
	}
}

func TestValidateRejectsUnknownRuntimeRole(t *testing.T) {
	c := Load()
	c.RuntimeRole = "bogus"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for invalid runtime role")
	}
}

func TestValidateRequiresDBURIForPostgres(t *testing.T) {
	c := Load()
	c.DBBackend = "postgres"
	c.DBURI = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when postgres backend has no DB_URI")
	}
}

func TestLoadDefaultsMetricsEnabled(t *testing.T) {
	c := Load()
	if !c.MetricsEnabled {
		t.Fatal("expected METRICS_ENABLED to default to true")
	}
}

func TestLoadReadsStaleJobSecondsEnvVar(t *testing.T) {
	t.Setenv("STALE_JOB_SECONDS", "1")
	t.Setenv("QUEUE_POLL_SECONDS", "2")
	t.Setenv("HEARTBEAT_SECONDS", "3")

	c := Load()
	if c.StaleAfter != time.Second {
		t.Fatalf("expected StaleAfter=1s from STALE_JOB_SECONDS, got %v", c.StaleAfter)
	}
	if c.QueuePollInterval != 2*time.Second {
		t.Fatalf("expected QueuePollInterval=2s from QUEUE_POLL_SECONDS, got %v", c.QueuePollInterval)
	}
	if c.HeartbeatInterval != 3*time.Second {
		t.Fatalf("expected HeartbeatInterval=3s from HEARTBEAT_SECONDS, got %v", c.HeartbeatInterval)
	}
}
