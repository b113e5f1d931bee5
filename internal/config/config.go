// Package config loads NimbusChain Fetch's runtime configuration from
// the environment. Every field has a sane default so the binary boots
// in a single-node, SQLite-backed, all-roles configuration with zero
// environment variables set.
package config

import (
	"fmt"
	"time"

	"github.com/nimbuschain/fetch/internal/platform/envutil"
)

// Config is the fully resolved process configuration.
type Config struct {
	RuntimeRole string // api | worker | all

	Port     int
	LogMode  string // dev | prod
	APIKey   string // empty disables auth entirely

	CORSOrigins    []string
	MaxRequestMB   int
	MetricsEnabled bool

	DBBackend string // postgres | sqlite
	DBURI     string // postgres DSN
	DBPath    string // sqlite file path

	DataDir string

	MaxJobs          int
	ProviderLimits   map[string]int
	WorkerConcurrency int
	QueuePollInterval time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	RequeueInterval   time.Duration

	EventPollInterval      time.Duration
	EventHeartbeatInterval time.Duration

	RedisAddr string // empty disables the wake-bus accelerator
}

// Load resolves Config from the process environment.
func Load() Config {
	return Config{
		RuntimeRole: envutil.String("RUNTIME_ROLE", "all"),

		Port:    envutil.Int("PORT", 8080),
		LogMode: envutil.String("LOG_MODE", "dev"),
		APIKey:  envutil.String("API_KEY", ""),

		CORSOrigins:    envutil.StringSlice("CORS_ORIGINS", []string{"*"}),
		MaxRequestMB:   envutil.Int("MAX_REQUEST_MB", 10),
		MetricsEnabled: envutil.Bool("METRICS_ENABLED", true),

		DBBackend: envutil.String("DB_BACKEND", "sqlite"),
		DBURI:     envutil.String("DB_URI", ""),
		DBPath:    envutil.String("DB_PATH", "nimbuschain-fetch.db"),

		DataDir: envutil.String("DATA_DIR", "./data"),

		MaxJobs:           envutil.Int("MAX_JOBS", 4),
		ProviderLimits:    envutil.IntMap("PROVIDER_LIMITS", map[string]int{}),
		WorkerConcurrency: envutil.Int("WORKER_CONCURRENCY", 4),
		QueuePollInterval: envutil.Seconds("QUEUE_POLL_SECONDS", time.Second),
		HeartbeatInterval: envutil.Seconds("HEARTBEAT_SECONDS", 30*time.Second),
		StaleAfter:        envutil.Seconds("STALE_JOB_SECONDS", 5*time.Minute),
		RequeueInterval:   envutil.Duration("REQUEUE_INTERVAL", time.Minute),

		EventPollInterval:      envutil.Duration("EVENT_POLL_INTERVAL", time.Second),
		EventHeartbeatInterval: envutil.Duration("EVENT_HEARTBEAT_INTERVAL", 15*time.Second),

		RedisAddr: envutil.String("REDIS_ADDR", ""),
	}
}

// Validate checks invariants Load cannot enforce by itself (e.g. backend
// enum membership) before the process starts serving or working.
func (c Config) Validate() error {
	switch c.RuntimeRole {
	case "api", "worker", "all":
	default:
		return fmt.Errorf("invalid RUNTIME_ROLE %q: must be api, worker, or all", c.RuntimeRole)
	}
	switch c.DBBackend {
	case "postgres":
		if c.DBURI == "" {
			return fmt.Errorf("DB_URI is required when DB_BACKEND=postgres")
		}
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required when DB_BACKEND=sqlite")
		}
	default:
		return fmt.Errorf("invalid DB_BACKEND %q: must be postgres or sqlite", c.DBBackend)
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	return nil
}
