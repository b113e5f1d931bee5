// Package app wires NimbusChain Fetch's components together: config,
// storage, providers, the downloader, the runner, the executor, the
// event tailer, and the HTTP server — gated by RUNTIME_ROLE.
package app

import (
	"context"
	"fmt"

	"github.com/nimbuschain/fetch/internal/config"
	"github.com/nimbuschain/fetch/internal/data/db"
	"github.com/nimbuschain/fetch/internal/download"
	"github.com/nimbuschain/fetch/internal/events"
	"github.com/nimbuschain/fetch/internal/executor"
	nimbuschttp "github.com/nimbuschain/fetch/internal/http"
	"github.com/nimbuschain/fetch/internal/http/handlers"
	"github.com/nimbuschain/fetch/internal/observability"
	"github.com/nimbuschain/fetch/internal/platform/logger"
	"github.com/nimbuschain/fetch/internal/provider"
	"github.com/nimbuschain/fetch/internal/realtime/wakebus"
	"github.com/nimbuschain/fetch/internal/runner"
	"github.com/nimbuschain/fetch/internal/store"

	"github.com/redis/go-redis/v9"
)

// App holds every long-lived component a running process needs,
// constructed once at startup and shut down together.
type App struct {
	Config    config.Config
	Log       *logger.Logger
	DB        *db.Service
	Store     store.JobStore
	Providers *provider.Registry
	Metrics   *observability.Metrics
	Executor  *executor.Executor
	Server    *nimbuschttp.Server

	cancelBackground context.CancelFunc
}

// New constructs every component NimbusChain Fetch wires at startup.
// Concrete acquisition backends are outside this core; callers that need
// one register it on the fresh registry through registerProviders.
func New(cfg config.Config, registerProviders func(*provider.Registry)) (*App, error) {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	var dbSvc *db.Service
	switch cfg.DBBackend {
	case "postgres":
		dbSvc, err = db.OpenPostgres(cfg.DBURI, log)
	case "sqlite":
		dbSvc, err = db.OpenSQLite(cfg.DBPath, log)
	default:
		return nil, fmt.Errorf("unsupported DB_BACKEND %q", cfg.DBBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	st := store.New(dbSvc.DB(), dbSvc.DialectName)
	registry := provider.NewRegistry()
	if registerProviders != nil {
		registerProviders(registry)
	}

	metrics := observability.New()

	var wake *wakebus.Bus
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		wake = wakebus.New(rdb, log)
		st.SetWaker(wake)
	}

	dl := download.New(download.Config{})
	rn := runner.New(st, registry, dl, log, runner.Config{DataRoot: cfg.DataDir})
	exec := executor.New(st, registry, rn, log, executor.Config{
		WorkerConcurrency: cfg.WorkerConcurrency,
		MaxJobs:           cfg.MaxJobs,
		ProviderLimits:    cfg.ProviderLimits,
		PollInterval:      cfg.QueuePollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleAfter:        cfg.StaleAfter,
		RequeueInterval:   cfg.RequeueInterval,
	})

	tailer := events.New(st, events.Config{
		PollInterval:      cfg.EventPollInterval,
		HeartbeatInterval: cfg.EventHeartbeatInterval,
	})

	jobHandler := handlers.NewJobHandler(st, registry, metrics, log)
	eventHandler := handlers.NewEventHandler(tailer, wake, metrics, log)
	healthHandler := handlers.NewHealthHandler(cfg.RuntimeRole, cfg.DBBackend, cfg.MetricsEnabled)

	router := nimbuschttp.NewRouter(nimbuschttp.RouterConfig{
		HealthHandler:  healthHandler,
		JobHandler:     jobHandler,
		EventHandler:   eventHandler,
		Metrics:        metrics,
		MetricsEnabled: cfg.MetricsEnabled,
		Logger:         log,
		APIKey:         cfg.APIKey,
		CORSOrigins:    cfg.CORSOrigins,
		MaxRequestMB:   cfg.MaxRequestMB,
	})

	return &App{
		Config:    cfg,
		Log:       log,
		DB:        dbSvc,
		Store:     st,
		Providers: registry,
		Metrics:   metrics,
		Executor:  exec,
		Server:    &nimbuschttp.Server{Engine: router},
	}, nil
}

// Run starts whichever roles RUNTIME_ROLE selects and blocks until ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	a.cancelBackground = cancel

	runWorker := a.Config.RuntimeRole == "worker" || a.Config.RuntimeRole == "all"
	runAPI := a.Config.RuntimeRole == "api" || a.Config.RuntimeRole == "all"

	if runWorker {
		a.Executor.Start(bgCtx)
		a.Log.Info("worker role started", "worker_concurrency", a.Config.WorkerConcurrency)
	}

	if !runAPI {
		<-ctx.Done()
		cancel()
		a.Executor.Wait()
		return nil
	}

	addr := fmt.Sprintf(":%d", a.Config.Port)
	a.Log.Info("api role started", "addr", addr)
	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Run(addr) }()

	select {
	case <-ctx.Done():
		cancel()
		a.Executor.Wait()
		return nil
	case err := <-errCh:
		cancel()
		a.Executor.Wait()
		return err
	}
}
