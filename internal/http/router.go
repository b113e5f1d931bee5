package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/nimbuschain/fetch/internal/http/handlers"
	httpMW "github.com/nimbuschain/fetch/internal/http/middleware"
	"github.com/nimbuschain/fetch/internal/observability"
	"github.com/nimbuschain/fetch/internal/platform/logger"
)

// RouterConfig wires every handler and cross-cutting policy the /v1
// surface needs.
type RouterConfig struct {
	HealthHandler *httpH.HealthHandler
	JobHandler    *httpH.JobHandler
	EventHandler  *httpH.EventHandler

	Metrics        *observability.Metrics
	MetricsEnabled bool
	Logger         *logger.Logger

	APIKey       string
	CORSOrigins  []string
	MaxRequestMB int
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.AttachRequestContext())
	r.Use(httpMW.RequestLogger(cfg.Logger))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins))
	if cfg.MaxRequestMB > 0 {
		r.Use(httpMW.MaxRequestSize(int64(cfg.MaxRequestMB) * 1024 * 1024))
	}

	// "/" and "/health" are the only routes the API key exemption names;
	// every other route, including /metrics, requires X-API-Key when one
	// is configured.
	r.GET("/", func(c *gin.Context) { c.JSON(200, gin.H{"service": "nimbuschain-fetch"}) })
	if cfg.HealthHandler != nil {
		r.GET("/health", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil && cfg.MetricsEnabled {
		r.GET("/metrics", httpMW.RequireAPIKey(cfg.APIKey), gin.WrapH(cfg.Metrics.Handler()))
	}

	v1 := r.Group("/v1")
	v1.Use(httpMW.RequireAPIKey(cfg.APIKey))
	{
		if cfg.JobHandler != nil {
			v1.POST("/jobs", cfg.JobHandler.CreateJob)
			v1.POST("/jobs/batch", cfg.JobHandler.CreateJobsBatch)
			v1.GET("/jobs", cfg.JobHandler.ListJobs)
			v1.GET("/jobs/:id", cfg.JobHandler.GetJob)
			v1.DELETE("/jobs/:id", cfg.JobHandler.CancelJob)
			v1.GET("/jobs/:id/result", cfg.JobHandler.GetResult)
		}
		if cfg.EventHandler != nil {
			v1.GET("/events", cfg.EventHandler.Stream)
		}
	}

	return r
}
