package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler serves GET /health with enough runtime context for an
// operator to confirm which role and backend a given process is running.
type HealthHandler struct {
	RuntimeRole    string
	DBBackend      string
	MetricsEnabled bool
}

func NewHealthHandler(runtimeRole, dbBackend string, metricsEnabled bool) *HealthHandler {
	return &HealthHandler{RuntimeRole: runtimeRole, DBBackend: dbBackend, MetricsEnabled: metricsEnabled}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"timestamp":       time.Now().UTC(),
		"runtime_role":    h.RuntimeRole,
		"db_backend":      h.DBBackend,
		"metrics_enabled": h.MetricsEnabled,
	})
}
