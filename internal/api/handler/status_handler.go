package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health handles GET /health
// Reports whether the database and the broker are reachable
func (h *StatusHandler) Health(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	if h.database != nil {
		if err := h.database.HealthCheck(c.Request.Context()); err != nil {
			h.logger.Warn("Database health check failed", slog.String("error", err.Error()))
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}

	if h.broker != nil {
		if h.broker.IsConnected() {
			checks["rabbitmq"] = "ok"
		} else {
			checks["rabbitmq"] = "disconnected"
			healthy = false
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":  state,
		"service": "etm-worker",
		"checks":  checks,
	})
}

// Status handles GET /status
// Returns the current pipeline state and job counters
func (h *StatusHandler) Status(c *gin.Context) {
	if h.worker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "worker not running",
		})
		return
	}

	c.JSON(http.StatusOK, h.worker.Stats())
}
