package router

import (
	"github.com/gin-gonic/gin"
	"github.com/gridmaster/etm-worker/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with the operational routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	statusHandler := handler.NewStatusHandler(deps)

	r.GET("/health", statusHandler.Health)
	r.GET("/status", statusHandler.Status)

	return r
}
