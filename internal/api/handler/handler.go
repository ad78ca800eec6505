package handler

import (
	"context"
	"log/slog"

	"github.com/gridmaster/etm-worker/internal/worker"
)

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionChecker reports whether a broker connection is open
type ConnectionChecker interface {
	IsConnected() bool
}

// StatsProvider exposes the worker's progress
type StatsProvider interface {
	Stats() worker.Stats
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Database HealthChecker
	Broker   ConnectionChecker
	Worker   StatsProvider
}

// StatusHandler serves the worker's operational endpoints
type StatusHandler struct {
	logger   *slog.Logger
	database HealthChecker
	broker   ConnectionChecker
	worker   StatsProvider
}

// NewStatusHandler creates a new StatusHandler instance
func NewStatusHandler(deps *Dependencies) *StatusHandler {
	return &StatusHandler{
		logger:   deps.Logger,
		database: deps.Database,
		broker:   deps.Broker,
		worker:   deps.Worker,
	}
}
