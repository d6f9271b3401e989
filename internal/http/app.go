// Package http assembles the HTTP surface from self-registering modules.
package http

import (
	"context"

	"fieldsync_backend/platform/config"
	"fieldsync_backend/platform/logger"
)

// HealthChecker is what the readiness endpoint probes.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// App carries the wired dependencies from the composition root to the router.
type App struct {
	Config config.HTTPConfig
	Logger *logger.Logger
	// Health backs the readiness endpoint, normally the db pool.
	Health HealthChecker
	// Modules register their own routes; the router stays ignorant of them.
	Modules []Module
}
