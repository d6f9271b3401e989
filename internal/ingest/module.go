package ingest

import (
	apphttp "fieldsync_backend/internal/http"
	"fieldsync_backend/platform/logger"
	"fieldsync_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Module is the webhook ingestion bounded context implementing http.Module.
type Module struct {
	handler *Handler
	repo    *Repository
}

// NewModule creates and initializes the ingest module with all its dependencies.
func NewModule(pool *pgxpool.Pool, enqueuer Enqueuer, val *validator.Validator, log *logger.Logger) *Module {
	repo := NewRepository(pool)
	service := NewService(repo, enqueuer, log)
	handler := NewHandler(service, val)

	return &Module{handler: handler, repo: repo}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "ingest"
}

// Repository exposes the inbox repository for the worker and operator modules.
func (m *Module) Repository() *Repository {
	return m.repo
}

// RegisterRoutes mounts the webhook route on the secured group.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Secured.POST("/webhook/events", ctx.WebhookRateLimit, m.handler.HandleWebhook)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
