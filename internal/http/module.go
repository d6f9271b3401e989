package http

import (
	"github.com/gin-gonic/gin"
)

// Module is an HTTP-facing bounded context. Each one mounts its own routes so
// the router never hard-codes endpoints.
type Module interface {
	// Name identifies the module in logs.
	Name() string
	RegisterRoutes(ctx *RouterContext)
}

// RouterContext hands modules the route groups they may mount on.
type RouterContext struct {
	Engine *gin.Engine
	// V1 is the /api/v1 group.
	V1 *gin.RouterGroup
	// Secured requires the shared-secret header; the webhook receiver and
	// the operator endpoints both live under it.
	Secured *gin.RouterGroup
	// WebhookRateLimit is the per-IP limiter applied to the webhook route.
	WebhookRateLimit gin.HandlerFunc
}
