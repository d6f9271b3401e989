// Package router wires the gin engine: shared middleware, health endpoint,
// and route registration for every HTTP-facing module.
package router

import (
	"context"
	"net/http"
	"time"

	apphttp "fieldsync_backend/internal/http"
	"fieldsync_backend/platform/httpkit"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// New builds the gin engine from the composed application.
func New(app *apphttp.App) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpkit.RequestLogger(app.Logger))
	engine.Use(httpkit.SecurityHeaders())

	if app.Config.GetCORSAllowAll() {
		engine.Use(cors.Default())
	} else if origins := app.Config.GetCORSOrigins(); len(origins) > 0 {
		cfg := cors.DefaultConfig()
		cfg.AllowOrigins = origins
		cfg.AllowHeaders = append(cfg.AllowHeaders, httpkit.SharedSecretHeader)
		engine.Use(cors.New(cfg))
	}

	engine.GET("/api/health", func(c *gin.Context) {
		if app.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := app.Health.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/api/v1")
	secured := v1.Group("")
	secured.Use(httpkit.SharedSecretAuth(app.Config))

	webhookLimiter := httpkit.NewIPRateLimiter(
		rate.Limit(app.Config.GetWebhookRatePerSecond()),
		app.Config.GetWebhookRateBurst(),
		app.Logger,
	)

	ctx := &apphttp.RouterContext{
		Engine:           engine,
		V1:               v1,
		Secured:          secured,
		WebhookRateLimit: webhookLimiter.RateLimit(),
	}

	for _, m := range app.Modules {
		m.RegisterRoutes(ctx)
		app.Logger.Info("module routes registered", "module", m.Name())
	}

	return engine
}
