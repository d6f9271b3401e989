package ops

import (
	apphttp "fieldsync_backend/internal/http"
)

// Module is the operator bounded context implementing http.Module.
type Module struct {
	handler *Handler
}

func NewModule(handler *Handler) *Module {
	return &Module{handler: handler}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "ops"
}

// RegisterRoutes mounts the operator routes on the secured group.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	grp := ctx.Secured.Group("/ops")

	grp.GET("/summary", m.handler.HandleSummary)

	grp.GET("/dead-letters", m.handler.HandleListDeadLetters)
	grp.POST("/dead-letters/:id/resolve", m.handler.HandleResolveDeadLetter)
	grp.POST("/dead-letters/:id/discard", m.handler.HandleDiscardDeadLetter)
	grp.POST("/dead-letters/:id/retry", m.handler.HandleRetryDeadLetter)

	grp.GET("/sync-records", m.handler.HandleListSyncRecords)

	grp.GET("/margin-alerts", m.handler.HandleListMarginAlerts)
	grp.POST("/margin-alerts/:id/status", m.handler.HandleUpdateMarginAlert)

	grp.GET("/payment-alerts", m.handler.HandleListPaymentAlerts)
	grp.POST("/payment-alerts/:id/status", m.handler.HandleUpdatePaymentAlert)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
