// Package ops provides the operator surface: pipeline health summaries,
// dead-letter management, and alert lifecycle endpoints.
package ops

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"fieldsync_backend/internal/deadletter"
	"fieldsync_backend/internal/ingest"
	"fieldsync_backend/internal/margin"
	"fieldsync_backend/internal/payments"
	"fieldsync_backend/internal/reconcile"
	"fieldsync_backend/platform/httpkit"
	"fieldsync_backend/platform/logger"
	"fieldsync_backend/platform/validator"
)

// InboxStore is the inbox surface the operator endpoints read.
type InboxStore interface {
	CountByStatus(ctx context.Context, accountID string) (map[string]int, error)
	Reopen(ctx context.Context, id uuid.UUID) error
}

// DeadLetterStore is the dead-letter surface the operator endpoints drive.
type DeadLetterStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (deadletter.Item, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]deadletter.Item, error)
	CountByStatus(ctx context.Context, accountID string) (map[string]int, error)
	MarkResolved(ctx context.Context, id uuid.UUID) error
	MarkDiscarded(ctx context.Context, id uuid.UUID) error
}

// SyncStore lists quote/job sync records.
type SyncStore interface {
	ListByAccount(ctx context.Context, accountID string, limit int) ([]reconcile.Record, error)
	CountByStatus(ctx context.Context, accountID string) (map[string]int64, error)
}

// MarginAlertStore is the margin alert surface.
type MarginAlertStore interface {
	ListAlerts(ctx context.Context, accountID string, limit int) ([]margin.Alert, error)
	CountBySeverity(ctx context.Context, accountID string) (map[string]int64, error)
	UpdateAlertStatus(ctx context.Context, accountID string, id uuid.UUID, status string) error
}

// PaymentAlertStore is the reconciliation alert surface.
type PaymentAlertStore interface {
	List(ctx context.Context, accountID string, limit int) ([]payments.Alert, error)
	CountOpenBySeverity(ctx context.Context, accountID string) (map[string]int64, error)
	UpdateStatus(ctx context.Context, accountID string, id uuid.UUID, status string) error
}

// Enqueuer schedules an immediate reprocess of an inbox row.
type Enqueuer interface {
	EnqueueProcessEvent(ctx context.Context, eventRowID uuid.UUID, queue string, processAt time.Time) error
}

// Handler serves the operator endpoints.
type Handler struct {
	inbox    InboxStore
	dlq      DeadLetterStore
	sync     SyncStore
	margins  MarginAlertStore
	payAlert PaymentAlertStore
	enqueuer Enqueuer
	val      *validator.Validator
	log      *logger.Logger
}

func NewHandler(
	inbox InboxStore,
	dlq DeadLetterStore,
	sync SyncStore,
	margins MarginAlertStore,
	payAlert PaymentAlertStore,
	enqueuer Enqueuer,
	val *validator.Validator,
	log *logger.Logger,
) *Handler {
	return &Handler{
		inbox:    inbox,
		dlq:      dlq,
		sync:     sync,
		margins:  margins,
		payAlert: payAlert,
		enqueuer: enqueuer,
		val:      val,
		log:      log.WithComponent("ops"),
	}
}

// SummaryResponse aggregates pipeline and engine health for one account.
type SummaryResponse struct {
	Inbox         map[string]int   `json:"inbox"`
	DeadLetters   map[string]int   `json:"deadLetters"`
	SyncRecords   map[string]int64 `json:"syncRecords"`
	MarginAlerts  map[string]int64 `json:"marginAlerts"`
	PaymentAlerts map[string]int64 `json:"paymentAlerts"`
}

// HandleSummary reports per-status and per-severity counts.
// GET /api/v1/ops/summary?accountId=...
func (h *Handler) HandleSummary(c *gin.Context) {
	accountID, ok := requireAccountID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	inbox, err := h.inbox.CountByStatus(ctx, accountID)
	if httpkit.HandleError(c, err) {
		return
	}
	dead, err := h.dlq.CountByStatus(ctx, accountID)
	if httpkit.HandleError(c, err) {
		return
	}
	syncCounts, err := h.sync.CountByStatus(ctx, accountID)
	if httpkit.HandleError(c, err) {
		return
	}
	marginCounts, err := h.margins.CountBySeverity(ctx, accountID)
	if httpkit.HandleError(c, err) {
		return
	}
	payCounts, err := h.payAlert.CountOpenBySeverity(ctx, accountID)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, SummaryResponse{
		Inbox:         inbox,
		DeadLetters:   dead,
		SyncRecords:   syncCounts,
		MarginAlerts:  marginCounts,
		PaymentAlerts: payCounts,
	})
}

// HandleListDeadLetters lists dead-letter items, newest first.
// GET /api/v1/ops/dead-letters?accountId=...&limit=50
func (h *Handler) HandleListDeadLetters(c *gin.Context) {
	accountID, ok := requireAccountID(c)
	if !ok {
		return
	}
	items, err := h.dlq.ListByAccount(c.Request.Context(), accountID, limitParam(c))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"items": items})
}

// HandleResolveDeadLetter closes an item as manually handled.
// POST /api/v1/ops/dead-letters/:id/resolve
func (h *Handler) HandleResolveDeadLetter(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	err := h.dlq.MarkResolved(c.Request.Context(), id)
	if errors.Is(err, deadletter.ErrNotFound) {
		httpkit.Error(c, http.StatusNotFound, "dead letter item not found or already closed", nil)
		return
	}
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"status": deadletter.StatusResolved})
}

// HandleDiscardDeadLetter permanently drops an item.
// POST /api/v1/ops/dead-letters/:id/discard
func (h *Handler) HandleDiscardDeadLetter(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	err := h.dlq.MarkDiscarded(c.Request.Context(), id)
	if errors.Is(err, deadletter.ErrNotFound) {
		httpkit.Error(c, http.StatusNotFound, "dead letter item not found or already closed", nil)
		return
	}
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"status": deadletter.StatusDiscarded})
}

// HandleRetryDeadLetter replays an item's event immediately, outside the
// sweep schedule.
// POST /api/v1/ops/dead-letters/:id/retry
func (h *Handler) HandleRetryDeadLetter(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	item, err := h.dlq.GetByID(ctx, id)
	if errors.Is(err, deadletter.ErrNotFound) {
		httpkit.Error(c, http.StatusNotFound, "dead letter item not found", nil)
		return
	}
	if httpkit.HandleError(c, err) {
		return
	}
	if item.Status == deadletter.StatusResolved || item.Status == deadletter.StatusDiscarded {
		httpkit.Error(c, http.StatusConflict, "dead letter item already closed", nil)
		return
	}

	if err := h.inbox.Reopen(ctx, item.EventRowID); err != nil {
		httpkit.HandleError(c, err)
		return
	}
	if err := h.enqueuer.EnqueueProcessEvent(ctx, item.EventRowID, queueForTopic(item.Topic), time.Time{}); err != nil {
		httpkit.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "enqueued", "eventRowId": item.EventRowID})
}

// HandleListSyncRecords lists recent quote/job sync records.
// GET /api/v1/ops/sync-records?accountId=...&limit=50
func (h *Handler) HandleListSyncRecords(c *gin.Context) {
	accountID, ok := requireAccountID(c)
	if !ok {
		return
	}
	records, err := h.sync.ListByAccount(c.Request.Context(), accountID, limitParam(c))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"records": records})
}

// HandleListMarginAlerts lists margin alerts, open first.
// GET /api/v1/ops/margin-alerts?accountId=...&limit=50
func (h *Handler) HandleListMarginAlerts(c *gin.Context) {
	accountID, ok := requireAccountID(c)
	if !ok {
		return
	}
	alerts, err := h.margins.ListAlerts(c.Request.Context(), accountID, limitParam(c))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"alerts": alerts})
}

// AlertStatusRequest moves an alert through its lifecycle.
type AlertStatusRequest struct {
	AccountID string `json:"accountId" validate:"required,max=128"`
	Status    string `json:"status" validate:"required,oneof=acknowledged resolved dismissed"`
}

// HandleUpdateMarginAlert acknowledges, resolves, or dismisses a margin alert.
// POST /api/v1/ops/margin-alerts/:id/status
func (h *Handler) HandleUpdateMarginAlert(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	req, ok := h.bindAlertStatus(c)
	if !ok {
		return
	}
	if httpkit.HandleError(c, h.margins.UpdateAlertStatus(c.Request.Context(), req.AccountID, id, req.Status)) {
		return
	}
	httpkit.OK(c, gin.H{"status": req.Status})
}

// HandleListPaymentAlerts lists reconciliation alerts, open first.
// GET /api/v1/ops/payment-alerts?accountId=...&limit=50
func (h *Handler) HandleListPaymentAlerts(c *gin.Context) {
	accountID, ok := requireAccountID(c)
	if !ok {
		return
	}
	alerts, err := h.payAlert.List(c.Request.Context(), accountID, limitParam(c))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"alerts": alerts})
}

// HandleUpdatePaymentAlert acknowledges, resolves, or dismisses a
// reconciliation alert.
// POST /api/v1/ops/payment-alerts/:id/status
func (h *Handler) HandleUpdatePaymentAlert(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	req, ok := h.bindAlertStatus(c)
	if !ok {
		return
	}
	if httpkit.HandleError(c, h.payAlert.UpdateStatus(c.Request.Context(), req.AccountID, id, req.Status)) {
		return
	}
	httpkit.OK(c, gin.H{"status": req.Status})
}

func (h *Handler) bindAlertStatus(c *gin.Context) (AlertStatusRequest, bool) {
	var req AlertStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid payload", err.Error())
		return AlertStatusRequest{}, false
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation error", err.Error())
		return AlertStatusRequest{}, false
	}
	return req, true
}

func requireAccountID(c *gin.Context) (string, bool) {
	accountID := c.Query("accountId")
	if accountID == "" {
		httpkit.Error(c, http.StatusBadRequest, "accountId is required", nil)
		return "", false
	}
	return accountID, true
}

func idParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func limitParam(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}

func queueForTopic(topic string) string {
	q, ok := ingest.QueueFor(topic)
	if !ok {
		return ingest.QueueInvoices
	}
	return q
}
