package ingest

import (
	"encoding/json"
	"net/http"
	"time"

	"fieldsync_backend/platform/httpkit"
	"fieldsync_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

// WebhookRequest is the inbound webhook payload from the FSM.
type WebhookRequest struct {
	WebhookEventID string          `json:"webhookEventId" validate:"required,max=128"`
	AccountID      string          `json:"accountId" validate:"required,max=128"`
	Topic          string          `json:"topic" validate:"required,max=64"`
	Data           json.RawMessage `json:"data"`
	ResourceID     string          `json:"resourceId"`
	OccurredAt     time.Time       `json:"occurredAt" validate:"required"`
}

// WebhookResponse acknowledges receipt.
type WebhookResponse struct {
	Status    string `json:"status"` // accepted, duplicate, unsupported
	EventID   string `json:"eventId"`
	Supported bool   `json:"supported"`
}

// Handler handles inbound webhook HTTP requests.
type Handler struct {
	service *Service
	val     *validator.Validator
}

// NewHandler creates a new ingest handler.
func NewHandler(service *Service, val *validator.Validator) *Handler {
	return &Handler{service: service, val: val}
}

// HandleWebhook accepts an FSM webhook delivery.
// POST /api/v1/webhook/events
// The response is an acknowledgment only; processing happens asynchronously.
func (h *Handler) HandleWebhook(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation error", err.Error())
		return
	}

	result, err := h.service.Accept(c.Request.Context(), InboundEvent{
		EventID:    req.WebhookEventID,
		AccountID:  req.AccountID,
		Topic:      req.Topic,
		ResourceID: req.ResourceID,
		Data:       req.Data,
		OccurredAt: req.OccurredAt,
	})
	if httpkit.HandleError(c, err) {
		return
	}

	status := "accepted"
	switch {
	case result.Duplicate:
		status = "duplicate"
	case !result.Supported:
		status = "unsupported"
	}

	c.JSON(http.StatusAccepted, WebhookResponse{
		Status:    status,
		EventID:   req.WebhookEventID,
		Supported: result.Supported,
	})
}
