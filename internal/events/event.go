// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"fieldsync_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// =============================================================================
// Pipeline Events
// =============================================================================

// EventDeadLettered is published when a webhook event exhausts its primary
// retries and is handed to the dead-letter pipeline.
type EventDeadLettered struct {
	BaseEvent
	DeadLetterID uuid.UUID `json:"deadLetterId"`
	EventID      string    `json:"eventId"`
	AccountID    string    `json:"accountId"`
	Topic        string    `json:"topic"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"lastError"`
}

func (e EventDeadLettered) EventName() string { return "pipeline.event.dead_lettered" }

// DeadLetterExhausted is published when a dead-letter item runs out of its own
// retry budget and requires manual resolution.
type DeadLetterExhausted struct {
	BaseEvent
	DeadLetterID uuid.UUID `json:"deadLetterId"`
	EventID      string    `json:"eventId"`
	AccountID    string    `json:"accountId"`
	Topic        string    `json:"topic"`
	RetryCount   int       `json:"retryCount"`
	LastError    string    `json:"lastError"`
}

func (e DeadLetterExhausted) EventName() string { return "pipeline.deadletter.exhausted" }

// =============================================================================
// Reconciliation Events
// =============================================================================

// ChangeOrderFlagged is published when a quote/job diff violates policy and a
// change order is required instead of an automatic apply.
type ChangeOrderFlagged struct {
	BaseEvent
	SyncRecordID uuid.UUID `json:"syncRecordId"`
	AccountID    string    `json:"accountId"`
	QuoteID      string    `json:"quoteId"`
	JobID        string    `json:"jobId"`
	Reason       string    `json:"reason"`
}

func (e ChangeOrderFlagged) EventName() string { return "reconcile.change_order.flagged" }

// =============================================================================
// Billing Events
// =============================================================================

// InvoiceIssued is published after an invoice is created and sent for a
// billing milestone.
type InvoiceIssued struct {
	BaseEvent
	AccountID   string `json:"accountId"`
	JobID       string `json:"jobId"`
	InvoiceType string `json:"invoiceType"`
	AmountCents int64  `json:"amountCents"`
	ExternalID  string `json:"externalId"`
}

func (e InvoiceIssued) EventName() string { return "billing.invoice.issued" }

// =============================================================================
// Alert Events
// =============================================================================

// MarginAlertRaised is published when a job's margin risk breaches a threshold.
type MarginAlertRaised struct {
	BaseEvent
	AlertID   uuid.UUID `json:"alertId"`
	AccountID string    `json:"accountId"`
	JobID     string    `json:"jobId"`
	AlertType string    `json:"alertType"`
	Severity  string    `json:"severity"`
}

func (e MarginAlertRaised) EventName() string { return "margin.alert.raised" }

// ReconciliationAlertRaised is published when invoice/payment totals disagree.
type ReconciliationAlertRaised struct {
	BaseEvent
	AlertID    uuid.UUID `json:"alertId"`
	AccountID  string    `json:"accountId"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	AlertType  string    `json:"alertType"`
	Severity   string    `json:"severity"`
}

func (e ReconciliationAlertRaised) EventName() string { return "payments.alert.raised" }
