package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fieldsync_backend/internal/events"
	"fieldsync_backend/internal/fsm"
	"fieldsync_backend/platform/logger"
)

// criticalVarianceCents is the absolute payment variance above which a
// mismatch is critical rather than a warning.
const criticalVarianceCents = 10000

// maxDepositShare is the largest fraction of the invoice total a single
// deposit payment may cover.
const maxDepositShare = 0.5

// FSMClient is the slice of the FSM API the payment reconciler needs.
type FSMClient interface {
	GetInvoice(ctx context.Context, id string) (fsm.Invoice, error)
	GetInvoicePayments(ctx context.Context, invoiceID string) ([]fsm.Payment, error)
	SetJobCustomField(ctx context.Context, jobID, fieldID, value string) error
}

// FieldResolver resolves custom field names to FSM field ids.
type FieldResolver interface {
	FieldID(ctx context.Context, name string) (string, error)
}

// MarkerStore records self-writes so echoed webhooks are suppressed.
type MarkerStore interface {
	MarkSelf(ctx context.Context, accountID, objectType, objectID string) error
}

// AlertStore persists reconciliation alerts.
type AlertStore interface {
	Upsert(ctx context.Context, a Alert) (Alert, bool, error)
	ResolveForEntity(ctx context.Context, accountID, entityType, entityID string) (int64, error)
}

// InvoiceEvent is the pipeline's view of an invoice or payment webhook,
// already resolved to the invoice it concerns.
type InvoiceEvent struct {
	Topic      string
	InvoiceID  string
	AccountID  string
	OccurredAt time.Time
}

// Finding is one inconsistency detected during reconciliation.
type Finding struct {
	AlertType string
	Severity  string
	Message   string
	Details   map[string]any
}

// Service is the payment reconciliation engine.
type Service struct {
	client  FSMClient
	fields  FieldResolver
	markers MarkerStore
	alerts  AlertStore
	bus     events.Bus
	log     *logger.Logger
}

func NewService(client FSMClient, fields FieldResolver, markers MarkerStore, alerts AlertStore, bus events.Bus, log *logger.Logger) *Service {
	return &Service{
		client:  client,
		fields:  fields,
		markers: markers,
		alerts:  alerts,
		bus:     bus,
		log:     log.WithComponent("payments"),
	}
}

// ProcessInvoiceEvent re-reconciles one invoice against its payments.
func (s *Service) ProcessInvoiceEvent(ctx context.Context, ev InvoiceEvent) error {
	invoice, err := s.client.GetInvoice(ctx, ev.InvoiceID)
	if err != nil {
		return err
	}
	payments, err := s.client.GetInvoicePayments(ctx, ev.InvoiceID)
	if err != nil {
		return err
	}

	findings := Reconcile(invoice, payments)
	if len(findings) == 0 {
		resolved, err := s.alerts.ResolveForEntity(ctx, ev.AccountID, "invoice", invoice.ID)
		if err != nil {
			return err
		}
		if resolved > 0 {
			s.log.Info("invoice reconciled clean, alerts resolved", "invoiceId", invoice.ID, "resolved", resolved)
		}
		s.setReviewMarker(ctx, ev.AccountID, invoice.JobID, "ok")
		return nil
	}

	for _, finding := range findings {
		details, _ := json.Marshal(finding.Details)
		alert, opened, err := s.alerts.Upsert(ctx, Alert{
			AccountID:  ev.AccountID,
			EntityType: "invoice",
			EntityID:   invoice.ID,
			AlertType:  finding.AlertType,
			Severity:   finding.Severity,
			Message:    finding.Message,
			Details:    details,
		})
		if err != nil {
			return err
		}
		if opened {
			s.bus.Publish(ctx, events.ReconciliationAlertRaised{
				BaseEvent:  events.NewBaseEvent(),
				AlertID:    alert.ID,
				AccountID:  alert.AccountID,
				EntityType: alert.EntityType,
				EntityID:   alert.EntityID,
				AlertType:  alert.AlertType,
				Severity:   alert.Severity,
			})
		}
		s.log.Info("reconciliation finding",
			"invoiceId", invoice.ID,
			"alertType", finding.AlertType,
			"severity", finding.Severity,
			"opened", opened)
	}

	s.setReviewMarker(ctx, ev.AccountID, invoice.JobID, "needs review")
	return nil
}

// setReviewMarker mirrors the reconciliation state to the job's payment
// review custom field. Best effort.
func (s *Service) setReviewMarker(ctx context.Context, accountID, jobID, value string) {
	if jobID == "" {
		return
	}
	if err := s.markers.MarkSelf(ctx, accountID, "job", jobID); err != nil {
		s.log.Error("failed to mark self write before review marker", "jobId", jobID, "error", err)
		return
	}
	fieldID, err := s.fields.FieldID(ctx, fsm.FieldPaymentReview)
	if err != nil {
		s.log.Error("failed to resolve payment review field", "jobId", jobID, "error", err)
		return
	}
	if err := s.client.SetJobCustomField(ctx, jobID, fieldID, value); err != nil {
		s.log.Error("failed to set payment review field", "jobId", jobID, "error", err)
	}
}

// Reconcile checks an invoice against its payment records. Pure function.
func Reconcile(invoice fsm.Invoice, payments []fsm.Payment) []Finding {
	var findings []Finding

	var paymentSum int64
	deposits := 0
	var largestDeposit int64
	for _, p := range payments {
		paymentSum += p.AmountCents
		if p.IsDeposit() {
			deposits++
			if p.AmountCents > largestDeposit {
				largestDeposit = p.AmountCents
			}
		}
	}

	if variance := paymentSum - invoice.PaidTotalCents; variance != 0 {
		severity := SeverityWarning
		if abs64(variance) > criticalVarianceCents {
			severity = SeverityCritical
		}
		findings = append(findings, Finding{
			AlertType: AlertPaymentMismatch,
			Severity:  severity,
			Message: fmt.Sprintf("payment records sum to %d cents but the invoice reports %d cents paid (variance %d)",
				paymentSum, invoice.PaidTotalCents, variance),
			Details: map[string]any{
				"paymentSumCents":   paymentSum,
				"reportedPaidCents": invoice.PaidTotalCents,
				"varianceCents":     variance,
			},
		})
	}

	if deposits > 1 {
		findings = append(findings, Finding{
			AlertType: AlertDepositInconsistency,
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("%d deposit-tagged payments on one invoice", deposits),
			Details:   map[string]any{"depositCount": deposits},
		})
	} else if deposits == 1 && invoice.TotalCents > 0 && float64(largestDeposit) > float64(invoice.TotalCents)*maxDepositShare {
		findings = append(findings, Finding{
			AlertType: AlertDepositInconsistency,
			Severity:  SeverityWarning,
			Message: fmt.Sprintf("deposit of %d cents exceeds half the %d cent invoice total",
				largestDeposit, invoice.TotalCents),
			Details: map[string]any{
				"depositCents":      largestDeposit,
				"invoiceTotalCents": invoice.TotalCents,
			},
		})
	}

	return findings
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
