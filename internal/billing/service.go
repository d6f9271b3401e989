package billing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"fieldsync_backend/internal/events"
	"fieldsync_backend/internal/fsm"
	"fieldsync_backend/platform/apperr"
	"fieldsync_backend/platform/logger"
)

// FSMClient is the slice of the FSM API the billing engine needs.
type FSMClient interface {
	GetJob(ctx context.Context, id string) (fsm.Job, error)
	CreateInvoice(ctx context.Context, input fsm.InvoiceInput) (fsm.Invoice, error)
	SendInvoice(ctx context.Context, invoiceID string) error
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

// Store persists billing states and invoice rows.
type Store interface {
	UpsertState(ctx context.Context, accountID, jobID string, milestone Milestone, serviceType string, totalCents int64) (State, error)
	SetInvoicedFlag(ctx context.Context, stateID uuid.UUID, t InvoiceType) error
	GetInvoice(ctx context.Context, stateID uuid.UUID, t InvoiceType) (*InvoiceRow, error)
	InsertPending(ctx context.Context, stateID uuid.UUID, t InvoiceType, amountCents int64) (InvoiceRow, error)
	MarkCreated(ctx context.Context, id uuid.UUID, externalID string) error
	MarkSent(ctx context.Context, id uuid.UUID) error
	RecordFailure(ctx context.Context, id uuid.UUID, cause error) error
	MarkPaidByExternalID(ctx context.Context, accountID, externalID string) (*InvoiceRow, *State, error)
}

// JobEvent is the pipeline's view of an inbound job webhook.
type JobEvent struct {
	Topic      string
	JobID      string
	AccountID  string
	OccurredAt time.Time
}

// InvoicePaidEvent is the pipeline's view of an INVOICE_PAID webhook.
type InvoicePaidEvent struct {
	InvoiceID  string
	AccountID  string
	OccurredAt time.Time
}

// Service is the milestone billing engine.
type Service struct {
	client  FSMClient
	fields  FieldResolver
	markers MarkerStore
	store   Store
	bus     events.Bus
	log     *logger.Logger
}

func NewService(client FSMClient, fields FieldResolver, markers MarkerStore, store Store, bus events.Bus, log *logger.Logger) *Service {
	return &Service{
		client:  client,
		fields:  fields,
		markers: markers,
		store:   store,
		bus:     bus,
		log:     log.WithComponent("billing"),
	}
}

// ProcessJobEvent advances the job's billing state and issues any invoices
// that became due. Idempotent: replays and out-of-order deliveries settle on
// the same state.
func (s *Service) ProcessJobEvent(ctx context.Context, ev JobEvent) error {
	milestone, ok := MilestoneForTopic(ev.Topic)
	if !ok {
		return nil
	}

	job, err := s.client.GetJob(ctx, ev.JobID)
	if err != nil {
		return err
	}

	state, err := s.store.UpsertState(ctx, ev.AccountID, ev.JobID, milestone, job.JobType, jobTotalCents(job))
	if err != nil {
		return err
	}

	// Percentages apply to the value captured on the state row, not to the
	// current fetch: line-item edits between milestones must not change the
	// base mid-schedule.
	rule := RuleForJobType(state.ServiceType)
	total := state.TotalJobValueCents
	if total == 0 {
		s.log.Debug("job has no billable value", "jobId", ev.JobID)
		return nil
	}

	for _, invoiceType := range rule.DueTypes(state.Milestone) {
		if state.Invoiced(invoiceType) {
			continue
		}
		amount := amountCents(total, rule.Pct(invoiceType))
		if amount == 0 {
			continue
		}
		if err := s.issueInvoice(ctx, job, state, invoiceType, amount); err != nil {
			return err
		}
	}
	return nil
}

// issueInvoice drives one invoice through pending -> created -> sent. The row
// is the resume point: a retried event picks up at whichever step failed.
func (s *Service) issueInvoice(ctx context.Context, job fsm.Job, state State, invoiceType InvoiceType, amount int64) error {
	row, err := s.store.InsertPending(ctx, state.ID, invoiceType, amount)
	if err != nil {
		return err
	}

	switch row.Status {
	case InvoiceSent, InvoicePaid:
		// Row finished previously but the flag write was lost; repair it.
		return s.finishInvoice(ctx, job, state, row)
	case InvoiceCreated:
		return s.sendAndFinish(ctx, job, state, row)
	}

	subject := fmt.Sprintf("%s invoice - %s", titleFor(invoiceType), job.Title)
	created, err := s.client.CreateInvoice(ctx, fsm.InvoiceInput{
		JobID:       job.ID,
		ClientID:    job.ClientID,
		Subject:     subject,
		AmountCents: amount,
	})
	if err != nil {
		if recErr := s.store.RecordFailure(ctx, row.ID, err); recErr != nil {
			s.log.Error("failed to record invoice create failure", "invoiceRowId", row.ID, "error", recErr)
		}
		return err
	}
	if err := s.store.MarkCreated(ctx, row.ID, created.ID); err != nil {
		return err
	}
	row.Status = InvoiceCreated
	external := created.ID
	row.ExternalID = &external

	return s.sendAndFinish(ctx, job, state, row)
}

func (s *Service) sendAndFinish(ctx context.Context, job fsm.Job, state State, row InvoiceRow) error {
	if row.ExternalID == nil {
		return apperr.Internal("created invoice row has no external id")
	}
	if err := s.client.SendInvoice(ctx, *row.ExternalID); err != nil {
		if recErr := s.store.RecordFailure(ctx, row.ID, err); recErr != nil {
			s.log.Error("failed to record invoice send failure", "invoiceRowId", row.ID, "error", recErr)
		}
		return err
	}
	if err := s.store.MarkSent(ctx, row.ID); err != nil {
		return err
	}
	return s.finishInvoice(ctx, job, state, row)
}

func (s *Service) finishInvoice(ctx context.Context, job fsm.Job, state State, row InvoiceRow) error {
	if err := s.store.SetInvoicedFlag(ctx, state.ID, row.InvoiceType); err != nil {
		return err
	}

	rule := RuleForJobType(state.ServiceType)
	s.setBillingStage(ctx, state.AccountID, job.ID, rule.Stages[row.InvoiceType].Invoiced)

	external := ""
	if row.ExternalID != nil {
		external = *row.ExternalID
	}
	s.bus.Publish(ctx, events.InvoiceIssued{
		BaseEvent:   events.NewBaseEvent(),
		AccountID:   state.AccountID,
		JobID:       job.ID,
		InvoiceType: string(row.InvoiceType),
		AmountCents: row.AmountCents,
		ExternalID:  external,
	})

	s.log.Info("milestone invoice issued",
		"jobId", job.ID,
		"invoiceType", row.InvoiceType,
		"amountCents", row.AmountCents,
		"externalId", external)
	return nil
}

// ProcessInvoicePaid marks our invoice row paid when the FSM reports payment
// and advances the job's billing-stage label.
func (s *Service) ProcessInvoicePaid(ctx context.Context, ev InvoicePaidEvent) error {
	row, state, err := s.store.MarkPaidByExternalID(ctx, ev.AccountID, ev.InvoiceID)
	if err != nil {
		return err
	}
	if row == nil {
		s.log.Debug("paid invoice is not milestone-billed", "invoiceId", ev.InvoiceID)
		return nil
	}

	rule := RuleForJobType(state.ServiceType)
	s.setBillingStage(ctx, state.AccountID, state.JobID, rule.Stages[row.InvoiceType].Paid)

	s.log.Info("milestone invoice paid", "jobId", state.JobID, "invoiceType", row.InvoiceType)
	return nil
}

// setBillingStage mirrors the stage label to the FSM custom field. Best
// effort: failures are logged and swallowed.
func (s *Service) setBillingStage(ctx context.Context, accountID, jobID, stage string) {
	if stage == "" {
		return
	}
	if err := s.markers.MarkSelf(ctx, accountID, "job", jobID); err != nil {
		s.log.Error("failed to mark self write before stage update", "jobId", jobID, "error", err)
		return
	}
	fieldID, err := s.fields.FieldID(ctx, fsm.FieldBillingStage)
	if err != nil {
		s.log.Error("failed to resolve billing stage field", "jobId", jobID, "error", err)
		return
	}
	if err := s.client.SetJobCustomField(ctx, jobID, fieldID, stage); err != nil {
		s.log.Error("failed to set billing stage field", "jobId", jobID, "stage", stage, "error", err)
	}
}

func jobTotalCents(job fsm.Job) int64 {
	if job.TotalCents > 0 {
		return job.TotalCents
	}
	var total int64
	for _, item := range job.LineItems {
		total += item.TotalCents()
	}
	return total
}

func amountCents(totalCents int64, pct float64) int64 {
	return int64(math.Round(float64(totalCents) * pct / 100))
}

func titleFor(t InvoiceType) string {
	switch t {
	case InvoiceDeposit:
		return "Deposit"
	case InvoiceProgress:
		return "Progress"
	case InvoiceFinal:
		return "Final"
	}
	return "Invoice"
}
