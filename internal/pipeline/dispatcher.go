package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"

	"fieldsync_backend/internal/billing"
	"fieldsync_backend/internal/deadletter"
	"fieldsync_backend/internal/events"
	"fieldsync_backend/internal/ingest"
	"fieldsync_backend/internal/margin"
	"fieldsync_backend/internal/payments"
	"fieldsync_backend/internal/reconcile"
	"fieldsync_backend/platform/apperr"
	"fieldsync_backend/platform/config"
	"fieldsync_backend/platform/logger"
)

// InboxStore is the durable inbox surface the dispatcher drives.
type InboxStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (ingest.Event, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkSkipped(ctx context.Context, id uuid.UUID, reason string) error
	MarkRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, lastError string) (int, error)
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
}

// DeadLetterStore receives events that burned their retry budget.
type DeadLetterStore interface {
	Insert(ctx context.Context, it deadletter.Item) (deadletter.Item, error)
	ResolveByEventRow(ctx context.Context, eventRowID uuid.UUID) error
}

// Enqueuer schedules a deferred reprocess of an inbox row.
type Enqueuer interface {
	EnqueueProcessEvent(ctx context.Context, eventRowID uuid.UUID, queue string, processAt time.Time) error
}

// QuoteEngine reconciles approved quotes against their jobs.
type QuoteEngine interface {
	ProcessQuoteEvent(ctx context.Context, evt reconcile.QuoteEvent) error
}

// BillingEngine advances milestone billing for jobs and paid invoices.
type BillingEngine interface {
	ProcessJobEvent(ctx context.Context, evt billing.JobEvent) error
	ProcessInvoicePaid(ctx context.Context, evt billing.InvoicePaidEvent) error
}

// MarginEngine tracks labor variance from job and visit events.
type MarginEngine interface {
	ProcessJobEvent(ctx context.Context, evt margin.JobEvent) error
	ProcessVisitEvent(ctx context.Context, evt margin.VisitEvent) error
}

// PaymentsEngine reconciles invoice payments.
type PaymentsEngine interface {
	ProcessInvoiceEvent(ctx context.Context, evt payments.InvoiceEvent) error
}

// Dispatcher pulls inbox rows off the family queues and routes them through
// the engines. Retry and dead-letter decisions happen here, against the row,
// never inside asynq.
type Dispatcher struct {
	inbox    InboxStore
	dlq      DeadLetterStore
	enqueuer Enqueuer

	quotes  QuoteEngine
	billing BillingEngine
	margin  MarginEngine
	pay     PaymentsEngine

	bus events.Bus
	cfg config.PipelineConfig
	log *logger.Logger

	now func() time.Time
}

func NewDispatcher(
	inbox InboxStore,
	dlq DeadLetterStore,
	enqueuer Enqueuer,
	quotes QuoteEngine,
	billingEngine BillingEngine,
	marginEngine MarginEngine,
	pay PaymentsEngine,
	bus events.Bus,
	cfg config.PipelineConfig,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		inbox:    inbox,
		dlq:      dlq,
		enqueuer: enqueuer,
		quotes:   quotes,
		billing:  billingEngine,
		margin:   marginEngine,
		pay:      pay,
		bus:      bus,
		cfg:      cfg,
		log:      log.WithComponent("pipeline"),
		now:      time.Now,
	}
}

// HandleProcessEvent is the single asynq handler behind every family queue.
func (d *Dispatcher) HandleProcessEvent(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseProcessEventPayload(task)
	if err != nil {
		d.log.Error("unparseable pipeline task", "error", err)
		return nil
	}
	rowID, err := uuid.Parse(payload.EventRowID)
	if err != nil {
		d.log.Error("invalid event row id in pipeline task", "event_row_id", payload.EventRowID)
		return nil
	}
	return d.Process(ctx, rowID)
}

// Process runs one inbox row through its engines and books the outcome.
func (d *Dispatcher) Process(ctx context.Context, rowID uuid.UUID) error {
	evt, err := d.inbox.GetByID(ctx, rowID)
	if errors.Is(err, pgx.ErrNoRows) {
		d.log.Warn("inbox row vanished", "event_row_id", rowID)
		return nil
	}
	if err != nil {
		return err
	}

	switch evt.Status {
	case ingest.StatusCompleted, ingest.StatusSkipped, ingest.StatusFailed:
		// Recovery and sweeper re-enqueues can race a live delivery.
		return nil
	}

	if err := d.inbox.MarkProcessing(ctx, evt.ID); err != nil {
		return err
	}

	procErr := d.route(ctx, evt)
	return d.settle(ctx, evt, procErr)
}

func (d *Dispatcher) route(ctx context.Context, evt ingest.Event) error {
	switch evt.Topic {
	case ingest.TopicQuoteUpdate, ingest.TopicQuoteApproved:
		return d.quotes.ProcessQuoteEvent(ctx, reconcile.QuoteEvent{
			Topic:      evt.Topic,
			QuoteID:    evt.ObjectID,
			AccountID:  evt.AccountID,
			OccurredAt: evt.OccurredAt,
		})

	case ingest.TopicJobCreate, ingest.TopicJobScheduled, ingest.TopicJobStarted,
		ingest.TopicJobUpdate, ingest.TopicJobCompleted:
		// Billing first: the milestone advance must land before margin
		// re-reads the job.
		if err := d.billing.ProcessJobEvent(ctx, billing.JobEvent{
			Topic:      evt.Topic,
			JobID:      evt.ObjectID,
			AccountID:  evt.AccountID,
			OccurredAt: evt.OccurredAt,
		}); err != nil {
			return err
		}
		return d.margin.ProcessJobEvent(ctx, margin.JobEvent{
			Topic:      evt.Topic,
			JobID:      evt.ObjectID,
			AccountID:  evt.AccountID,
			OccurredAt: evt.OccurredAt,
		})

	case ingest.TopicVisitCreate, ingest.TopicVisitCompleted:
		return d.margin.ProcessVisitEvent(ctx, margin.VisitEvent{
			Topic:      evt.Topic,
			VisitID:    evt.ObjectID,
			AccountID:  evt.AccountID,
			OccurredAt: evt.OccurredAt,
		})

	case ingest.TopicInvoiceCreate, ingest.TopicInvoiceUpdate:
		return d.pay.ProcessInvoiceEvent(ctx, payments.InvoiceEvent{
			Topic:      evt.Topic,
			InvoiceID:  evt.ObjectID,
			AccountID:  evt.AccountID,
			OccurredAt: evt.OccurredAt,
		})

	case ingest.TopicInvoicePaid:
		if err := d.billing.ProcessInvoicePaid(ctx, billing.InvoicePaidEvent{
			InvoiceID:  evt.ObjectID,
			AccountID:  evt.AccountID,
			OccurredAt: evt.OccurredAt,
		}); err != nil {
			return err
		}
		return d.pay.ProcessInvoiceEvent(ctx, payments.InvoiceEvent{
			Topic:      evt.Topic,
			InvoiceID:  evt.ObjectID,
			AccountID:  evt.AccountID,
			OccurredAt: evt.OccurredAt,
		})

	case ingest.TopicPaymentCreated:
		invoiceID := invoiceIDFromPayload(evt.Payload)
		if invoiceID == "" {
			return apperr.BadRequest("payment event carries no invoice id")
		}
		return d.pay.ProcessInvoiceEvent(ctx, payments.InvoiceEvent{
			Topic:      evt.Topic,
			InvoiceID:  invoiceID,
			AccountID:  evt.AccountID,
			OccurredAt: evt.OccurredAt,
		})

	default:
		return apperr.BadRequest(fmt.Sprintf("unsupported topic %q", evt.Topic))
	}
}

// settle books the engine outcome on the inbox row: complete, skip, retry
// with backoff, or dead-letter.
func (d *Dispatcher) settle(ctx context.Context, evt ingest.Event, procErr error) error {
	if procErr == nil {
		if err := d.inbox.MarkCompleted(ctx, evt.ID); err != nil {
			return err
		}
		// A swept event that finally went through closes its item.
		if err := d.dlq.ResolveByEventRow(ctx, evt.ID); err != nil {
			d.log.Warn("failed to resolve dead letter item", "event_row_id", evt.ID, "error", err)
		}
		return nil
	}

	if apperr.GetKind(procErr) == apperr.KindNotFound {
		return d.inbox.MarkSkipped(ctx, evt.ID, procErr.Error())
	}

	if !apperr.IsRetryable(procErr) {
		return d.deadLetter(ctx, evt, procErr)
	}

	if evt.Attempts+1 >= d.maxAttempts() {
		return d.deadLetter(ctx, evt, procErr)
	}

	// Backoff is keyed on the attempt count including this failure, so the
	// first retry already waits twice the base delay.
	next := d.now().Add(d.backoff(evt.Attempts + 1))
	attempts, err := d.inbox.MarkRetry(ctx, evt.ID, next, procErr.Error())
	if err != nil {
		return err
	}
	d.log.EngineFailure(engineForTopic(evt.Topic), evt.EventID, attempts, procErr)

	if err := d.enqueuer.EnqueueProcessEvent(ctx, evt.ID, queueFor(evt.Topic), next); err != nil {
		// The row stays pending; startup recovery picks it up.
		d.log.Error("failed to re-enqueue event", "event_row_id", evt.ID, "error", err)
	}
	return nil
}

func (d *Dispatcher) deadLetter(ctx context.Context, evt ingest.Event, procErr error) error {
	msg := procErr.Error()
	nextRetry := d.now().Add(d.backoff(0))
	item, err := d.dlq.Insert(ctx, deadletter.Item{
		EventRowID:  evt.ID,
		EventID:     evt.EventID,
		AccountID:   evt.AccountID,
		Topic:       evt.Topic,
		ObjectID:    evt.ObjectID,
		Payload:     evt.Payload,
		MaxRetries:  d.cfg.GetDLQMaxRetries(),
		NextRetryAt: &nextRetry,
		LastError:   &msg,
	})
	if errors.Is(err, deadletter.ErrNotFound) {
		// The item was resolved or discarded by an operator; do not
		// resurrect it.
		return d.inbox.MarkFailed(ctx, evt.ID, msg)
	}
	if err != nil {
		return err
	}
	if err := d.inbox.MarkFailed(ctx, evt.ID, msg); err != nil {
		return err
	}

	d.log.EngineFailure(engineForTopic(evt.Topic), evt.EventID, evt.Attempts+1, procErr)
	if item.Status == deadletter.StatusExhausted {
		d.bus.Publish(ctx, events.DeadLetterExhausted{
			BaseEvent:    events.NewBaseEvent(),
			DeadLetterID: item.ID,
			EventID:      evt.EventID,
			AccountID:    evt.AccountID,
			Topic:        evt.Topic,
			RetryCount:   item.RetryCount,
			LastError:    msg,
		})
		return nil
	}
	d.bus.Publish(ctx, events.EventDeadLettered{
		BaseEvent:    events.NewBaseEvent(),
		DeadLetterID: item.ID,
		EventID:      evt.EventID,
		AccountID:    evt.AccountID,
		Topic:        evt.Topic,
		Attempts:     evt.Attempts + 1,
		LastError:    msg,
	})
	return nil
}

func (d *Dispatcher) maxAttempts() int {
	if n := d.cfg.GetMaxAttempts(); n > 0 {
		return n
	}
	return 3
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	base := d.cfg.GetRetryBaseBackoff()
	if base <= 0 {
		base = 30 * time.Second
	}
	return base * time.Duration(1<<attempts)
}

func queueFor(topic string) string {
	q, ok := ingest.QueueFor(topic)
	if !ok {
		return ingest.QueueInvoices
	}
	return q
}

func engineForTopic(topic string) string {
	switch q, _ := ingest.QueueFor(topic); q {
	case ingest.QueueQuotes:
		return "reconcile"
	case ingest.QueueJobs:
		return "billing+margin"
	case ingest.QueueVisits:
		return "margin"
	default:
		return "payments"
	}
}

func invoiceIDFromPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var body struct {
		InvoiceID string `json:"invoiceId"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return body.InvoiceID
}
