package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fieldsync_backend/internal/events"
	"fieldsync_backend/internal/fsm"
	"fieldsync_backend/internal/writemarker"
	"fieldsync_backend/platform/apperr"
	"fieldsync_backend/platform/logger"
)

// selfWriteBuffer is how close an event must be to our own last write for the
// event to count as an echo of that write.
const selfWriteBuffer = 5 * time.Second

// jobResolutionWindow bounds the heuristic quote-to-job match: a job created
// more than this long after the quote is assumed unrelated.
const jobResolutionWindow = 7 * 24 * time.Hour

// FSMClient is the slice of the FSM API the reconciler needs.
type FSMClient interface {
	GetQuote(ctx context.Context, id string) (fsm.Quote, error)
	GetJob(ctx context.Context, id string) (fsm.Job, error)
	GetRecentClientJobs(ctx context.Context, clientID string, createdAfter time.Time) ([]fsm.RecentJob, error)
	UpdateJobLineItems(ctx context.Context, jobID string, items []fsm.LineItemInput) error
	SetJobCustomField(ctx context.Context, jobID, fieldID, value string) error
	AddJobNote(ctx context.Context, jobID, note string) error
}

// FieldResolver resolves custom field names to FSM field ids.
type FieldResolver interface {
	FieldID(ctx context.Context, name string) (string, error)
}

// MarkerStore tracks write provenance for external objects.
type MarkerStore interface {
	Get(ctx context.Context, accountID, objectType, objectID string) (*writemarker.Marker, error)
	MarkSelf(ctx context.Context, accountID, objectType, objectID string) error
}

// SyncStore persists reconciliation attempts and outcomes.
type SyncStore interface {
	Begin(ctx context.Context, key, accountID, topic, quoteID string) (uuid.UUID, bool, error)
	SetJob(ctx context.Context, id uuid.UUID, jobID string) error
	Finalize(ctx context.Context, id uuid.UUID, status string, result *EvalResult, reason string) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
}

// QuoteEvent is the pipeline's view of an inbound quote webhook.
type QuoteEvent struct {
	Topic      string
	QuoteID    string
	AccountID  string
	OccurredAt time.Time
}

// Service is the quote/job reconciliation engine.
type Service struct {
	client  FSMClient
	fields  FieldResolver
	markers MarkerStore
	records SyncStore
	policy  Policy
	bus     events.Bus
	log     *logger.Logger
}

func NewService(client FSMClient, fields FieldResolver, markers MarkerStore, records SyncStore, policy Policy, bus events.Bus, log *logger.Logger) *Service {
	return &Service{
		client:  client,
		fields:  fields,
		markers: markers,
		records: records,
		policy:  policy,
		bus:     bus,
		log:     log.WithComponent("reconcile"),
	}
}

// ProcessQuoteEvent runs the full reconciliation for one quote webhook. A nil
// return means the event is done (applied, change order, or skipped); a
// retryable error means the pipeline should redeliver.
func (s *Service) ProcessQuoteEvent(ctx context.Context, ev QuoteEvent) error {
	key := IdempotencyKey(ev.Topic, ev.QuoteID, ev.OccurredAt)
	recordID, resumed, err := s.records.Begin(ctx, key, ev.AccountID, ev.Topic, ev.QuoteID)
	if err != nil {
		if apperr.GetKind(err) == apperr.KindConflict {
			s.log.Debug("quote event already reconciled", "quoteId", ev.QuoteID, "topic", ev.Topic)
			return nil
		}
		return err
	}
	if resumed {
		s.log.Info("resuming failed reconciliation", "quoteId", ev.QuoteID, "syncRecordId", recordID)
	}

	if err := s.reconcile(ctx, recordID, ev); err != nil {
		if apperr.IsRetryable(err) {
			if markErr := s.records.MarkFailed(ctx, recordID, err); markErr != nil {
				s.log.Error("failed to record reconciliation failure", "syncRecordId", recordID, "error", markErr)
			}
		}
		return err
	}
	return nil
}

func (s *Service) reconcile(ctx context.Context, recordID uuid.UUID, ev QuoteEvent) error {
	quote, err := s.client.GetQuote(ctx, ev.QuoteID)
	if err != nil {
		if apperr.GetKind(err) == apperr.KindNotFound {
			s.skip(ctx, recordID, "quote no longer exists upstream")
		}
		return err
	}

	if !quote.Approved() {
		s.skip(ctx, recordID, "quote is not approved")
		return nil
	}

	jobID, err := s.resolveJob(ctx, quote)
	if err != nil {
		return err
	}
	if jobID == "" {
		s.skip(ctx, recordID, "no job linked to quote")
		return nil
	}
	if err := s.records.SetJob(ctx, recordID, jobID); err != nil {
		return err
	}

	marker, err := s.markers.Get(ctx, ev.AccountID, "job", jobID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to read write marker", err)
	}
	if writemarker.IsSelfWrite(marker, ev.OccurredAt, selfWriteBuffer) {
		s.skip(ctx, recordID, "event is an echo of our own write")
		return nil
	}

	job, err := s.client.GetJob(ctx, jobID)
	if err != nil {
		if apperr.GetKind(err) == apperr.KindNotFound {
			s.skip(ctx, recordID, "linked job no longer exists upstream")
			return nil
		}
		return err
	}

	diff := ComputeDiff(quote.LineItems, job.LineItems)
	priorTotal := int64(0)
	for _, item := range job.LineItems {
		priorTotal += item.TotalCents()
	}
	result := Evaluate(s.policy, diff, priorTotal)

	if len(diff.Items) == 0 {
		if err := s.records.Finalize(ctx, recordID, StatusApplied, &result, "quote and job already match"); err != nil {
			return err
		}
		s.log.Info("quote and job already in sync", "quoteId", quote.ID, "jobId", jobID)
		return nil
	}

	if result.CanAutoApply() {
		return s.apply(ctx, recordID, ev.AccountID, quote, jobID, result)
	}
	return s.flagChangeOrder(ctx, recordID, ev.AccountID, quote.ID, jobID, result)
}

// resolveJob finds the job a quote belongs to: the direct link first, then
// the conversion link, then the earliest of the client's jobs created within
// the resolution window after the quote.
func (s *Service) resolveJob(ctx context.Context, quote fsm.Quote) (string, error) {
	if quote.JobID != "" {
		return quote.JobID, nil
	}
	if quote.ConvertedToID != "" {
		return quote.ConvertedToID, nil
	}

	jobs, err := s.client.GetRecentClientJobs(ctx, quote.ClientID, quote.CreatedAt)
	if err != nil {
		if apperr.GetKind(err) == apperr.KindNotFound {
			return "", nil
		}
		return "", err
	}

	deadline := quote.CreatedAt.Add(jobResolutionWindow)
	var (
		bestID string
		bestAt time.Time
	)
	for _, job := range jobs {
		if job.CreatedAt.Before(quote.CreatedAt) || job.CreatedAt.After(deadline) {
			continue
		}
		if bestID == "" || job.CreatedAt.Before(bestAt) {
			bestID = job.ID
			bestAt = job.CreatedAt
		}
	}
	return bestID, nil
}

func (s *Service) apply(ctx context.Context, recordID uuid.UUID, accountID string, quote fsm.Quote, jobID string, result EvalResult) error {
	inputs := make([]fsm.LineItemInput, 0, len(quote.LineItems))
	for _, item := range quote.LineItems {
		inputs = append(inputs, fsm.LineItemInput{
			Name:           item.Name,
			Description:    item.Description,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		})
	}

	// Mark before writing so the echoed webhook is recognizable even if we
	// crash between the write and the finalize.
	if err := s.markers.MarkSelf(ctx, accountID, "job", jobID); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to mark self write", err)
	}
	if err := s.client.UpdateJobLineItems(ctx, jobID, inputs); err != nil {
		return err
	}
	if err := s.records.Finalize(ctx, recordID, StatusApplied, &result, ""); err != nil {
		return err
	}

	s.log.Info("quote changes applied to job",
		"quoteId", quote.ID,
		"jobId", jobID,
		"added", result.Diff.Added,
		"removed", result.Diff.Removed,
		"modified", result.Diff.Modified,
		"netDeltaCents", result.Diff.NetDeltaCents)
	return nil
}

func (s *Service) flagChangeOrder(ctx context.Context, recordID uuid.UUID, accountID, quoteID, jobID string, result EvalResult) error {
	reason := result.Reason()
	if err := s.records.Finalize(ctx, recordID, StatusChangeOrder, &result, reason); err != nil {
		return err
	}

	// Mirror the decision into the FSM so crews see it there. These writes
	// are best effort: the local record is already authoritative.
	if err := s.markers.MarkSelf(ctx, accountID, "job", jobID); err != nil {
		s.log.Error("failed to mark self write before change-order flag", "jobId", jobID, "error", err)
	} else {
		if fieldID, err := s.fields.FieldID(ctx, fsm.FieldChangeOrderRequired); err != nil {
			s.log.Error("failed to resolve change-order field", "jobId", jobID, "error", err)
		} else if err := s.client.SetJobCustomField(ctx, jobID, fieldID, "true"); err != nil {
			s.log.Error("failed to set change-order field", "jobId", jobID, "error", err)
		}
		if err := s.client.AddJobNote(ctx, jobID, "Change order required: "+reason); err != nil {
			s.log.Error("failed to add change-order note", "jobId", jobID, "error", err)
		}
	}

	s.bus.Publish(ctx, events.ChangeOrderFlagged{
		BaseEvent:    events.NewBaseEvent(),
		SyncRecordID: recordID,
		AccountID:    accountID,
		QuoteID:      quoteID,
		JobID:        jobID,
		Reason:       reason,
	})

	s.log.Info("change order flagged", "quoteId", quoteID, "jobId", jobID, "reason", reason)
	return nil
}

func (s *Service) skip(ctx context.Context, recordID uuid.UUID, reason string) {
	if err := s.records.Finalize(ctx, recordID, StatusSkipped, nil, reason); err != nil {
		s.log.Error("failed to mark sync record skipped", "syncRecordId", recordID, "error", err)
	}
}
