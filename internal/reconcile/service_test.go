package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"fieldsync_backend/internal/events"
	"fieldsync_backend/internal/fsm"
	"fieldsync_backend/internal/writemarker"
	"fieldsync_backend/platform/apperr"
	"fieldsync_backend/platform/logger"
)

type fakeFSM struct {
	quote      fsm.Quote
	quoteErr   error
	job        fsm.Job
	recentJobs []fsm.RecentJob

	updatedJobID string
	updatedItems []fsm.LineItemInput
	updateErr    error
	customField  map[string]string
	notes        []string
}

func (f *fakeFSM) GetQuote(ctx context.Context, id string) (fsm.Quote, error) {
	if f.quoteErr != nil {
		return fsm.Quote{}, f.quoteErr
	}
	return f.quote, nil
}

func (f *fakeFSM) GetJob(ctx context.Context, id string) (fsm.Job, error) {
	return f.job, nil
}

func (f *fakeFSM) GetRecentClientJobs(ctx context.Context, clientID string, createdAfter time.Time) ([]fsm.RecentJob, error) {
	return f.recentJobs, nil
}

func (f *fakeFSM) UpdateJobLineItems(ctx context.Context, jobID string, items []fsm.LineItemInput) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updatedJobID = jobID
	f.updatedItems = items
	return nil
}

func (f *fakeFSM) SetJobCustomField(ctx context.Context, jobID, fieldID, value string) error {
	if f.customField == nil {
		f.customField = make(map[string]string)
	}
	f.customField[fieldID] = value
	return nil
}

func (f *fakeFSM) AddJobNote(ctx context.Context, jobID, note string) error {
	f.notes = append(f.notes, note)
	return nil
}

type fakeFields struct{}

func (fakeFields) FieldID(ctx context.Context, name string) (string, error) {
	return "field-" + name, nil
}

type fakeMarkers struct {
	marker *writemarker.Marker
	marked []string
}

func (f *fakeMarkers) Get(ctx context.Context, accountID, objectType, objectID string) (*writemarker.Marker, error) {
	return f.marker, nil
}

func (f *fakeMarkers) MarkSelf(ctx context.Context, accountID, objectType, objectID string) error {
	f.marked = append(f.marked, objectType+":"+objectID)
	return nil
}

type fakeSyncStore struct {
	beginConflict bool
	recordID      uuid.UUID
	jobID         string
	status        string
	reason        string
	result        *EvalResult
	failed        error
}

func (f *fakeSyncStore) Begin(ctx context.Context, key, accountID, topic, quoteID string) (uuid.UUID, bool, error) {
	if f.beginConflict {
		return uuid.Nil, false, apperr.Conflict("sync record already finalized")
	}
	f.recordID = uuid.New()
	return f.recordID, false, nil
}

func (f *fakeSyncStore) SetJob(ctx context.Context, id uuid.UUID, jobID string) error {
	f.jobID = jobID
	return nil
}

func (f *fakeSyncStore) Finalize(ctx context.Context, id uuid.UUID, status string, result *EvalResult, reason string) error {
	f.status = status
	f.result = result
	f.reason = reason
	return nil
}

func (f *fakeSyncStore) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	f.failed = cause
	return nil
}

type capturingBus struct {
	published []events.Event
}

func (b *capturingBus) Publish(ctx context.Context, event events.Event)          { b.published = append(b.published, event) }
func (b *capturingBus) PublishSync(ctx context.Context, event events.Event) error { b.published = append(b.published, event); return nil }
func (b *capturingBus) Subscribe(eventName string, handler events.Handler)        {}

func newTestService(client *fakeFSM, markers *fakeMarkers, store *fakeSyncStore, bus *capturingBus) *Service {
	return NewService(client, fakeFields{}, markers, store, defaultPolicy(), bus, logger.New("test"))
}

func approvedQuote(items []fsm.LineItem) fsm.Quote {
	now := time.Now()
	return fsm.Quote{
		ID:        "quote-1",
		ClientID:  "client-1",
		Status:    "approved",
		JobID:     "job-1",
		LineItems: items,
		CreatedAt: now.Add(-time.Hour),
	}
}

func TestProcessQuoteEventAutoApply(t *testing.T) {
	client := &fakeFSM{
		quote: approvedQuote([]fsm.LineItem{{Name: "Weekly Mowing", Quantity: 5, UnitPriceCents: 7500}}),
		job: fsm.Job{
			ID:        "job-1",
			LineItems: []fsm.LineItem{{Name: "Weekly Mowing", Quantity: 4, UnitPriceCents: 7500}},
		},
	}
	markers := &fakeMarkers{}
	store := &fakeSyncStore{}
	bus := &capturingBus{}

	err := newTestService(client, markers, store, bus).ProcessQuoteEvent(context.Background(), QuoteEvent{
		Topic:      "QUOTE_APPROVED",
		QuoteID:    "quote-1",
		AccountID:  "acct-1",
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.status != StatusApplied {
		t.Fatalf("expected applied, got %s", store.status)
	}
	if client.updatedJobID != "job-1" {
		t.Fatalf("expected line-item write to job-1, got %q", client.updatedJobID)
	}
	if len(markers.marked) == 0 || markers.marked[0] != "job:job-1" {
		t.Fatalf("expected self-write marker before the write, got %v", markers.marked)
	}
	if len(bus.published) != 0 {
		t.Fatalf("auto-apply must not publish change-order events, got %d", len(bus.published))
	}
}

func TestProcessQuoteEventIdenticalItemsApplyWithoutWrite(t *testing.T) {
	items := []fsm.LineItem{{Name: "Weekly Mowing", Quantity: 4, UnitPriceCents: 7500}}
	client := &fakeFSM{
		quote: approvedQuote(items),
		job:   fsm.Job{ID: "job-1", LineItems: items},
	}
	store := &fakeSyncStore{}

	err := newTestService(client, &fakeMarkers{}, store, &capturingBus{}).ProcessQuoteEvent(context.Background(), QuoteEvent{
		Topic: "QUOTE_APPROVED", QuoteID: "quote-1", AccountID: "acct-1", OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.status != StatusApplied {
		t.Fatalf("expected applied, got %s", store.status)
	}
	if client.updatedJobID != "" {
		t.Fatal("identical items must not trigger an external write")
	}
}

func TestProcessQuoteEventChangeOrder(t *testing.T) {
	client := &fakeFSM{
		quote: approvedQuote([]fsm.LineItem{{Name: "Paver Patio", Category: "Hardscape", Quantity: 1, UnitPriceCents: 500000}}),
		job:   fsm.Job{ID: "job-1"},
	}
	store := &fakeSyncStore{}
	bus := &capturingBus{}

	err := newTestService(client, &fakeMarkers{}, store, bus).ProcessQuoteEvent(context.Background(), QuoteEvent{
		Topic: "QUOTE_APPROVED", QuoteID: "quote-1", AccountID: "acct-1", OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.status != StatusChangeOrder {
		t.Fatalf("expected change_order, got %s", store.status)
	}
	if client.updatedJobID != "" {
		t.Fatal("change order must not write line items")
	}
	if client.customField["field-"+fsm.FieldChangeOrderRequired] != "true" {
		t.Fatalf("expected change-order field set, got %v", client.customField)
	}
	if len(client.notes) != 1 {
		t.Fatalf("expected one job note, got %v", client.notes)
	}
	if len(bus.published) != 1 {
		t.Fatalf("expected one published event, got %d", len(bus.published))
	}
	flagged, ok := bus.published[0].(events.ChangeOrderFlagged)
	if !ok {
		t.Fatalf("expected ChangeOrderFlagged, got %T", bus.published[0])
	}
	if flagged.JobID != "job-1" || flagged.Reason == "" {
		t.Fatalf("incomplete event: %+v", flagged)
	}
}

func TestProcessQuoteEventSelfWriteEchoSkipped(t *testing.T) {
	occurred := time.Now()
	client := &fakeFSM{
		quote: approvedQuote([]fsm.LineItem{{Name: "Weekly Mowing", Quantity: 5, UnitPriceCents: 7500}}),
		job:   fsm.Job{ID: "job-1"},
	}
	markers := &fakeMarkers{marker: &writemarker.Marker{
		Source:      writemarker.SourceSelf,
		LastWriteAt: occurred.Add(-2 * time.Second),
	}}
	store := &fakeSyncStore{}

	err := newTestService(client, markers, store, &capturingBus{}).ProcessQuoteEvent(context.Background(), QuoteEvent{
		Topic: "QUOTE_UPDATED", QuoteID: "quote-1", AccountID: "acct-1", OccurredAt: occurred,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.status != StatusSkipped {
		t.Fatalf("expected skipped, got %s", store.status)
	}
	if client.updatedJobID != "" {
		t.Fatal("echo must not trigger a write")
	}
}

func TestProcessQuoteEventUnapprovedSkipped(t *testing.T) {
	quote := approvedQuote(nil)
	quote.Status = "draft"
	client := &fakeFSM{quote: quote}
	store := &fakeSyncStore{}

	err := newTestService(client, &fakeMarkers{}, store, &capturingBus{}).ProcessQuoteEvent(context.Background(), QuoteEvent{
		Topic: "QUOTE_UPDATED", QuoteID: "quote-1", AccountID: "acct-1", OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.status != StatusSkipped {
		t.Fatalf("expected skipped, got %s", store.status)
	}
}

func TestProcessQuoteEventDuplicateKeyIsNoop(t *testing.T) {
	client := &fakeFSM{}
	store := &fakeSyncStore{beginConflict: true}

	err := newTestService(client, &fakeMarkers{}, store, &capturingBus{}).ProcessQuoteEvent(context.Background(), QuoteEvent{
		Topic: "QUOTE_APPROVED", QuoteID: "quote-1", AccountID: "acct-1", OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("expected duplicate to be a no-op, got %v", err)
	}
}

func TestProcessQuoteEventRetryableFailureMarksRecord(t *testing.T) {
	client := &fakeFSM{
		quote: approvedQuote([]fsm.LineItem{{Name: "Weekly Mowing", Quantity: 5, UnitPriceCents: 7500}}),
		job: fsm.Job{
			ID:        "job-1",
			LineItems: []fsm.LineItem{{Name: "Weekly Mowing", Quantity: 4, UnitPriceCents: 7500}},
		},
		updateErr: apperr.Transient("upstream unavailable", nil),
	}
	store := &fakeSyncStore{}

	err := newTestService(client, &fakeMarkers{}, store, &capturingBus{}).ProcessQuoteEvent(context.Background(), QuoteEvent{
		Topic: "QUOTE_APPROVED", QuoteID: "quote-1", AccountID: "acct-1", OccurredAt: time.Now(),
	})
	if err == nil {
		t.Fatal("expected error to propagate for retry")
	}
	if !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if store.failed == nil {
		t.Fatal("expected record marked failed for resume")
	}
}

func TestResolveJobHeuristic(t *testing.T) {
	created := time.Now().Add(-48 * time.Hour)
	quote := fsm.Quote{ID: "quote-1", ClientID: "client-1", Status: "approved", CreatedAt: created}
	client := &fakeFSM{
		recentJobs: []fsm.RecentJob{
			{ID: "job-old", CreatedAt: created.Add(-time.Hour)},            // before quote
			{ID: "job-second", CreatedAt: created.Add(48 * time.Hour)},     // inside window, later
			{ID: "job-near", CreatedAt: created.Add(24 * time.Hour)},      // inside window, earliest
			{ID: "job-late", CreatedAt: created.Add(10 * 24 * time.Hour)}, // past window
		},
	}
	svc := newTestService(client, &fakeMarkers{}, &fakeSyncStore{}, &capturingBus{})

	jobID, err := svc.resolveJob(context.Background(), quote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobID != "job-near" {
		t.Fatalf("expected job-near, got %q", jobID)
	}
}
