package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"fieldsync_backend/internal/events"
	"fieldsync_backend/internal/fsm"
	"fieldsync_backend/platform/apperr"
	"fieldsync_backend/platform/logger"
)

type fakeFSM struct {
	job        fsm.Job
	jobErr     error
	created    []fsm.InvoiceInput
	createErr  error
	sent       []string
	sendErr    error
	fieldValue map[string]string
}

func (f *fakeFSM) GetJob(ctx context.Context, id string) (fsm.Job, error) {
	if f.jobErr != nil {
		return fsm.Job{}, f.jobErr
	}
	return f.job, nil
}

func (f *fakeFSM) CreateInvoice(ctx context.Context, input fsm.InvoiceInput) (fsm.Invoice, error) {
	if f.createErr != nil {
		return fsm.Invoice{}, f.createErr
	}
	f.created = append(f.created, input)
	return fsm.Invoice{ID: "ext-" + string(rune('a'+len(f.created)-1)), JobID: input.JobID, TotalCents: input.AmountCents}, nil
}

func (f *fakeFSM) SendInvoice(ctx context.Context, invoiceID string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, invoiceID)
	return nil
}

func (f *fakeFSM) SetJobCustomField(ctx context.Context, jobID, fieldID, value string) error {
	if f.fieldValue == nil {
		f.fieldValue = make(map[string]string)
	}
	f.fieldValue[fieldID] = value
	return nil
}

type fakeFields struct{}

func (fakeFields) FieldID(ctx context.Context, name string) (string, error) {
	return "field-" + name, nil
}

type fakeMarkers struct{ marked []string }

func (f *fakeMarkers) MarkSelf(ctx context.Context, accountID, objectType, objectID string) error {
	f.marked = append(f.marked, objectType+":"+objectID)
	return nil
}

// fakeStore keeps billing state in memory with the same monotonic and
// double-guard behavior as the SQL repository.
type fakeStore struct {
	state    State
	invoices map[InvoiceType]*InvoiceRow
}

func newFakeStore(accountID, jobID string) *fakeStore {
	return &fakeStore{
		state: State{
			ID:        uuid.New(),
			AccountID: accountID,
			JobID:     jobID,
			Milestone: MilestoneCreated,
		},
		invoices: make(map[InvoiceType]*InvoiceRow),
	}
}

func (f *fakeStore) UpsertState(ctx context.Context, accountID, jobID string, milestone Milestone, serviceType string, totalCents int64) (State, error) {
	if f.state.CreatedAt.IsZero() {
		f.state.ServiceType = serviceType
		f.state.CreatedAt = time.Now()
	}
	if f.state.TotalJobValueCents == 0 {
		f.state.TotalJobValueCents = totalCents
	}
	if milestone.Rank() > f.state.Milestone.Rank() {
		f.state.Milestone = milestone
	}
	return f.state, nil
}

func (f *fakeStore) SetInvoicedFlag(ctx context.Context, stateID uuid.UUID, t InvoiceType) error {
	switch t {
	case InvoiceDeposit:
		f.state.DepositInvoiced = true
	case InvoiceProgress:
		f.state.ProgressInvoiced = true
	case InvoiceFinal:
		f.state.FinalInvoiced = true
	}
	return nil
}

func (f *fakeStore) GetInvoice(ctx context.Context, stateID uuid.UUID, t InvoiceType) (*InvoiceRow, error) {
	if row, ok := f.invoices[t]; ok {
		copy := *row
		return &copy, nil
	}
	return nil, nil
}

func (f *fakeStore) InsertPending(ctx context.Context, stateID uuid.UUID, t InvoiceType, amountCents int64) (InvoiceRow, error) {
	if row, ok := f.invoices[t]; ok {
		return *row, nil
	}
	row := &InvoiceRow{ID: uuid.New(), StateID: stateID, InvoiceType: t, Status: InvoicePending, AmountCents: amountCents}
	f.invoices[t] = row
	return *row, nil
}

func (f *fakeStore) MarkCreated(ctx context.Context, id uuid.UUID, externalID string) error {
	for _, row := range f.invoices {
		if row.ID == id {
			row.Status = InvoiceCreated
			row.ExternalID = &externalID
		}
	}
	return nil
}

func (f *fakeStore) MarkSent(ctx context.Context, id uuid.UUID) error {
	for _, row := range f.invoices {
		if row.ID == id {
			row.Status = InvoiceSent
		}
	}
	return nil
}

func (f *fakeStore) RecordFailure(ctx context.Context, id uuid.UUID, cause error) error {
	for _, row := range f.invoices {
		if row.ID == id {
			row.RetryCount++
			msg := cause.Error()
			row.LastError = &msg
		}
	}
	return nil
}

func (f *fakeStore) MarkPaidByExternalID(ctx context.Context, accountID, externalID string) (*InvoiceRow, *State, error) {
	for _, row := range f.invoices {
		if row.ExternalID != nil && *row.ExternalID == externalID {
			row.Status = InvoicePaid
			copyRow, copyState := *row, f.state
			return &copyRow, &copyState, nil
		}
	}
	return nil, nil, nil
}

type capturingBus struct{ published []events.Event }

func (b *capturingBus) Publish(ctx context.Context, event events.Event)          { b.published = append(b.published, event) }
func (b *capturingBus) PublishSync(ctx context.Context, event events.Event) error { b.published = append(b.published, event); return nil }
func (b *capturingBus) Subscribe(eventName string, handler events.Handler)        {}

func installJob() fsm.Job {
	return fsm.Job{
		ID:         "job-1",
		ClientID:   "client-1",
		Title:      "Backyard patio",
		JobType:    "Paver Patio Install",
		TotalCents: 500000,
	}
}

func jobEvent(topic string) JobEvent {
	return JobEvent{Topic: topic, JobID: "job-1", AccountID: "acct-1", OccurredAt: time.Now()}
}

func TestProcessJobEventDepositOnScheduled(t *testing.T) {
	client := &fakeFSM{job: installJob()}
	store := newFakeStore("acct-1", "job-1")
	markers := &fakeMarkers{}
	bus := &capturingBus{}
	svc := NewService(client, fakeFields{}, markers, store, bus, logger.New("test"))

	if err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_SCHEDULED")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.created) != 1 {
		t.Fatalf("expected one invoice created, got %d", len(client.created))
	}
	if client.created[0].AmountCents != 150000 {
		t.Fatalf("expected 30%% deposit of 500000, got %d", client.created[0].AmountCents)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected invoice sent, got %d", len(client.sent))
	}
	if !store.state.DepositInvoiced {
		t.Fatal("deposit flag must be set")
	}
	if got := client.fieldValue["field-"+fsm.FieldBillingStage]; got != "Deposit Invoiced" {
		t.Fatalf("expected stage label, got %q", got)
	}
	if len(markers.marked) == 0 {
		t.Fatal("expected self-write marker before the custom field write")
	}
	if len(bus.published) != 1 {
		t.Fatalf("expected InvoiceIssued event, got %d", len(bus.published))
	}
}

func TestProcessJobEventReplayDoesNotDoubleInvoice(t *testing.T) {
	client := &fakeFSM{job: installJob()}
	store := newFakeStore("acct-1", "job-1")
	svc := NewService(client, fakeFields{}, &fakeMarkers{}, store, &capturingBus{}, logger.New("test"))

	for i := 0; i < 3; i++ {
		if err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_SCHEDULED")); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	if len(client.created) != 1 {
		t.Fatalf("replays must not create more invoices, got %d", len(client.created))
	}
}

func TestProcessJobEventSkipsStraightToComplete(t *testing.T) {
	client := &fakeFSM{job: installJob()}
	store := newFakeStore("acct-1", "job-1")
	svc := NewService(client, fakeFields{}, &fakeMarkers{}, store, &capturingBus{}, logger.New("test"))

	if err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_COMPLETED")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.created) != 3 {
		t.Fatalf("skipped milestones must still bill, got %d invoices", len(client.created))
	}
	var total int64
	for _, input := range client.created {
		total += input.AmountCents
	}
	if total != 500000 {
		t.Fatalf("invoice amounts must cover the job total, got %d", total)
	}
}

func TestProcessJobEventMilestoneNeverMovesBackwards(t *testing.T) {
	client := &fakeFSM{job: installJob()}
	store := newFakeStore("acct-1", "job-1")
	svc := NewService(client, fakeFields{}, &fakeMarkers{}, store, &capturingBus{}, logger.New("test"))

	if err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_STARTED")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_SCHEDULED")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.state.Milestone != MilestoneInProgress {
		t.Fatalf("late JOB_SCHEDULED must not regress milestone, got %s", store.state.Milestone)
	}
}

func TestProcessJobEventCreateFailureLeavesPending(t *testing.T) {
	client := &fakeFSM{job: installJob(), createErr: apperr.Transient("fsm unavailable", nil)}
	store := newFakeStore("acct-1", "job-1")
	svc := NewService(client, fakeFields{}, &fakeMarkers{}, store, &capturingBus{}, logger.New("test"))

	err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_SCHEDULED"))
	if err == nil {
		t.Fatal("expected create failure to propagate")
	}
	row := store.invoices[InvoiceDeposit]
	if row == nil || row.Status != InvoicePending {
		t.Fatalf("row must stay pending, got %+v", row)
	}
	if row.RetryCount != 1 || row.LastError == nil {
		t.Fatalf("failure must be recorded, got %+v", row)
	}
	if store.state.DepositInvoiced {
		t.Fatal("flag must not be set on failure")
	}

	// Retry after the outage succeeds and resumes from create.
	client.createErr = nil
	if err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_SCHEDULED")); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if len(client.created) != 1 || !store.state.DepositInvoiced {
		t.Fatalf("retry must complete the invoice: created=%d flag=%v", len(client.created), store.state.DepositInvoiced)
	}
}

func TestProcessJobEventSendFailureResumesAtSend(t *testing.T) {
	client := &fakeFSM{job: installJob(), sendErr: apperr.Transient("fsm unavailable", nil)}
	store := newFakeStore("acct-1", "job-1")
	svc := NewService(client, fakeFields{}, &fakeMarkers{}, store, &capturingBus{}, logger.New("test"))

	if err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_SCHEDULED")); err == nil {
		t.Fatal("expected send failure to propagate")
	}
	if store.invoices[InvoiceDeposit].Status != InvoiceCreated {
		t.Fatalf("row must stay created after send failure, got %s", store.invoices[InvoiceDeposit].Status)
	}

	client.sendErr = nil
	if err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_SCHEDULED")); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if len(client.created) != 1 {
		t.Fatalf("retry must not create a second invoice, got %d", len(client.created))
	}
	if len(client.sent) != 1 || store.invoices[InvoiceDeposit].Status != InvoiceSent {
		t.Fatal("retry must finish the send")
	}
}

func TestProcessJobEventZeroValueJobSkipped(t *testing.T) {
	job := installJob()
	job.TotalCents = 0
	client := &fakeFSM{job: job}
	store := newFakeStore("acct-1", "job-1")
	svc := NewService(client, fakeFields{}, &fakeMarkers{}, store, &capturingBus{}, logger.New("test"))

	if err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_SCHEDULED")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.created) != 0 {
		t.Fatal("zero-value job must not bill")
	}
}

func TestProcessInvoicePaid(t *testing.T) {
	client := &fakeFSM{job: installJob()}
	store := newFakeStore("acct-1", "job-1")
	svc := NewService(client, fakeFields{}, &fakeMarkers{}, store, &capturingBus{}, logger.New("test"))

	if err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_SCHEDULED")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	external := *store.invoices[InvoiceDeposit].ExternalID

	err := svc.ProcessInvoicePaid(context.Background(), InvoicePaidEvent{InvoiceID: external, AccountID: "acct-1", OccurredAt: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.invoices[InvoiceDeposit].Status != InvoicePaid {
		t.Fatalf("expected paid, got %s", store.invoices[InvoiceDeposit].Status)
	}
	if got := client.fieldValue["field-"+fsm.FieldBillingStage]; got != "Deposit Paid" {
		t.Fatalf("expected paid stage label, got %q", got)
	}
}

func TestProcessInvoicePaidUnknownInvoiceIsNoop(t *testing.T) {
	client := &fakeFSM{job: installJob()}
	store := newFakeStore("acct-1", "job-1")
	svc := NewService(client, fakeFields{}, &fakeMarkers{}, store, &capturingBus{}, logger.New("test"))

	err := svc.ProcessInvoicePaid(context.Background(), InvoicePaidEvent{InvoiceID: "not-ours", AccountID: "acct-1", OccurredAt: time.Now()})
	if err != nil {
		t.Fatalf("unknown invoice must be a no-op, got %v", err)
	}
}

func TestInvoicesUseJobValueCapturedAtFirstSight(t *testing.T) {
	client := &fakeFSM{job: installJob()}
	store := newFakeStore("acct-1", "job-1")
	svc := NewService(client, fakeFields{}, &fakeMarkers{}, store, &capturingBus{}, logger.New("test"))

	if err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_SCHEDULED")); err != nil {
		t.Fatalf("scheduled event: %v", err)
	}

	// Line items grow between milestones, e.g. after a quote auto-apply.
	client.job.TotalCents = 800000

	if err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_STARTED")); err != nil {
		t.Fatalf("started event: %v", err)
	}
	if err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_COMPLETED")); err != nil {
		t.Fatalf("completed event: %v", err)
	}

	wantAmounts := map[InvoiceType]int64{
		InvoiceDeposit:  150000,
		InvoiceProgress: 200000,
		InvoiceFinal:    150000,
	}
	var sum int64
	for invoiceType, want := range wantAmounts {
		row := store.invoices[invoiceType]
		if row == nil {
			t.Fatalf("missing %s invoice", invoiceType)
		}
		if row.AmountCents != want {
			t.Fatalf("%s invoice = %d, want %d of the original total", invoiceType, row.AmountCents, want)
		}
		sum += row.AmountCents
	}
	if sum != 500000 {
		t.Fatalf("invoices sum to %d, want exactly the captured job value", sum)
	}
}

func TestZeroValueStateBackfilledOnLaterEvent(t *testing.T) {
	job := installJob()
	job.TotalCents = 0
	client := &fakeFSM{job: job}
	store := newFakeStore("acct-1", "job-1")
	svc := NewService(client, fakeFields{}, &fakeMarkers{}, store, &capturingBus{}, logger.New("test"))

	if err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_SCHEDULED")); err != nil {
		t.Fatalf("scheduled event: %v", err)
	}
	if len(client.created) != 0 {
		t.Fatal("no invoices expected while the job has no value")
	}

	client.job.TotalCents = 400000
	if err := svc.ProcessJobEvent(context.Background(), jobEvent("JOB_STARTED")); err != nil {
		t.Fatalf("started event: %v", err)
	}
	dep := store.invoices[InvoiceDeposit]
	if dep == nil || dep.AmountCents != 120000 {
		t.Fatalf("deposit = %+v, want 30%% of the backfilled value", dep)
	}
}
