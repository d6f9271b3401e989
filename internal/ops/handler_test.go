package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apphttp "fieldsync_backend/internal/http"
	"fieldsync_backend/internal/deadletter"
	"fieldsync_backend/internal/ingest"
	"fieldsync_backend/internal/margin"
	"fieldsync_backend/internal/payments"
	"fieldsync_backend/internal/reconcile"
	"fieldsync_backend/platform/logger"
	"fieldsync_backend/platform/validator"
)

type fakeInbox struct {
	counts   map[string]int
	reopened []uuid.UUID
}

func (f *fakeInbox) CountByStatus(ctx context.Context, accountID string) (map[string]int, error) {
	return f.counts, nil
}

func (f *fakeInbox) Reopen(ctx context.Context, id uuid.UUID) error {
	f.reopened = append(f.reopened, id)
	return nil
}

type fakeDLQ struct {
	items     map[uuid.UUID]deadletter.Item
	resolved  []uuid.UUID
	discarded []uuid.UUID
}

func (f *fakeDLQ) GetByID(ctx context.Context, id uuid.UUID) (deadletter.Item, error) {
	it, ok := f.items[id]
	if !ok {
		return deadletter.Item{}, deadletter.ErrNotFound
	}
	return it, nil
}

func (f *fakeDLQ) ListByAccount(ctx context.Context, accountID string, limit int) ([]deadletter.Item, error) {
	var items []deadletter.Item
	for _, it := range f.items {
		items = append(items, it)
	}
	return items, nil
}

func (f *fakeDLQ) CountByStatus(ctx context.Context, accountID string) (map[string]int, error) {
	return map[string]int{"pending": len(f.items)}, nil
}

func (f *fakeDLQ) MarkResolved(ctx context.Context, id uuid.UUID) error {
	if _, ok := f.items[id]; !ok {
		return deadletter.ErrNotFound
	}
	f.resolved = append(f.resolved, id)
	return nil
}

func (f *fakeDLQ) MarkDiscarded(ctx context.Context, id uuid.UUID) error {
	if _, ok := f.items[id]; !ok {
		return deadletter.ErrNotFound
	}
	f.discarded = append(f.discarded, id)
	return nil
}

type fakeSync struct{}

func (fakeSync) ListByAccount(ctx context.Context, accountID string, limit int) ([]reconcile.Record, error) {
	return []reconcile.Record{{AccountID: accountID, Status: "applied"}}, nil
}

func (fakeSync) CountByStatus(ctx context.Context, accountID string) (map[string]int64, error) {
	return map[string]int64{"applied": 3, "change_order": 1}, nil
}

type fakeMarginStore struct{ updated map[uuid.UUID]string }

func (f *fakeMarginStore) ListAlerts(ctx context.Context, accountID string, limit int) ([]margin.Alert, error) {
	return nil, nil
}

func (f *fakeMarginStore) CountBySeverity(ctx context.Context, accountID string) (map[string]int64, error) {
	return map[string]int64{"high": 1}, nil
}

func (f *fakeMarginStore) UpdateAlertStatus(ctx context.Context, accountID string, id uuid.UUID, status string) error {
	if f.updated == nil {
		f.updated = make(map[uuid.UUID]string)
	}
	f.updated[id] = status
	return nil
}

type fakePayStore struct{ updated map[uuid.UUID]string }

func (f *fakePayStore) List(ctx context.Context, accountID string, limit int) ([]payments.Alert, error) {
	return nil, nil
}

func (f *fakePayStore) CountOpenBySeverity(ctx context.Context, accountID string) (map[string]int64, error) {
	return map[string]int64{"critical": 2}, nil
}

func (f *fakePayStore) UpdateStatus(ctx context.Context, accountID string, id uuid.UUID, status string) error {
	if f.updated == nil {
		f.updated = make(map[uuid.UUID]string)
	}
	f.updated[id] = status
	return nil
}

type enqueueCall struct {
	rowID uuid.UUID
	queue string
}

type fakeEnqueuer struct{ calls []enqueueCall }

func (f *fakeEnqueuer) EnqueueProcessEvent(ctx context.Context, eventRowID uuid.UUID, queue string, processAt time.Time) error {
	f.calls = append(f.calls, enqueueCall{rowID: eventRowID, queue: queue})
	return nil
}

type testDeps struct {
	inbox    *fakeInbox
	dlq      *fakeDLQ
	margins  *fakeMarginStore
	pay      *fakePayStore
	enqueuer *fakeEnqueuer
	engine   *gin.Engine
}

func newTestRouter(t *testing.T) *testDeps {
	t.Helper()
	gin.SetMode(gin.TestMode)

	deps := &testDeps{
		inbox:    &fakeInbox{counts: map[string]int{"completed": 10, "failed": 1}},
		dlq:      &fakeDLQ{items: make(map[uuid.UUID]deadletter.Item)},
		margins:  &fakeMarginStore{},
		pay:      &fakePayStore{},
		enqueuer: &fakeEnqueuer{},
	}
	handler := NewHandler(deps.inbox, deps.dlq, fakeSync{}, deps.margins, deps.pay,
		deps.enqueuer, validator.New(), logger.New("test"))

	engine := gin.New()
	secured := engine.Group("/api/v1")
	NewModule(handler).RegisterRoutes(&apphttp.RouterContext{Engine: engine, V1: secured, Secured: secured})
	deps.engine = engine
	return deps
}

func doRequest(engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHandleSummary(t *testing.T) {
	deps := newTestRouter(t)

	w := doRequest(deps.engine, http.MethodGet, "/api/v1/ops/summary?accountId=acct-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp SummaryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.Inbox["completed"] != 10 || resp.PaymentAlerts["critical"] != 2 {
		t.Fatalf("unexpected summary: %+v", resp)
	}
}

func TestHandleSummaryRequiresAccount(t *testing.T) {
	deps := newTestRouter(t)

	w := doRequest(deps.engine, http.MethodGet, "/api/v1/ops/summary", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleRetryDeadLetter(t *testing.T) {
	deps := newTestRouter(t)
	item := deadletter.Item{
		ID:         uuid.New(),
		EventRowID: uuid.New(),
		Topic:      ingest.TopicJobCompleted,
		Status:     deadletter.StatusExhausted,
	}
	deps.dlq.items[item.ID] = item

	w := doRequest(deps.engine, http.MethodPost, "/api/v1/ops/dead-letters/"+item.ID.String()+"/retry", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(deps.inbox.reopened) != 1 || deps.inbox.reopened[0] != item.EventRowID {
		t.Fatalf("expected inbox row reopened, got %v", deps.inbox.reopened)
	}
	if len(deps.enqueuer.calls) != 1 || deps.enqueuer.calls[0].queue != ingest.QueueJobs {
		t.Fatalf("expected enqueue on jobs queue, got %+v", deps.enqueuer.calls)
	}
}

func TestHandleRetryDeadLetterClosedItem(t *testing.T) {
	deps := newTestRouter(t)
	item := deadletter.Item{ID: uuid.New(), EventRowID: uuid.New(), Status: deadletter.StatusResolved}
	deps.dlq.items[item.ID] = item

	w := doRequest(deps.engine, http.MethodPost, "/api/v1/ops/dead-letters/"+item.ID.String()+"/retry", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if len(deps.enqueuer.calls) != 0 {
		t.Fatal("closed item must not be replayed")
	}
}

func TestHandleResolveDeadLetterNotFound(t *testing.T) {
	deps := newTestRouter(t)

	w := doRequest(deps.engine, http.MethodPost, "/api/v1/ops/dead-letters/"+uuid.NewString()+"/resolve", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleUpdateMarginAlert(t *testing.T) {
	deps := newTestRouter(t)
	id := uuid.New()

	body := `{"accountId":"acct-1","status":"acknowledged"}`
	w := doRequest(deps.engine, http.MethodPost, "/api/v1/ops/margin-alerts/"+id.String()+"/status", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if deps.margins.updated[id] != "acknowledged" {
		t.Fatalf("expected status update, got %v", deps.margins.updated)
	}
}

func TestHandleUpdateMarginAlertRejectsBadStatus(t *testing.T) {
	deps := newTestRouter(t)
	id := uuid.New()

	body := `{"accountId":"acct-1","status":"closed"}`
	w := doRequest(deps.engine, http.MethodPost, "/api/v1/ops/margin-alerts/"+id.String()+"/status", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleUpdatePaymentAlert(t *testing.T) {
	deps := newTestRouter(t)
	id := uuid.New()

	body := `{"accountId":"acct-1","status":"dismissed"}`
	w := doRequest(deps.engine, http.MethodPost, "/api/v1/ops/payment-alerts/"+id.String()+"/status", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if deps.pay.updated[id] != "dismissed" {
		t.Fatalf("expected status update, got %v", deps.pay.updated)
	}
}
