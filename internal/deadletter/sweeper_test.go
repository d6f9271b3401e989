package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"fieldsync_backend/internal/events"
	"fieldsync_backend/internal/ingest"
	"fieldsync_backend/platform/logger"
)

type fakeSweepStore struct {
	items  []Item
	booked []string
}

func (f *fakeSweepStore) ClaimRetryable(ctx context.Context, limit int) ([]Item, error) {
	return f.items, nil
}

func (f *fakeSweepStore) RecordRetryFailure(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, lastError string) (Item, error) {
	f.booked = append(f.booked, lastError)
	for _, it := range f.items {
		if it.ID != id {
			continue
		}
		it.RetryCount++
		if it.RetryCount >= it.MaxRetries {
			it.Status = StatusExhausted
		} else {
			it.Status = StatusPending
		}
		return it, nil
	}
	return Item{}, ErrNotFound
}

type fakeReopener struct{ reopened []uuid.UUID }

func (f *fakeReopener) Reopen(ctx context.Context, id uuid.UUID) error {
	f.reopened = append(f.reopened, id)
	return nil
}

type enqueueCall struct {
	rowID uuid.UUID
	queue string
}

type fakeEnqueuer struct {
	calls []enqueueCall
	err   error
}

func (f *fakeEnqueuer) EnqueueProcessEvent(ctx context.Context, eventRowID uuid.UUID, queue string, processAt time.Time) error {
	f.calls = append(f.calls, enqueueCall{rowID: eventRowID, queue: queue})
	return f.err
}

type capturingBus struct{ published []events.Event }

func (b *capturingBus) Publish(ctx context.Context, event events.Event)           { b.published = append(b.published, event) }
func (b *capturingBus) PublishSync(ctx context.Context, event events.Event) error { b.published = append(b.published, event); return nil }
func (b *capturingBus) Subscribe(eventName string, handler events.Handler)        {}

type testPipelineConfig struct{}

func (testPipelineConfig) GetMaxAttempts() int                { return 3 }
func (testPipelineConfig) GetRetryBaseBackoff() time.Duration { return 30 * time.Second }
func (testPipelineConfig) GetDLQMaxRetries() int              { return 5 }
func (testPipelineConfig) GetDLQSweepInterval() time.Duration { return time.Minute }
func (testPipelineConfig) GetDLQSweepBatch() int              { return 25 }

func claimedItem(topic string, retryCount, maxRetries int) Item {
	return Item{
		ID:         uuid.New(),
		EventRowID: uuid.New(),
		EventID:    "evt-1",
		AccountID:  "acct-1",
		Topic:      topic,
		Status:     StatusRetrying,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
	}
}

func TestSweepReplaysClaimedItems(t *testing.T) {
	item := claimedItem(ingest.TopicJobCompleted, 0, 5)
	store := &fakeSweepStore{items: []Item{item}}
	reopener := &fakeReopener{}
	enq := &fakeEnqueuer{}
	s := NewSweeper(store, reopener, enq, &capturingBus{}, testPipelineConfig{}, logger.New("test"))

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reopener.reopened) != 1 || reopener.reopened[0] != item.EventRowID {
		t.Fatalf("expected inbox row reopened, got %v", reopener.reopened)
	}
	if len(enq.calls) != 1 {
		t.Fatalf("expected one enqueue, got %d", len(enq.calls))
	}
	if enq.calls[0].queue != ingest.QueueJobs {
		t.Fatalf("replay must target the family queue, got %s", enq.calls[0].queue)
	}
	if len(store.booked) != 0 {
		t.Fatal("successful replay must not burn retry budget")
	}
}

func TestSweepBooksFailureWhenEnqueueFails(t *testing.T) {
	item := claimedItem(ingest.TopicQuoteApproved, 0, 5)
	store := &fakeSweepStore{items: []Item{item}}
	enq := &fakeEnqueuer{err: errors.New("redis down")}
	bus := &capturingBus{}
	s := NewSweeper(store, &fakeReopener{}, enq, bus, testPipelineConfig{}, logger.New("test"))

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.booked) != 1 {
		t.Fatalf("expected one booked failure, got %d", len(store.booked))
	}
	if len(bus.published) != 0 {
		t.Fatal("item with budget left must not publish exhaustion")
	}
}

func TestSweepPublishesExhaustion(t *testing.T) {
	item := claimedItem(ingest.TopicQuoteApproved, 4, 5)
	store := &fakeSweepStore{items: []Item{item}}
	enq := &fakeEnqueuer{err: errors.New("redis down")}
	bus := &capturingBus{}
	s := NewSweeper(store, &fakeReopener{}, enq, bus, testPipelineConfig{}, logger.New("test"))

	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bus.published) != 1 {
		t.Fatalf("expected one event, got %d", len(bus.published))
	}
	exhausted, ok := bus.published[0].(events.DeadLetterExhausted)
	if !ok {
		t.Fatalf("expected DeadLetterExhausted, got %T", bus.published[0])
	}
	if exhausted.RetryCount != 5 {
		t.Fatalf("expected retry count 5, got %d", exhausted.RetryCount)
	}
}
