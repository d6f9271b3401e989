package deadletter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fieldsync_backend/internal/events"
	"fieldsync_backend/internal/ingest"
	"fieldsync_backend/platform/config"
	"fieldsync_backend/platform/logger"
)

// SweepStore is the dead-letter surface the sweeper drives.
type SweepStore interface {
	ClaimRetryable(ctx context.Context, limit int) ([]Item, error)
	RecordRetryFailure(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, lastError string) (Item, error)
}

// InboxReopener returns failed inbox rows to pending before a replay.
type InboxReopener interface {
	Reopen(ctx context.Context, id uuid.UUID) error
}

// Enqueuer schedules a reprocess of an inbox row.
type Enqueuer interface {
	EnqueueProcessEvent(ctx context.Context, eventRowID uuid.UUID, queue string, processAt time.Time) error
}

// Sweeper periodically replays due dead-letter items through the main
// pipeline. Success and failure accounting happen downstream: a clean
// reprocess resolves the item, a failed one burns a unit of its retry
// budget.
type Sweeper struct {
	store    SweepStore
	inbox    InboxReopener
	enqueuer Enqueuer
	bus      events.Bus
	cfg      config.PipelineConfig
	log      *logger.Logger
}

func NewSweeper(store SweepStore, inbox InboxReopener, enqueuer Enqueuer, bus events.Bus, cfg config.PipelineConfig, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		inbox:    inbox,
		enqueuer: enqueuer,
		bus:      bus,
		cfg:      cfg,
		log:      log.WithComponent("deadletter"),
	}
}

// Run blocks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil || s.store == nil || s.enqueuer == nil {
		return
	}

	interval := s.cfg.GetDLQSweepInterval()
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.Sweep(ctx); err != nil {
			s.log.Warn("dead letter sweep failed", "error", err)
		}
	}
}

// Sweep claims due items and replays each one's event.
func (s *Sweeper) Sweep(ctx context.Context) error {
	items, err := s.store.ClaimRetryable(ctx, s.cfg.GetDLQSweepBatch())
	if err != nil {
		return err
	}

	for _, it := range items {
		if err := s.replay(ctx, it); err != nil {
			s.bookFailure(ctx, it, err)
		}
	}
	if len(items) > 0 {
		s.log.Info("dead letter sweep", "claimed", len(items))
	}
	return nil
}

func (s *Sweeper) replay(ctx context.Context, it Item) error {
	if err := s.inbox.Reopen(ctx, it.EventRowID); err != nil {
		return err
	}
	queue, ok := ingest.QueueFor(it.Topic)
	if !ok {
		queue = ingest.QueueInvoices
	}
	return s.enqueuer.EnqueueProcessEvent(ctx, it.EventRowID, queue, time.Time{})
}

func (s *Sweeper) bookFailure(ctx context.Context, it Item, cause error) {
	next := time.Now().Add(s.cfg.GetDLQSweepInterval())
	updated, err := s.store.RecordRetryFailure(ctx, it.ID, next, cause.Error())
	if err != nil {
		s.log.Error("failed to book dead letter retry failure", "dead_letter_id", it.ID, "error", err)
		return
	}
	if updated.Status == StatusExhausted {
		s.bus.Publish(ctx, events.DeadLetterExhausted{
			BaseEvent:    events.NewBaseEvent(),
			DeadLetterID: updated.ID,
			EventID:      updated.EventID,
			AccountID:    updated.AccountID,
			Topic:        updated.Topic,
			RetryCount:   updated.RetryCount,
			LastError:    cause.Error(),
		})
	}
}
