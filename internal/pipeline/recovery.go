package pipeline

import (
	"context"
	"time"

	"fieldsync_backend/internal/ingest"
	"fieldsync_backend/platform/logger"
)

// RecoveryStore lists inbox rows stranded by a crash.
type RecoveryStore interface {
	ListRecoverable(ctx context.Context, limit int) ([]ingest.Event, error)
}

const recoveryBatch = 200

// RecoverPending re-enqueues rows left pending or processing by a previous
// process. Safe to run on every startup: the dispatcher drops rows that are
// already terminal, and family queues keep order.
func RecoverPending(ctx context.Context, store RecoveryStore, enqueuer Enqueuer, log *logger.Logger) error {
	events, err := store.ListRecoverable(ctx, recoveryBatch)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	recovered := 0
	for _, evt := range events {
		processAt := time.Time{}
		if evt.NextRetryAt != nil {
			processAt = *evt.NextRetryAt
		}
		if err := enqueuer.EnqueueProcessEvent(ctx, evt.ID, queueFor(evt.Topic), processAt); err != nil {
			log.Error("failed to re-enqueue recoverable event", "event_row_id", evt.ID, "error", err)
			continue
		}
		recovered++
	}

	log.Info("startup recovery complete", "found", len(events), "enqueued", recovered)
	return nil
}
