package ingest

import (
	"context"
	"encoding/json"
	"time"

	"fieldsync_backend/platform/logger"

	"github.com/google/uuid"
)

// Enqueuer hands accepted events to the processing pipeline.
// Satisfied by pipeline.Client.
type Enqueuer interface {
	EnqueueProcessEvent(ctx context.Context, eventRowID uuid.UUID, queue string, processAt time.Time) error
}

// InboundEvent is the parsed webhook payload.
type InboundEvent struct {
	EventID    string
	AccountID  string
	Topic      string
	ResourceID string
	Data       json.RawMessage
	OccurredAt time.Time
}

// Result describes how an inbound event was received.
type Result struct {
	RowID     uuid.UUID
	Duplicate bool
	Supported bool
}

// EventStore persists inbound events with event-id dedup.
type EventStore interface {
	Insert(ctx context.Context, e Event) (Event, bool, error)
}

// Service accepts inbound webhook events: dedup by event id, classify the
// topic, persist the inbox row, and enqueue supported events for processing.
type Service struct {
	repo     EventStore
	enqueuer Enqueuer
	log      *logger.Logger
}

// NewService creates a new ingest service.
func NewService(repo EventStore, enqueuer Enqueuer, log *logger.Logger) *Service {
	return &Service{repo: repo, enqueuer: enqueuer, log: log}
}

// Accept records the event and schedules processing. It returns immediately:
// the caller acknowledges the webhook regardless of downstream outcome.
func (s *Service) Accept(ctx context.Context, in InboundEvent) (Result, error) {
	supported := Supported(in.Topic)

	status := StatusPending
	if !supported {
		status = StatusSkipped
	}

	row := Event{
		EventID:    in.EventID,
		AccountID:  in.AccountID,
		Topic:      in.Topic,
		ObjectID:   ExtractObjectID(in.Topic, in.ResourceID, in.Data),
		Payload:    in.Data,
		OccurredAt: in.OccurredAt,
		Status:     status,
	}

	stored, duplicate, err := s.repo.Insert(ctx, row)
	if err != nil {
		return Result{}, err
	}

	s.log.WebhookReceived(in.EventID, in.Topic, in.AccountID, duplicate)

	if duplicate {
		// Side effects never repeat: the first receipt owns processing.
		return Result{RowID: stored.ID, Duplicate: true, Supported: supported}, nil
	}
	if !supported {
		return Result{RowID: stored.ID, Supported: false}, nil
	}

	queue, _ := QueueFor(in.Topic)
	if err := s.enqueuer.EnqueueProcessEvent(ctx, stored.ID, queue, time.Now()); err != nil {
		// The durable row stays pending; startup recovery or the next sweep
		// will pick it up even though the immediate enqueue failed.
		s.log.Warn("enqueue failed, relying on recovery sweep", "event_id", in.EventID, "error", err)
	}

	return Result{RowID: stored.ID, Supported: true}, nil
}
