// Package ingest provides the webhook ingestion bounded context: the durable
// event inbox and the HTTP gateway that feeds it.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status values for inbox rows.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Event is a durable inbox row: exactly one per webhook event id, never
// deleted. The row, not any in-memory queue, is the processing source of
// truth.
type Event struct {
	ID          uuid.UUID
	EventID     string
	AccountID   string
	Topic       string
	ObjectID    string
	Payload     json.RawMessage
	OccurredAt  time.Time
	Status      Status
	Attempts    int
	NextRetryAt *time.Time
	LastError   *string
	CreatedAt   time.Time
}

// Repository provides data access for the webhook event inbox.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new inbox repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const eventColumns = `id, event_id, account_id, topic, object_id, payload, occurred_at,
	status, attempts, next_retry_at, last_error, created_at`

func scanEvent(row pgx.Row) (Event, error) {
	var e Event
	var status string
	err := row.Scan(&e.ID, &e.EventID, &e.AccountID, &e.Topic, &e.ObjectID, &e.Payload,
		&e.OccurredAt, &status, &e.Attempts, &e.NextRetryAt, &e.LastError, &e.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	e.Status = Status(status)
	return e, nil
}

// Insert creates the inbox row for a first-seen event id. Returns the row and
// false when the event id already exists (duplicate delivery).
func (r *Repository) Insert(ctx context.Context, e Event) (Event, bool, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
		INSERT INTO fs_webhook_events (event_id, account_id, topic, object_id, payload, occurred_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id
	`, e.EventID, e.AccountID, e.Topic, e.ObjectID, e.Payload, e.OccurredAt, string(e.Status)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, lookupErr := r.GetByEventID(ctx, e.EventID)
		if lookupErr != nil {
			return Event{}, false, lookupErr
		}
		return existing, true, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	e.ID = id
	return e, false, nil
}

// GetByID fetches an inbox row by primary key.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Event, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM fs_webhook_events WHERE id = $1`, id)
	return scanEvent(row)
}

// GetByEventID fetches an inbox row by the external event id.
func (r *Repository) GetByEventID(ctx context.Context, eventID string) (Event, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM fs_webhook_events WHERE event_id = $1`, eventID)
	return scanEvent(row)
}

// MarkProcessing transitions the row to processing.
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE fs_webhook_events
		SET status = 'processing', updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

// MarkCompleted transitions the row to completed and clears any error.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE fs_webhook_events
		SET status = 'completed', last_error = NULL, next_retry_at = NULL, updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

// MarkSkipped records a terminal skip (unsupported topic, deleted upstream,
// self-write echo).
func (r *Repository) MarkSkipped(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE fs_webhook_events
		SET status = 'skipped', last_error = $2, next_retry_at = NULL, updated_at = now()
		WHERE id = $1
	`, id, reason)
	return err
}

// MarkRetry increments attempts and schedules the next retry.
func (r *Repository) MarkRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, lastError string) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx, `
		UPDATE fs_webhook_events
		SET status = 'pending', attempts = attempts + 1, next_retry_at = $2, last_error = $3, updated_at = now()
		WHERE id = $1
		RETURNING attempts
	`, id, nextRetryAt, lastError).Scan(&attempts)
	return attempts, err
}

// MarkFailed records the terminal failure after the retry budget is spent.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE fs_webhook_events
		SET status = 'failed', attempts = attempts + 1, next_retry_at = NULL, last_error = $2, updated_at = now()
		WHERE id = $1
	`, id, lastError)
	return err
}

// Reopen returns a failed row to pending so a dead-letter sweep can replay it.
func (r *Repository) Reopen(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE fs_webhook_events
		SET status = 'pending', next_retry_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'failed'
	`, id)
	return err
}

// ListRecoverable returns rows that were pending or mid-flight when the
// process died, for re-enqueueing at worker startup.
func (r *Repository) ListRecoverable(ctx context.Context, limit int) ([]Event, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM fs_webhook_events
		WHERE status IN ('pending', 'processing')
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByStatus returns inbox counts per status for an account.
func (r *Repository) CountByStatus(ctx context.Context, accountID string) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, count(*)
		FROM fs_webhook_events
		WHERE account_id = $1
		GROUP BY status
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
