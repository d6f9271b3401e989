// Package deadletter holds webhook events that exhausted their primary
// retries. Items carry their own retry schedule, swept independently of the
// main queue, and leave only by succeeding, being resolved, or being
// explicitly discarded.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status values for dead-letter items.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusExhausted Status = "exhausted"
	StatusResolved  Status = "resolved"
	StatusDiscarded Status = "discarded"
)

var ErrNotFound = errors.New("dead letter item not found")

// Item mirrors a webhook event that exhausted primary retries.
type Item struct {
	ID          uuid.UUID
	EventRowID  uuid.UUID
	EventID     string
	AccountID   string
	Topic       string
	ObjectID    string
	Payload     json.RawMessage
	RetryCount  int
	MaxRetries  int
	Status      Status
	NextRetryAt *time.Time
	LastError   *string
	CreatedAt   time.Time
}

// Repository provides data access for dead-letter items.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a new dead-letter repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const itemColumns = `id, event_row_id, event_id, account_id, topic, object_id, payload,
	retry_count, max_retries, status, next_retry_at, last_error, created_at`

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	var status string
	err := row.Scan(&it.ID, &it.EventRowID, &it.EventID, &it.AccountID, &it.Topic, &it.ObjectID,
		&it.Payload, &it.RetryCount, &it.MaxRetries, &status, &it.NextRetryAt, &it.LastError, &it.CreatedAt)
	if err != nil {
		return Item{}, err
	}
	it.Status = Status(status)
	return it, nil
}

// Insert creates a dead-letter item for an event, one per event row. On
// conflict the hand-off counts as a failed dead-letter retry: the item's
// retry budget is decremented and it transitions to exhausted when spent.
// Returns ErrNotFound when the existing item is already closed.
func (r *Repository) Insert(ctx context.Context, it Item) (Item, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO fs_dead_letter_items AS d
			(event_row_id, event_id, account_id, topic, object_id, payload, max_retries, status, next_retry_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9)
		ON CONFLICT (event_row_id) DO UPDATE
		SET retry_count = d.retry_count + 1,
		    status = CASE WHEN d.retry_count + 1 >= d.max_retries THEN 'exhausted' ELSE 'pending' END,
		    next_retry_at = CASE WHEN d.retry_count + 1 >= d.max_retries THEN NULL ELSE EXCLUDED.next_retry_at END,
		    last_error = EXCLUDED.last_error,
		    updated_at = now()
		WHERE d.status NOT IN ('resolved', 'discarded')
		RETURNING `+itemColumns+`
	`, it.EventRowID, it.EventID, it.AccountID, it.Topic, it.ObjectID, it.Payload,
		it.MaxRetries, it.NextRetryAt, it.LastError)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return item, err
}

// GetByID fetches an item.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Item, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM fs_dead_letter_items WHERE id = $1`, id)
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, err
}

// ClaimRetryable atomically claims due items (next_retry_at <= now) and marks
// them retrying. The claim survives a crash: items stuck in retrying past
// their window are re-claimed by a later sweep via the grace interval.
func (r *Repository) ClaimRetryable(ctx context.Context, limit int) ([]Item, error) {
	if limit < 1 {
		limit = 25
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `WITH cte AS (
		SELECT id
		FROM fs_dead_letter_items
		WHERE (status = 'pending' AND next_retry_at <= now())
		   OR (status = 'retrying' AND updated_at <= now() - interval '10 minutes')
		ORDER BY next_retry_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE fs_dead_letter_items d
	SET status = 'retrying', updated_at = now()
	FROM cte
	WHERE d.id = cte.id
	RETURNING `+itemColumns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

// MarkResolved closes the item after a successful reprocess or operator fix.
func (r *Repository) MarkResolved(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, StatusResolved, nil)
}

// ResolveByEventRow closes any open item for an event row. Called when a
// swept event finally processes cleanly; a no-op when nothing is open.
func (r *Repository) ResolveByEventRow(ctx context.Context, eventRowID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE fs_dead_letter_items
		SET status = 'resolved', resolved_at = now(), updated_at = now()
		WHERE event_row_id = $1 AND status NOT IN ('resolved', 'discarded')
	`, eventRowID)
	return err
}

// MarkDiscarded closes the item permanently. Explicit and irreversible.
func (r *Repository) MarkDiscarded(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, StatusDiscarded, nil)
}

func (r *Repository) setStatus(ctx context.Context, id uuid.UUID, status Status, lastError *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE fs_dead_letter_items
		SET status = $2, last_error = COALESCE($3, last_error), resolved_at = now(), updated_at = now()
		WHERE id = $1 AND status NOT IN ('resolved', 'discarded')
	`, id, string(status), lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRetryFailure books a failed reprocess attempt. When the retry budget
// is spent the item transitions to exhausted; otherwise it returns to pending
// with the supplied backoff.
func (r *Repository) RecordRetryFailure(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, lastError string) (Item, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE fs_dead_letter_items
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= max_retries THEN 'exhausted' ELSE 'pending' END,
		    next_retry_at = CASE WHEN retry_count + 1 >= max_retries THEN NULL ELSE $2 END,
		    last_error = $3,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+itemColumns, id, nextRetryAt, lastError)
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, err
}

// ListByAccount returns items for operator review, newest first.
func (r *Repository) ListByAccount(ctx context.Context, accountID string, limit int) ([]Item, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM fs_dead_letter_items
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// CountByStatus returns dead-letter counts per status for an account.
func (r *Repository) CountByStatus(ctx context.Context, accountID string) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, count(*)
		FROM fs_dead_letter_items
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
