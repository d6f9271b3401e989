package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fieldsync_backend/platform/apperr"
)

// Sync record statuses. applied, change_order and skipped are terminal;
// processing and failed may be resumed by a retry of the same event.
const (
	StatusProcessing  = "processing"
	StatusApplied     = "applied"
	StatusChangeOrder = "change_order"
	StatusSkipped     = "skipped"
	StatusFailed      = "failed"
)

// Record is one reconciliation attempt for a quote event.
type Record struct {
	ID         uuid.UUID
	AccountID  string
	Topic      string
	QuoteID    string
	JobID      *string
	Status     string
	Reason     *string
	LastError  *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IdempotencyKey derives the stable key for a quote event. Replays of the
// same delivery hash to the same key.
func IdempotencyKey(topic, objectID string, occurredAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", topic, objectID, occurredAt.UnixNano())))
	return hex.EncodeToString(sum[:])
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Begin claims the idempotency key for processing. It returns the record id
// and resumed=false on first sight, resumed=true when a prior attempt was
// left in processing or failed, and apperr Conflict when the key already
// reached a terminal status.
func (r *Repository) Begin(ctx context.Context, key, accountID, topic, quoteID string) (uuid.UUID, bool, error) {
	var (
		id      uuid.UUID
		resumed bool
	)
	err := r.pool.QueryRow(ctx, `
		INSERT INTO fs_quote_job_sync_records (idempotency_key, account_id, topic, quote_id, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
			SET status = $5, updated_at = now()
			WHERE fs_quote_job_sync_records.status IN ('processing', 'failed')
		RETURNING id, (xmax <> 0)`,
		key, accountID, topic, quoteID, StatusProcessing,
	).Scan(&id, &resumed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Key exists with a terminal status; nothing to do.
			return uuid.Nil, false, apperr.Conflict("sync record already finalized")
		}
		return uuid.Nil, false, apperr.Wrap(apperr.KindInternal, "failed to begin sync record", err)
	}
	return id, resumed, nil
}

// SetJob records the resolved job once resolution succeeds.
func (r *Repository) SetJob(ctx context.Context, id uuid.UUID, jobID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE fs_quote_job_sync_records SET job_id = $2, updated_at = now() WHERE id = $1`,
		id, jobID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to set sync record job", err)
	}
	return nil
}

// Finalize writes the terminal outcome together with the evaluated diff.
func (r *Repository) Finalize(ctx context.Context, id uuid.UUID, status string, result *EvalResult, reason string) error {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to encode sync result", err)
		}
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE fs_quote_job_sync_records
		SET status = $2, result = COALESCE($3, result), reason = NULLIF($4, ''), updated_at = now()
		WHERE id = $1`,
		id, status, resultJSON, reason)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to finalize sync record", err)
	}
	return nil
}

// MarkFailed records a non-terminal failure so a retried event can resume.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE fs_quote_job_sync_records
		SET status = $2, last_error = NULLIF($3, ''), updated_at = now()
		WHERE id = $1`,
		id, StatusFailed, msg)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to mark sync record failed", err)
	}
	return nil
}

// ListByAccount returns recent sync records for the operator surface.
func (r *Repository) ListByAccount(ctx context.Context, accountID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, topic, quote_id, job_id, status, reason, last_error, created_at, updated_at
		FROM fs_quote_job_sync_records
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list sync records", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.Topic, &rec.QuoteID, &rec.JobID,
			&rec.Status, &rec.Reason, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to scan sync record", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByStatus aggregates sync records for the ops summary.
func (r *Repository) CountByStatus(ctx context.Context, accountID string) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM fs_quote_job_sync_records
		WHERE account_id = $1
		GROUP BY status`,
		accountID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to count sync records", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to scan sync record count", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
