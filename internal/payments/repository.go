// Package payments cross-checks FSM invoices against their payment records
// and raises reconciliation alerts when the numbers disagree.
package payments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"fieldsync_backend/platform/apperr"
)

// Alert types.
const (
	AlertPaymentMismatch      = "payment_mismatch"
	AlertDepositInconsistency = "deposit_inconsistency"
)

// Severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert statuses.
const (
	AlertOpen         = "open"
	AlertAcknowledged = "acknowledged"
	AlertResolved     = "resolved"
	AlertDismissed    = "dismissed"
)

// ErrNotFound is returned for missing alerts.
var ErrNotFound = apperr.NotFound("reconciliation alert not found")

// Alert is one open or settled reconciliation finding for an entity.
type Alert struct {
	ID         uuid.UUID
	AccountID  string
	EntityType string // "invoice"
	EntityID   string
	AlertType  string
	Severity   string
	Status     string
	Message    string
	Details    json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert keeps at most one open alert per (account, entity, type). A repeat
// finding refreshes severity, message, and details on the open row instead of
// stacking duplicates. Returns the alert and whether it was newly opened.
func (r *Repository) Upsert(ctx context.Context, a Alert) (Alert, bool, error) {
	var (
		out     Alert
		created bool
	)
	err := r.pool.QueryRow(ctx, `
		INSERT INTO fs_reconciliation_alerts
			(account_id, entity_type, entity_id, alert_type, severity, status, message, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, entity_type, entity_id, alert_type) WHERE status = 'open'
		DO UPDATE SET severity = EXCLUDED.severity, message = EXCLUDED.message,
			details = EXCLUDED.details, updated_at = now()
		RETURNING id, account_id, entity_type, entity_id, alert_type, severity, status, message, details, created_at, updated_at, (xmax = 0)`,
		a.AccountID, a.EntityType, a.EntityID, a.AlertType, a.Severity, AlertOpen, a.Message, a.Details,
	).Scan(&out.ID, &out.AccountID, &out.EntityType, &out.EntityID, &out.AlertType, &out.Severity,
		&out.Status, &out.Message, &out.Details, &out.CreatedAt, &out.UpdatedAt, &created)
	if err != nil {
		return Alert{}, false, apperr.Wrap(apperr.KindInternal, "failed to upsert reconciliation alert", err)
	}
	return out, created, nil
}

// ResolveForEntity closes all open alerts for an entity once the books agree
// again.
func (r *Repository) ResolveForEntity(ctx context.Context, accountID, entityType, entityID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE fs_reconciliation_alerts
		SET status = $4, updated_at = now()
		WHERE account_id = $1 AND entity_type = $2 AND entity_id = $3 AND status = $5`,
		accountID, entityType, entityID, AlertResolved, AlertOpen)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "failed to resolve reconciliation alerts", err)
	}
	return tag.RowsAffected(), nil
}

// UpdateStatus transitions an alert through its lifecycle. Terminal alerts
// stay where they are.
func (r *Repository) UpdateStatus(ctx context.Context, accountID string, id uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE fs_reconciliation_alerts
		SET status = $3, updated_at = now()
		WHERE id = $1 AND account_id = $2 AND status NOT IN ($4, $5)`,
		id, accountID, status, AlertResolved, AlertDismissed)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to update reconciliation alert", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns alerts for the operator surface, open first.
func (r *Repository) List(ctx context.Context, accountID string, limit int) ([]Alert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, entity_type, entity_id, alert_type, severity, status, message, details, created_at, updated_at
		FROM fs_reconciliation_alerts
		WHERE account_id = $1
		ORDER BY (status = 'open') DESC, created_at DESC
		LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list reconciliation alerts", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.AccountID, &a.EntityType, &a.EntityID, &a.AlertType, &a.Severity,
			&a.Status, &a.Message, &a.Details, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to scan reconciliation alert", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// CountOpenBySeverity aggregates open alerts for the ops summary.
func (r *Repository) CountOpenBySeverity(ctx context.Context, accountID string) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT severity, COUNT(*) FROM fs_reconciliation_alerts
		WHERE account_id = $1 AND status = 'open'
		GROUP BY severity`,
		accountID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to count reconciliation alerts", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			severity string
			n        int64
		)
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to scan reconciliation alert count", err)
		}
		counts[severity] = n
	}
	return counts, rows.Err()
}
