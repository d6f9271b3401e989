package margin

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fieldsync_backend/platform/apperr"
)

// Risk levels carried on the snapshot.
const (
	RiskNormal = "normal"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Alert statuses.
const (
	AlertOpen         = "open"
	AlertAcknowledged = "acknowledged"
	AlertResolved     = "resolved"
	AlertDismissed    = "dismissed"
)

// Alert types.
const (
	AlertDurationOverrun = "duration_overrun"
	AlertVisitOverrun    = "visit_overrun"
	AlertFinalVariance   = "final_variance"
)

// ErrNotFound is returned for missing alerts.
var ErrNotFound = apperr.NotFound("margin alert not found")

// Snapshot is the per-job margin baseline plus accumulated actuals.
type Snapshot struct {
	ID               uuid.UUID
	AccountID        string
	JobID            string
	JobType          string
	EstimatedMinutes int
	RevenueCents     int64
	CostBasisCents   int64
	ActualMinutes    int
	VisitsPlanned    int
	VisitsCompleted  int
	AssumedLotSize   bool
	AssumedCrewSize  bool
	RiskLevel        string
	Completed        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Alert is one margin risk alert tied to a snapshot.
type Alert struct {
	ID                uuid.UUID
	SnapshotID        uuid.UUID
	AccountID         string
	JobID             string
	AlertType         string
	Severity          string
	Status            string
	Message           string
	RecommendedAction string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertSnapshot refreshes the baseline for a job. Actuals are preserved
// across refreshes; only the estimate side is rewritten.
func (r *Repository) UpsertSnapshot(ctx context.Context, s Snapshot) (Snapshot, error) {
	var out Snapshot
	err := r.pool.QueryRow(ctx, `
		INSERT INTO fs_job_margin_snapshots
			(account_id, job_id, job_type, estimated_minutes, revenue_cents, cost_basis_cents,
			 visits_planned, assumed_lot_size, assumed_crew_size, risk_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id, job_id) DO UPDATE SET
			job_type = EXCLUDED.job_type,
			estimated_minutes = EXCLUDED.estimated_minutes,
			revenue_cents = EXCLUDED.revenue_cents,
			cost_basis_cents = EXCLUDED.cost_basis_cents,
			visits_planned = EXCLUDED.visits_planned,
			assumed_lot_size = EXCLUDED.assumed_lot_size,
			assumed_crew_size = EXCLUDED.assumed_crew_size,
			updated_at = now()
		RETURNING id, account_id, job_id, job_type, estimated_minutes, revenue_cents, cost_basis_cents,
			actual_minutes, visits_planned, visits_completed, assumed_lot_size, assumed_crew_size,
			risk_level, completed, created_at, updated_at`,
		s.AccountID, s.JobID, s.JobType, s.EstimatedMinutes, s.RevenueCents, s.CostBasisCents,
		s.VisitsPlanned, s.AssumedLotSize, s.AssumedCrewSize, RiskNormal,
	).Scan(&out.ID, &out.AccountID, &out.JobID, &out.JobType, &out.EstimatedMinutes, &out.RevenueCents,
		&out.CostBasisCents, &out.ActualMinutes, &out.VisitsPlanned, &out.VisitsCompleted,
		&out.AssumedLotSize, &out.AssumedCrewSize, &out.RiskLevel, &out.Completed, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Snapshot{}, apperr.Wrap(apperr.KindInternal, "failed to upsert margin snapshot", err)
	}
	return out, nil
}

// GetSnapshot returns the snapshot for a job, or nil when none exists.
func (r *Repository) GetSnapshot(ctx context.Context, accountID, jobID string) (*Snapshot, error) {
	var s Snapshot
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, job_id, job_type, estimated_minutes, revenue_cents, cost_basis_cents,
			actual_minutes, visits_planned, visits_completed, assumed_lot_size, assumed_crew_size,
			risk_level, completed, created_at, updated_at
		FROM fs_job_margin_snapshots
		WHERE account_id = $1 AND job_id = $2`,
		accountID, jobID,
	).Scan(&s.ID, &s.AccountID, &s.JobID, &s.JobType, &s.EstimatedMinutes, &s.RevenueCents,
		&s.CostBasisCents, &s.ActualMinutes, &s.VisitsPlanned, &s.VisitsCompleted,
		&s.AssumedLotSize, &s.AssumedCrewSize, &s.RiskLevel, &s.Completed, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to get margin snapshot", err)
	}
	return &s, nil
}

// RecordVisitActuals adds a completed visit's minutes to the snapshot exactly
// once per visit: the visit-log insert and the accumulation happen in one
// statement, so a replayed VISIT_COMPLETED adds nothing.
func (r *Repository) RecordVisitActuals(ctx context.Context, snapshotID uuid.UUID, visitID string, minutes int) (Snapshot, bool, error) {
	var (
		s       Snapshot
		applied bool
	)
	err := r.pool.QueryRow(ctx, `
		WITH logged AS (
			INSERT INTO fs_margin_visit_logs (snapshot_id, visit_id, minutes)
			VALUES ($1, $2, $3)
			ON CONFLICT (snapshot_id, visit_id) DO NOTHING
			RETURNING minutes
		), bumped AS (
			UPDATE fs_job_margin_snapshots
			SET actual_minutes = actual_minutes + COALESCE((SELECT minutes FROM logged), 0),
				visits_completed = visits_completed + (SELECT COUNT(*) FROM logged),
				updated_at = now()
			WHERE id = $1
			RETURNING id, account_id, job_id, job_type, estimated_minutes, revenue_cents, cost_basis_cents,
				actual_minutes, visits_planned, visits_completed, assumed_lot_size, assumed_crew_size,
				risk_level, completed, created_at, updated_at
		)
		SELECT b.*, EXISTS(SELECT 1 FROM logged) FROM bumped b`,
		snapshotID, visitID, minutes,
	).Scan(&s.ID, &s.AccountID, &s.JobID, &s.JobType, &s.EstimatedMinutes, &s.RevenueCents,
		&s.CostBasisCents, &s.ActualMinutes, &s.VisitsPlanned, &s.VisitsCompleted,
		&s.AssumedLotSize, &s.AssumedCrewSize, &s.RiskLevel, &s.Completed, &s.CreatedAt, &s.UpdatedAt, &applied)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, false, apperr.NotFound("margin snapshot not found")
	}
	if err != nil {
		return Snapshot{}, false, apperr.Wrap(apperr.KindInternal, "failed to record visit actuals", err)
	}
	return s, applied, nil
}

// SetRisk stores the computed risk level, marking the snapshot completed on
// the final assessment.
func (r *Repository) SetRisk(ctx context.Context, snapshotID uuid.UUID, risk string, completed bool) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE fs_job_margin_snapshots
		SET risk_level = $2, completed = completed OR $3, updated_at = now()
		WHERE id = $1`,
		snapshotID, risk, completed)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to set margin risk", err)
	}
	return nil
}

// OpenAlert creates an alert unless an open one of the same type already
// exists for the snapshot. Returns the alert and whether it was newly opened.
func (r *Repository) OpenAlert(ctx context.Context, a Alert) (Alert, bool, error) {
	var out Alert
	err := r.pool.QueryRow(ctx, `
		INSERT INTO fs_margin_alerts
			(snapshot_id, account_id, job_id, alert_type, severity, status, message, recommended_action)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE NOT EXISTS (
			SELECT 1 FROM fs_margin_alerts
			WHERE snapshot_id = $1 AND alert_type = $4 AND status = $9
		)
		RETURNING id, snapshot_id, account_id, job_id, alert_type, severity, status, message, recommended_action, created_at, updated_at`,
		a.SnapshotID, a.AccountID, a.JobID, a.AlertType, a.Severity, AlertOpen, a.Message, a.RecommendedAction, AlertOpen,
	).Scan(&out.ID, &out.SnapshotID, &out.AccountID, &out.JobID, &out.AlertType, &out.Severity,
		&out.Status, &out.Message, &out.RecommendedAction, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Alert{}, false, nil
	}
	if err != nil {
		return Alert{}, false, apperr.Wrap(apperr.KindInternal, "failed to open margin alert", err)
	}
	return out, true, nil
}

// UpdateAlertStatus transitions an alert through its lifecycle. Terminal
// alerts (resolved, dismissed) stay where they are.
func (r *Repository) UpdateAlertStatus(ctx context.Context, accountID string, id uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE fs_margin_alerts
		SET status = $3, updated_at = now()
		WHERE id = $1 AND account_id = $2 AND status NOT IN ($4, $5)`,
		id, accountID, status, AlertResolved, AlertDismissed)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to update margin alert", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAlerts returns alerts for the operator surface, open first.
func (r *Repository) ListAlerts(ctx context.Context, accountID string, limit int) ([]Alert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, snapshot_id, account_id, job_id, alert_type, severity, status, message, recommended_action, created_at, updated_at
		FROM fs_margin_alerts
		WHERE account_id = $1
		ORDER BY (status = 'open') DESC, created_at DESC
		LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list margin alerts", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.SnapshotID, &a.AccountID, &a.JobID, &a.AlertType, &a.Severity,
			&a.Status, &a.Message, &a.RecommendedAction, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to scan margin alert", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// CountBySeverity aggregates open alerts for the ops summary.
func (r *Repository) CountBySeverity(ctx context.Context, accountID string) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT severity, COUNT(*) FROM fs_margin_alerts
		WHERE account_id = $1 AND status = 'open'
		GROUP BY severity`,
		accountID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to count margin alerts", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			severity string
			n        int64
		)
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to scan margin alert count", err)
		}
		counts[severity] = n
	}
	return counts, rows.Err()
}
