package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fieldsync_backend/platform/apperr"
)

// Invoice row statuses.
const (
	InvoicePending = "pending"
	InvoiceCreated = "created"
	InvoiceSent    = "sent"
	InvoicePaid    = "paid"
)

// State is the per-job billing state row. ServiceType and TotalJobValueCents
// are copied from the job on first sight so every milestone invoice is a
// percentage of the same base, even if the job's line items change later.
type State struct {
	ID                 uuid.UUID
	AccountID          string
	JobID              string
	ServiceType        string
	TotalJobValueCents int64
	Milestone          Milestone
	DepositInvoiced    bool
	ProgressInvoiced   bool
	FinalInvoiced      bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Invoiced reports the flag for an invoice type.
func (s State) Invoiced(t InvoiceType) bool {
	switch t {
	case InvoiceDeposit:
		return s.DepositInvoiced
	case InvoiceProgress:
		return s.ProgressInvoiced
	case InvoiceFinal:
		return s.FinalInvoiced
	}
	return false
}

// InvoiceRow is one milestone invoice. ExternalID is the FSM-side invoice id
// once creation succeeds.
type InvoiceRow struct {
	ID          uuid.UUID
	StateID     uuid.UUID
	InvoiceType InvoiceType
	Status      string
	AmountCents int64
	ExternalID  *string
	LastError   *string
	RetryCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertState returns the billing state for a job, creating it at the given
// milestone on first sight and advancing it monotonically otherwise: a late
// or out-of-order webhook never moves the milestone backwards. The service
// type and job value stick once captured; a zero value is backfilled so a job
// seen before its line items existed still gets a base.
func (r *Repository) UpsertState(ctx context.Context, accountID, jobID string, milestone Milestone, serviceType string, totalCents int64) (State, error) {
	var s State
	err := r.pool.QueryRow(ctx, `
		INSERT INTO fs_job_billing_states (account_id, job_id, milestone, milestone_rank, service_type, total_job_value_cents)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, job_id) DO UPDATE
			SET milestone = CASE
				WHEN fs_job_billing_states.milestone_rank < EXCLUDED.milestone_rank THEN EXCLUDED.milestone
				ELSE fs_job_billing_states.milestone
			END,
			milestone_rank = GREATEST(fs_job_billing_states.milestone_rank, EXCLUDED.milestone_rank),
			total_job_value_cents = CASE
				WHEN fs_job_billing_states.total_job_value_cents = 0 THEN EXCLUDED.total_job_value_cents
				ELSE fs_job_billing_states.total_job_value_cents
			END,
			updated_at = now()
		RETURNING id, account_id, job_id, service_type, total_job_value_cents, milestone, deposit_invoiced, progress_invoiced, final_invoiced, created_at, updated_at`,
		accountID, jobID, string(milestone), milestone.Rank(), serviceType, totalCents,
	).Scan(&s.ID, &s.AccountID, &s.JobID, &s.ServiceType, &s.TotalJobValueCents, &s.Milestone, &s.DepositInvoiced, &s.ProgressInvoiced, &s.FinalInvoiced, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return State{}, apperr.Wrap(apperr.KindInternal, "failed to upsert billing state", err)
	}
	return s, nil
}

// SetInvoicedFlag marks an invoice type as handled on the state row.
func (r *Repository) SetInvoicedFlag(ctx context.Context, stateID uuid.UUID, t InvoiceType) error {
	column := ""
	switch t {
	case InvoiceDeposit:
		column = "deposit_invoiced"
	case InvoiceProgress:
		column = "progress_invoiced"
	case InvoiceFinal:
		column = "final_invoiced"
	default:
		return apperr.Validation("unknown invoice type " + string(t))
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE fs_job_billing_states SET `+column+` = TRUE, updated_at = now() WHERE id = $1`,
		stateID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to set invoiced flag", err)
	}
	return nil
}

// GetInvoice returns the invoice row for a state and type, or nil when none
// exists yet.
func (r *Repository) GetInvoice(ctx context.Context, stateID uuid.UUID, t InvoiceType) (*InvoiceRow, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, state_id, invoice_type, status, amount_cents, external_id, last_error, retry_count, created_at, updated_at
		FROM fs_billing_invoices
		WHERE state_id = $1 AND invoice_type = $2`,
		stateID, string(t))
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to get billing invoice", err)
	}
	return &inv, nil
}

// InsertPending creates the durable invoice row before any external call.
// The unique (state_id, invoice_type) constraint makes this the second half
// of the double guard: a concurrent or replayed attempt gets the existing row.
func (r *Repository) InsertPending(ctx context.Context, stateID uuid.UUID, t InvoiceType, amountCents int64) (InvoiceRow, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO fs_billing_invoices (state_id, invoice_type, status, amount_cents)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (state_id, invoice_type) DO NOTHING
		RETURNING id, state_id, invoice_type, status, amount_cents, external_id, last_error, retry_count, created_at, updated_at`,
		stateID, string(t), InvoicePending, amountCents)
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, gerr := r.GetInvoice(ctx, stateID, t)
		if gerr != nil {
			return InvoiceRow{}, gerr
		}
		if existing == nil {
			return InvoiceRow{}, apperr.Internal("billing invoice insert conflict but row missing")
		}
		return *existing, nil
	}
	if err != nil {
		return InvoiceRow{}, apperr.Wrap(apperr.KindInternal, "failed to insert billing invoice", err)
	}
	return inv, nil
}

// MarkCreated records the FSM invoice id after a successful create.
func (r *Repository) MarkCreated(ctx context.Context, id uuid.UUID, externalID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE fs_billing_invoices
		SET status = $2, external_id = $3, last_error = NULL, updated_at = now()
		WHERE id = $1`,
		id, InvoiceCreated, externalID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to mark invoice created", err)
	}
	return nil
}

// MarkSent records a successful send.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE fs_billing_invoices
		SET status = $2, last_error = NULL, updated_at = now()
		WHERE id = $1`,
		id, InvoiceSent)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to mark invoice sent", err)
	}
	return nil
}

// RecordFailure keeps the row in its current status so a later retry resumes
// from the same step.
func (r *Repository) RecordFailure(ctx context.Context, id uuid.UUID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE fs_billing_invoices
		SET last_error = NULLIF($2, ''), retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1`,
		id, msg)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to record invoice failure", err)
	}
	return nil
}

// MarkPaidByExternalID transitions the invoice matching an FSM invoice id to
// paid and returns it with its billing state. Returns nil when the invoice is
// not one of ours.
func (r *Repository) MarkPaidByExternalID(ctx context.Context, accountID, externalID string) (*InvoiceRow, *State, error) {
	var (
		inv InvoiceRow
		s   State
	)
	err := r.pool.QueryRow(ctx, `
		UPDATE fs_billing_invoices i
		SET status = $3, updated_at = now()
		FROM fs_job_billing_states s
		WHERE i.state_id = s.id AND s.account_id = $1 AND i.external_id = $2
		RETURNING i.id, i.state_id, i.invoice_type, i.status, i.amount_cents, i.external_id, i.last_error, i.retry_count, i.created_at, i.updated_at,
			s.id, s.account_id, s.job_id, s.service_type, s.total_job_value_cents, s.milestone, s.deposit_invoiced, s.progress_invoiced, s.final_invoiced, s.created_at, s.updated_at`,
		accountID, externalID, InvoicePaid,
	).Scan(&inv.ID, &inv.StateID, &inv.InvoiceType, &inv.Status, &inv.AmountCents, &inv.ExternalID, &inv.LastError, &inv.RetryCount, &inv.CreatedAt, &inv.UpdatedAt,
		&s.ID, &s.AccountID, &s.JobID, &s.ServiceType, &s.TotalJobValueCents, &s.Milestone, &s.DepositInvoiced, &s.ProgressInvoiced, &s.FinalInvoiced, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "failed to mark invoice paid", err)
	}
	return &inv, &s, nil
}

func scanInvoice(row pgx.Row) (InvoiceRow, error) {
	var inv InvoiceRow
	err := row.Scan(&inv.ID, &inv.StateID, &inv.InvoiceType, &inv.Status, &inv.AmountCents,
		&inv.ExternalID, &inv.LastError, &inv.RetryCount, &inv.CreatedAt, &inv.UpdatedAt)
	return inv, err
}
