package margin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldsync_backend/internal/events"
	"fieldsync_backend/internal/fsm"
	"fieldsync_backend/platform/logger"
)

// Variance thresholds, percent over estimate.
const (
	durationLowPct    = 15.0
	durationMediumPct = 30.0
	durationHighPct   = 50.0
)

// Visit overage thresholds, completed visits beyond plan.
const (
	visitOverageLow    = 1
	visitOverageMedium = 2
	visitOverageHigh   = 3
)

// costBasisPct is the assumed labor cost share of revenue when no cost data
// exists on the job.
const costBasisPct = 60

// FSMClient is the slice of the FSM API the margin engine needs.
type FSMClient interface {
	GetJob(ctx context.Context, id string) (fsm.Job, error)
	GetVisit(ctx context.Context, id string) (fsm.Visit, error)
	SetJobCustomField(ctx context.Context, jobID, fieldID, value string) error
}

// FieldResolver resolves custom field names to FSM field ids.
type FieldResolver interface {
	FieldID(ctx context.Context, name string) (string, error)
}

// MarkerStore records self-writes so echoed webhooks are suppressed.
type MarkerStore interface {
	MarkSelf(ctx context.Context, accountID, objectType, objectID string) error
}

// Store persists margin snapshots and alerts.
type Store interface {
	UpsertSnapshot(ctx context.Context, s Snapshot) (Snapshot, error)
	GetSnapshot(ctx context.Context, accountID, jobID string) (*Snapshot, error)
	RecordVisitActuals(ctx context.Context, snapshotID uuid.UUID, visitID string, minutes int) (Snapshot, bool, error)
	SetRisk(ctx context.Context, snapshotID uuid.UUID, risk string, completed bool) error
	OpenAlert(ctx context.Context, a Alert) (Alert, bool, error)
}

// JobEvent is the pipeline's view of an inbound job webhook.
type JobEvent struct {
	Topic      string
	JobID      string
	AccountID  string
	OccurredAt time.Time
}

// VisitEvent is the pipeline's view of an inbound visit webhook.
type VisitEvent struct {
	Topic      string
	VisitID    string
	AccountID  string
	OccurredAt time.Time
}

// Service is the margin variance engine.
type Service struct {
	client  FSMClient
	fields  FieldResolver
	markers MarkerStore
	store   Store
	bus     events.Bus
	log     *logger.Logger
}

func NewService(client FSMClient, fields FieldResolver, markers MarkerStore, store Store, bus events.Bus, log *logger.Logger) *Service {
	return &Service{
		client:  client,
		fields:  fields,
		markers: markers,
		store:   store,
		bus:     bus,
		log:     log.WithComponent("margin"),
	}
}

// ProcessJobEvent refreshes the job's margin baseline. JOB_COMPLETED also
// runs the final variance assessment.
func (s *Service) ProcessJobEvent(ctx context.Context, ev JobEvent) error {
	job, err := s.client.GetJob(ctx, ev.JobID)
	if err != nil {
		return err
	}

	snapshot, err := s.refreshBaseline(ctx, ev.AccountID, job)
	if err != nil {
		return err
	}

	if ev.Topic == "JOB_COMPLETED" {
		return s.assess(ctx, snapshot, true)
	}
	return s.assess(ctx, snapshot, false)
}

// ProcessVisitEvent folds a completed visit's logged time into the snapshot.
// VISIT_CREATE only ensures the baseline exists.
func (s *Service) ProcessVisitEvent(ctx context.Context, ev VisitEvent) error {
	visit, err := s.client.GetVisit(ctx, ev.VisitID)
	if err != nil {
		return err
	}
	if visit.JobID == "" {
		s.log.Debug("visit has no job", "visitId", ev.VisitID)
		return nil
	}

	snapshot, err := s.store.GetSnapshot(ctx, ev.AccountID, visit.JobID)
	if err != nil {
		return err
	}
	if snapshot == nil {
		job, err := s.client.GetJob(ctx, visit.JobID)
		if err != nil {
			return err
		}
		fresh, err := s.refreshBaseline(ctx, ev.AccountID, job)
		if err != nil {
			return err
		}
		snapshot = &fresh
	}

	if ev.Topic != "VISIT_COMPLETED" {
		return nil
	}

	minutes := visitMinutes(visit)
	updated, applied, err := s.store.RecordVisitActuals(ctx, snapshot.ID, visit.ID, minutes)
	if err != nil {
		return err
	}
	if !applied {
		s.log.Debug("visit already counted", "visitId", visit.ID, "jobId", visit.JobID)
		return nil
	}
	return s.assess(ctx, updated, false)
}

func (s *Service) refreshBaseline(ctx context.Context, accountID string, job fsm.Job) (Snapshot, error) {
	estimate := EstimateDuration(job.JobType, job.LotSizeSqft, job.CrewSize)
	revenue := jobRevenueCents(job)
	return s.store.UpsertSnapshot(ctx, Snapshot{
		AccountID:        accountID,
		JobID:            job.ID,
		JobType:          job.JobType,
		EstimatedMinutes: estimate.Minutes,
		RevenueCents:     revenue,
		CostBasisCents:   revenue * costBasisPct / 100,
		VisitsPlanned:    job.VisitsPlanned,
		AssumedLotSize:   estimate.AssumedLotSize,
		AssumedCrewSize:  estimate.AssumedCrewSize,
	})
}

// assess recomputes the composite risk, persists it, raises alerts for
// medium and high triggers, and mirrors elevated risk to the FSM.
func (s *Service) assess(ctx context.Context, snapshot Snapshot, final bool) error {
	verdict := AssessRisk(snapshot, final)
	if err := s.store.SetRisk(ctx, snapshot.ID, verdict.Risk, final); err != nil {
		return err
	}

	for _, trig := range verdict.Triggers {
		if trig.Severity == RiskNormal {
			continue
		}
		alert, opened, err := s.store.OpenAlert(ctx, Alert{
			SnapshotID:        snapshot.ID,
			AccountID:         snapshot.AccountID,
			JobID:             snapshot.JobID,
			AlertType:         trig.Type,
			Severity:          trig.Severity,
			Message:           trig.Message,
			RecommendedAction: trig.RecommendedAction,
		})
		if err != nil {
			return err
		}
		if !opened {
			continue
		}
		s.bus.Publish(ctx, events.MarginAlertRaised{
			BaseEvent: events.NewBaseEvent(),
			AlertID:   alert.ID,
			AccountID: alert.AccountID,
			JobID:     alert.JobID,
			AlertType: alert.AlertType,
			Severity:  alert.Severity,
		})
		s.log.Info("margin alert raised",
			"jobId", alert.JobID,
			"alertType", alert.AlertType,
			"severity", alert.Severity)
	}

	if verdict.Risk != RiskNormal {
		s.mirrorRisk(ctx, snapshot.AccountID, snapshot.JobID, verdict.Risk)
	}
	return nil
}

// mirrorRisk pushes the risk level to the FSM custom field. Best effort.
func (s *Service) mirrorRisk(ctx context.Context, accountID, jobID, risk string) {
	if err := s.markers.MarkSelf(ctx, accountID, "job", jobID); err != nil {
		s.log.Error("failed to mark self write before risk mirror", "jobId", jobID, "error", err)
		return
	}
	fieldID, err := s.fields.FieldID(ctx, fsm.FieldMarginRisk)
	if err != nil {
		s.log.Error("failed to resolve margin risk field", "jobId", jobID, "error", err)
		return
	}
	if err := s.client.SetJobCustomField(ctx, jobID, fieldID, risk); err != nil {
		s.log.Error("failed to set margin risk field", "jobId", jobID, "error", err)
	}
}

// Trigger is one rule that fired during assessment.
type Trigger struct {
	Type              string
	Severity          string
	Message           string
	RecommendedAction string
}

// Verdict is the composite outcome of a risk assessment.
type Verdict struct {
	Risk     string
	Triggers []Trigger
}

// AssessRisk grades the snapshot. Duration variance and visit overage are
// graded separately; the composite risk is the worst trigger, with low-grade
// findings treated as normal.
func AssessRisk(s Snapshot, final bool) Verdict {
	var verdict Verdict
	verdict.Risk = RiskNormal

	if s.EstimatedMinutes > 0 && s.ActualMinutes > 0 {
		expected := expectedMinutesToDate(s, final)
		if expected > 0 {
			variancePct := (float64(s.ActualMinutes) - expected) / expected * 100
			severity := durationSeverity(variancePct)
			if severity != RiskNormal {
				alertType := AlertDurationOverrun
				action := "Review crew allocation and reprice future visits for this service type."
				if final {
					alertType = AlertFinalVariance
					action = "Compare quoted versus actual labor and adjust pricing on similar jobs."
				}
				verdict.Triggers = append(verdict.Triggers, Trigger{
					Type:              alertType,
					Severity:          severity,
					Message:           fmt.Sprintf("logged time is %.0f%% over estimate (%d min logged, %.0f min expected)", variancePct, s.ActualMinutes, expected),
					RecommendedAction: action,
				})
			}
		}
	}

	if s.VisitsPlanned > 0 {
		overage := s.VisitsCompleted - s.VisitsPlanned
		severity := visitSeverity(overage)
		if severity != RiskNormal {
			verdict.Triggers = append(verdict.Triggers, Trigger{
				Type:              AlertVisitOverrun,
				Severity:          severity,
				Message:           fmt.Sprintf("%d visits completed against %d planned", s.VisitsCompleted, s.VisitsPlanned),
				RecommendedAction: "Confirm scope with the client; extra visits may warrant a change order.",
			})
		}
	}

	for _, trig := range verdict.Triggers {
		if riskRank(trig.Severity) > riskRank(verdict.Risk) {
			verdict.Risk = trig.Severity
		}
	}
	return verdict
}

// expectedMinutesToDate scales the estimate by completed visits while the job
// is running; the final assessment compares against the full plan.
func expectedMinutesToDate(s Snapshot, final bool) float64 {
	perVisit := float64(s.EstimatedMinutes)
	plannedVisits := s.VisitsPlanned
	if plannedVisits <= 0 {
		plannedVisits = 1
	}
	if final {
		return perVisit * float64(plannedVisits)
	}
	completed := s.VisitsCompleted
	if completed <= 0 {
		completed = 1
	}
	if completed > plannedVisits {
		completed = plannedVisits
	}
	return perVisit * float64(completed)
}

func durationSeverity(variancePct float64) string {
	switch {
	case variancePct >= durationHighPct:
		return RiskHigh
	case variancePct >= durationMediumPct:
		return RiskMedium
	case variancePct >= durationLowPct:
		// Low-grade drift: tracked but not alerted.
		return RiskNormal
	default:
		return RiskNormal
	}
}

func visitSeverity(overage int) string {
	switch {
	case overage >= visitOverageHigh:
		return RiskHigh
	case overage >= visitOverageMedium:
		return RiskMedium
	case overage >= visitOverageLow:
		return RiskNormal
	default:
		return RiskNormal
	}
}

func riskRank(risk string) int {
	switch risk {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// visitMinutes extracts logged labor minutes from a visit, preferring the
// crew's logged time over the scheduled duration.
func visitMinutes(v fsm.Visit) int {
	if v.TimeLoggedMins > 0 {
		return v.TimeLoggedMins
	}
	if v.DurationMins > 0 {
		return v.DurationMins
	}
	if v.StartAt != nil && v.EndAt != nil && v.EndAt.After(*v.StartAt) {
		return int(v.EndAt.Sub(*v.StartAt).Minutes())
	}
	return 0
}

func jobRevenueCents(job fsm.Job) int64 {
	if job.TotalCents > 0 {
		return job.TotalCents
	}
	var total int64
	for _, item := range job.LineItems {
		total += item.TotalCents()
	}
	return total
}
