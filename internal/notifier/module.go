package notifier

import (
	"context"
	"fmt"

	"fieldsync_backend/internal/events"
	"fieldsync_backend/internal/margin"
	"fieldsync_backend/internal/payments"
	"fieldsync_backend/platform/config"
	"fieldsync_backend/platform/logger"
)

// Module turns high-priority domain events into operator emails. Delivery
// failures are logged and swallowed: email is advisory, the alerts remain
// queryable through the ops endpoints.
type Module struct {
	sender  Sender
	enabled bool
	log     *logger.Logger
}

func New(sender Sender, cfg config.EmailConfig, log *logger.Logger) *Module {
	enabled := cfg.GetEmailEnabled() && cfg.GetOperatorEmail() != ""
	return &Module{
		sender:  sender,
		enabled: enabled,
		log:     log.WithComponent("notifier"),
	}
}

// SubscribeToEvents registers the module on the bus.
func (m *Module) SubscribeToEvents(bus events.Bus) {
	bus.Subscribe(events.DeadLetterExhausted{}.EventName(), m)
	bus.Subscribe(events.ChangeOrderFlagged{}.EventName(), m)
	bus.Subscribe(events.MarginAlertRaised{}.EventName(), m)
	bus.Subscribe(events.ReconciliationAlertRaised{}.EventName(), m)
}

// Handle routes events to the appropriate alert email.
func (m *Module) Handle(ctx context.Context, event events.Event) error {
	if !m.enabled {
		return nil
	}

	switch e := event.(type) {
	case events.DeadLetterExhausted:
		m.send(ctx, fmt.Sprintf("[FieldSync] Event %s needs manual resolution", e.EventID),
			"Dead-lettered event exhausted its retries",
			[]string{
				fmt.Sprintf("Event: %s (%s)", e.EventID, e.Topic),
				fmt.Sprintf("Account: %s", e.AccountID),
				fmt.Sprintf("Retries: %d", e.RetryCount),
				fmt.Sprintf("Last error: %s", e.LastError),
			})
	case events.ChangeOrderFlagged:
		m.send(ctx, fmt.Sprintf("[FieldSync] Change order required for job %s", e.JobID),
			"Quote change needs a change order",
			[]string{
				fmt.Sprintf("Quote: %s", e.QuoteID),
				fmt.Sprintf("Job: %s", e.JobID),
				fmt.Sprintf("Account: %s", e.AccountID),
				fmt.Sprintf("Reason: %s", e.Reason),
			})
	case events.MarginAlertRaised:
		if e.Severity != margin.RiskHigh {
			return nil
		}
		m.send(ctx, fmt.Sprintf("[FieldSync] High margin risk on job %s", e.JobID),
			"Job margin at high risk",
			[]string{
				fmt.Sprintf("Job: %s", e.JobID),
				fmt.Sprintf("Account: %s", e.AccountID),
				fmt.Sprintf("Alert type: %s", e.AlertType),
			})
	case events.ReconciliationAlertRaised:
		if e.Severity != payments.SeverityCritical {
			return nil
		}
		m.send(ctx, fmt.Sprintf("[FieldSync] Payment discrepancy on %s %s", e.EntityType, e.EntityID),
			"Critical payment reconciliation alert",
			[]string{
				fmt.Sprintf("Entity: %s %s", e.EntityType, e.EntityID),
				fmt.Sprintf("Account: %s", e.AccountID),
				fmt.Sprintf("Alert type: %s", e.AlertType),
			})
	}
	return nil
}

func (m *Module) send(ctx context.Context, subject, heading string, lines []string) {
	if err := m.sender.SendOperatorAlert(ctx, subject, heading, lines); err != nil {
		m.log.Warn("operator alert email failed", "subject", subject, "error", err)
	}
}
