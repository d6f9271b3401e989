package notifier

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"fieldsync_backend/internal/events"
	"fieldsync_backend/platform/logger"
)

type sentAlert struct {
	subject string
	heading string
	lines   []string
}

type fakeSender struct{ sent []sentAlert }

func (f *fakeSender) SendOperatorAlert(ctx context.Context, subject, heading string, lines []string) error {
	f.sent = append(f.sent, sentAlert{subject: subject, heading: heading, lines: lines})
	return nil
}

type testEmailConfig struct {
	enabled  bool
	operator string
}

func (c testEmailConfig) GetEmailEnabled() bool       { return c.enabled }
func (c testEmailConfig) GetSMTPHost() string         { return "localhost" }
func (c testEmailConfig) GetSMTPPort() int            { return 587 }
func (c testEmailConfig) GetSMTPUsername() string     { return "" }
func (c testEmailConfig) GetSMTPPassword() string     { return "" }
func (c testEmailConfig) GetEmailFromName() string    { return "FieldSync" }
func (c testEmailConfig) GetEmailFromAddress() string { return "alerts@example.com" }
func (c testEmailConfig) GetOperatorEmail() string    { return c.operator }

func newTestModule(sender Sender) *Module {
	return New(sender, testEmailConfig{enabled: true, operator: "ops@example.com"}, logger.New("test"))
}

func TestHandleDeadLetterExhausted(t *testing.T) {
	sender := &fakeSender{}
	m := newTestModule(sender)

	err := m.Handle(context.Background(), events.DeadLetterExhausted{
		BaseEvent:    events.NewBaseEvent(),
		DeadLetterID: uuid.New(),
		EventID:      "evt-1",
		AccountID:    "acct-1",
		Topic:        "JOB_COMPLETED",
		RetryCount:   5,
		LastError:    "fsm api unavailable",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one email, got %d", len(sender.sent))
	}
}

func TestHandleMarginAlertFiltersBySeverity(t *testing.T) {
	sender := &fakeSender{}
	m := newTestModule(sender)

	for _, severity := range []string{"normal", "medium"} {
		err := m.Handle(context.Background(), events.MarginAlertRaised{
			BaseEvent: events.NewBaseEvent(),
			AlertID:   uuid.New(),
			JobID:     "job-1",
			Severity:  severity,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(sender.sent) != 0 {
		t.Fatal("sub-high margin alerts must not email")
	}

	err := m.Handle(context.Background(), events.MarginAlertRaised{
		BaseEvent: events.NewBaseEvent(),
		AlertID:   uuid.New(),
		JobID:     "job-1",
		Severity:  "high",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("high margin alert must email, got %d", len(sender.sent))
	}
}

func TestHandleReconciliationAlertFiltersBySeverity(t *testing.T) {
	sender := &fakeSender{}
	m := newTestModule(sender)

	if err := m.Handle(context.Background(), events.ReconciliationAlertRaised{Severity: "warning"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("warning reconciliation alerts must not email")
	}
	if err := m.Handle(context.Background(), events.ReconciliationAlertRaised{Severity: "critical"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatal("critical reconciliation alert must email")
	}
}

func TestHandleDisabledModuleIsSilent(t *testing.T) {
	sender := &fakeSender{}
	m := New(sender, testEmailConfig{enabled: false, operator: "ops@example.com"}, logger.New("test"))

	err := m.Handle(context.Background(), events.ChangeOrderFlagged{
		BaseEvent: events.NewBaseEvent(),
		QuoteID:   "quote-1",
		JobID:     "job-1",
		Reason:    "blocked category",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("disabled notifier must not send")
	}
}
