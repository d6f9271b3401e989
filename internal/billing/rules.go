// Package billing drives milestone invoicing: as a job moves through its
// lifecycle, per-service-type rules decide which invoice (deposit, progress,
// final) to create and send, exactly once each.
package billing

import "strings"

// Milestone is a point in the job lifecycle. Ordering matters: a billing
// state only ever advances forward.
type Milestone string

const (
	MilestoneCreated    Milestone = "created"
	MilestoneScheduled  Milestone = "scheduled"
	MilestoneInProgress Milestone = "in_progress"
	MilestoneComplete   Milestone = "complete"
)

var milestoneRank = map[Milestone]int{
	MilestoneCreated:    0,
	MilestoneScheduled:  1,
	MilestoneInProgress: 2,
	MilestoneComplete:   3,
}

// Rank returns the milestone's position in the lifecycle, -1 for unknown.
func (m Milestone) Rank() int {
	rank, ok := milestoneRank[m]
	if !ok {
		return -1
	}
	return rank
}

// MilestoneForTopic maps a webhook topic to the milestone it signals.
func MilestoneForTopic(topic string) (Milestone, bool) {
	switch topic {
	case "JOB_CREATE":
		return MilestoneCreated, true
	case "JOB_SCHEDULED":
		return MilestoneScheduled, true
	case "JOB_STARTED", "JOB_UPDATE":
		return MilestoneInProgress, true
	case "JOB_COMPLETED":
		return MilestoneComplete, true
	}
	return "", false
}

// InvoiceType identifies which slice of the job value an invoice covers.
type InvoiceType string

const (
	InvoiceDeposit  InvoiceType = "deposit"
	InvoiceProgress InvoiceType = "progress"
	InvoiceFinal    InvoiceType = "final"
)

// Stage is a label mirrored to the FSM "billing stage" custom field so crews
// and office staff see billing progress without leaving the FSM.
type Stage struct {
	Invoiced string
	Paid     string
}

// Rule is the billing schedule for one service type. Percentages are of the
// job's total value; a zero percentage means that invoice type never fires.
type Rule struct {
	DepositPct  float64
	ProgressPct float64
	FinalPct    float64

	DepositOn  Milestone
	ProgressOn Milestone
	FinalOn    Milestone

	Stages map[InvoiceType]Stage
}

// Pct returns the percentage for an invoice type.
func (r Rule) Pct(t InvoiceType) float64 {
	switch t {
	case InvoiceDeposit:
		return r.DepositPct
	case InvoiceProgress:
		return r.ProgressPct
	case InvoiceFinal:
		return r.FinalPct
	}
	return 0
}

// FiresOn returns the milestone at which an invoice type becomes due.
func (r Rule) FiresOn(t InvoiceType) Milestone {
	switch t {
	case InvoiceDeposit:
		return r.DepositOn
	case InvoiceProgress:
		return r.ProgressOn
	case InvoiceFinal:
		return r.FinalOn
	}
	return ""
}

// DueTypes returns, in schedule order, the invoice types that are due at or
// before the given milestone. Late webhooks still bill earlier milestones.
func (r Rule) DueTypes(at Milestone) []InvoiceType {
	var due []InvoiceType
	for _, t := range []InvoiceType{InvoiceDeposit, InvoiceProgress, InvoiceFinal} {
		if r.Pct(t) <= 0 {
			continue
		}
		if r.FiresOn(t).Rank() <= at.Rank() {
			due = append(due, t)
		}
	}
	return due
}

var defaultStages = map[InvoiceType]Stage{
	InvoiceDeposit:  {Invoiced: "Deposit Invoiced", Paid: "Deposit Paid"},
	InvoiceProgress: {Invoiced: "Progress Invoiced", Paid: "Progress Paid"},
	InvoiceFinal:    {Invoiced: "Final Invoiced", Paid: "Paid in Full"},
}

// projectRule covers one-off installation and construction work: money up
// front, a progress draw, and the balance on completion.
var projectRule = Rule{
	DepositPct: 30, ProgressPct: 40, FinalPct: 30,
	DepositOn: MilestoneScheduled, ProgressOn: MilestoneInProgress, FinalOn: MilestoneComplete,
	Stages: defaultStages,
}

// maintenanceRule covers recurring service work billed in full at completion.
var maintenanceRule = Rule{
	FinalPct: 100,
	FinalOn:  MilestoneComplete,
	Stages:   defaultStages,
}

// cleanupRule covers seasonal cleanups: half on scheduling, half at the end.
var cleanupRule = Rule{
	DepositPct: 50, FinalPct: 50,
	DepositOn: MilestoneScheduled, FinalOn: MilestoneComplete,
	Stages: defaultStages,
}

var projectKeywords = []string{"install", "construction", "hardscape", "patio", "sod", "landscap", "design"}
var cleanupKeywords = []string{"cleanup", "clean up", "aeration", "overseed", "dethatch"}

// RuleForJobType picks the billing schedule from the job's service type.
// Unrecognized types bill like maintenance: everything on completion.
func RuleForJobType(jobType string) Rule {
	normalized := strings.ToLower(jobType)
	for _, kw := range projectKeywords {
		if strings.Contains(normalized, kw) {
			return projectRule
		}
	}
	for _, kw := range cleanupKeywords {
		if strings.Contains(normalized, kw) {
			return cleanupRule
		}
	}
	return maintenanceRule
}
