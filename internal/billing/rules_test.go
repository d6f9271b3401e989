package billing

import "testing"

func TestMilestoneForTopic(t *testing.T) {
	cases := []struct {
		topic     string
		milestone Milestone
		ok        bool
	}{
		{"JOB_CREATE", MilestoneCreated, true},
		{"JOB_SCHEDULED", MilestoneScheduled, true},
		{"JOB_STARTED", MilestoneInProgress, true},
		{"JOB_UPDATE", MilestoneInProgress, true},
		{"JOB_COMPLETED", MilestoneComplete, true},
		{"VISIT_COMPLETED", "", false},
	}
	for _, tc := range cases {
		got, ok := MilestoneForTopic(tc.topic)
		if ok != tc.ok || got != tc.milestone {
			t.Fatalf("%s: got (%s, %v), want (%s, %v)", tc.topic, got, ok, tc.milestone, tc.ok)
		}
	}
}

func TestMilestoneOrdering(t *testing.T) {
	order := []Milestone{MilestoneCreated, MilestoneScheduled, MilestoneInProgress, MilestoneComplete}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Fatalf("%s must rank above %s", order[i], order[i-1])
		}
	}
	if Milestone("bogus").Rank() != -1 {
		t.Fatal("unknown milestone must rank -1")
	}
}

func TestRuleForJobType(t *testing.T) {
	if r := RuleForJobType("Paver Patio Install"); r.DepositPct != 30 {
		t.Fatalf("install work should use the project rule, got %+v", r)
	}
	if r := RuleForJobType("Spring Cleanup"); r.DepositPct != 50 || r.FinalPct != 50 {
		t.Fatalf("cleanup should use the cleanup rule, got %+v", r)
	}
	if r := RuleForJobType("Weekly Mowing"); r.FinalPct != 100 || r.DepositPct != 0 {
		t.Fatalf("unrecognized types bill everything on completion, got %+v", r)
	}
}

func TestDueTypesIncludesEarlierMilestones(t *testing.T) {
	rule := RuleForJobType("Sod Install")

	if due := rule.DueTypes(MilestoneCreated); len(due) != 0 {
		t.Fatalf("nothing due at created, got %v", due)
	}
	if due := rule.DueTypes(MilestoneScheduled); len(due) != 1 || due[0] != InvoiceDeposit {
		t.Fatalf("deposit due at scheduled, got %v", due)
	}
	// A job that jumps straight to complete still owes all three.
	due := rule.DueTypes(MilestoneComplete)
	if len(due) != 3 {
		t.Fatalf("all invoices due at complete, got %v", due)
	}
}

func TestAmountCentsRounds(t *testing.T) {
	if got := amountCents(10001, 30); got != 3000 {
		t.Fatalf("expected 3000, got %d", got)
	}
	if got := amountCents(100000, 33.335); got != 33335 {
		t.Fatalf("expected 33335, got %d", got)
	}
}
