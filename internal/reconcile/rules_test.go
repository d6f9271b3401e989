package reconcile

import (
	"testing"

	"fieldsync_backend/internal/fsm"
)

func defaultPolicy() Policy {
	return Policy{
		MaxItemDeltaCents:     50000,
		MaxQuantityChangePct:  50,
		MaxUnitPriceChangePct: 25,
		MaxTotalChangePct:     30,
		BlockedCategories:     []string{"hardscape", "irrigation install", "tree removal"},
		AllowAdditions:        true,
		AllowRemovals:         true,
	}
}

func TestEvaluateCleanDiffAutoApplies(t *testing.T) {
	quote := []fsm.LineItem{{Name: "Weekly Mowing", Quantity: 5, UnitPriceCents: 7500}}
	job := []fsm.LineItem{{Name: "Weekly Mowing", Quantity: 4, UnitPriceCents: 7500}}

	result := Evaluate(defaultPolicy(), ComputeDiff(quote, job), 30000)
	if !result.CanAutoApply() {
		t.Fatalf("expected auto-apply, got violations %+v", result.Violations)
	}
}

func TestEvaluateBlockedCategoryAgainstEmptyJob(t *testing.T) {
	quote := []fsm.LineItem{{Name: "Paver Patio", Category: "Hardscape", Quantity: 1, UnitPriceCents: 500000}}

	result := Evaluate(defaultPolicy(), ComputeDiff(quote, nil), 0)
	if result.CanAutoApply() {
		t.Fatal("expected change order for blocked category")
	}
	found := false
	for _, v := range result.Violations {
		if v.Rule == RuleBlockedCategory {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s violation, got %+v", RuleBlockedCategory, result.Violations)
	}
}

func TestEvaluateBlockedCategoryMatchesOnName(t *testing.T) {
	quote := []fsm.LineItem{{Name: "Tree Removal - rear oak", Quantity: 1, UnitPriceCents: 40000}}

	result := Evaluate(defaultPolicy(), ComputeDiff(quote, nil), 100000)
	found := false
	for _, v := range result.Violations {
		if v.Rule == RuleBlockedCategory {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected blocked category match on name, got %+v", result.Violations)
	}
}

func TestEvaluateItemDeltaCap(t *testing.T) {
	quote := []fsm.LineItem{{Name: "Sod Install", Quantity: 1, UnitPriceCents: 60000}}

	result := Evaluate(defaultPolicy(), ComputeDiff(quote, nil), 200000)
	if result.CanAutoApply() {
		t.Fatal("expected per-item cap violation")
	}
	if result.Violations[0].Rule != RuleItemDeltaCap {
		t.Fatalf("expected %s, got %s", RuleItemDeltaCap, result.Violations[0].Rule)
	}
}

func TestEvaluateQuantityCap(t *testing.T) {
	quote := []fsm.LineItem{{Name: "Shrub Trim", Quantity: 8, UnitPriceCents: 2000}}
	job := []fsm.LineItem{{Name: "Shrub Trim", Quantity: 5, UnitPriceCents: 2000}}

	result := Evaluate(defaultPolicy(), ComputeDiff(quote, job), 500000)
	if result.CanAutoApply() {
		t.Fatal("expected quantity cap violation for 60% increase")
	}
	if result.Violations[0].Rule != RuleQuantityCap {
		t.Fatalf("expected %s, got %s", RuleQuantityCap, result.Violations[0].Rule)
	}
}

func TestEvaluateUnitPriceCap(t *testing.T) {
	quote := []fsm.LineItem{{Name: "Fertilizer", Quantity: 1, UnitPriceCents: 13000}}
	job := []fsm.LineItem{{Name: "Fertilizer", Quantity: 1, UnitPriceCents: 10000}}

	result := Evaluate(defaultPolicy(), ComputeDiff(quote, job), 500000)
	if result.CanAutoApply() {
		t.Fatal("expected unit price cap violation for 30% increase")
	}
	if result.Violations[0].Rule != RuleUnitPriceCap {
		t.Fatalf("expected %s, got %s", RuleUnitPriceCap, result.Violations[0].Rule)
	}
}

func TestEvaluateTotalChangeCap(t *testing.T) {
	quote := []fsm.LineItem{{Name: "Overseeding", Quantity: 1, UnitPriceCents: 40000}}

	// Job worth 100000 gains 40000: 40% net change against a 30% cap.
	result := Evaluate(defaultPolicy(), ComputeDiff(quote, nil), 100000)
	found := false
	for _, v := range result.Violations {
		if v.Rule == RuleTotalChangeCap {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected total change cap violation, got %+v", result.Violations)
	}
}

func TestEvaluateZeroPriorTotal(t *testing.T) {
	quote := []fsm.LineItem{{Name: "Weekly Mowing", Quantity: 1, UnitPriceCents: 7500}}

	result := Evaluate(defaultPolicy(), ComputeDiff(quote, nil), 0)
	found := false
	for _, v := range result.Violations {
		if v.Rule == RuleZeroPriorTotal {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected zero prior total violation, got %+v", result.Violations)
	}
}

func TestEvaluateAdditionsDisabled(t *testing.T) {
	policy := defaultPolicy()
	policy.AllowAdditions = false
	quote := []fsm.LineItem{{Name: "Edging", Quantity: 1, UnitPriceCents: 2500}}

	result := Evaluate(policy, ComputeDiff(quote, nil), 100000)
	if result.CanAutoApply() {
		t.Fatal("expected additions-disabled violation")
	}
	if result.Violations[0].Rule != RuleAdditionsOff {
		t.Fatalf("expected %s, got %s", RuleAdditionsOff, result.Violations[0].Rule)
	}
}

func TestEvaluateRemovalsDisabled(t *testing.T) {
	policy := defaultPolicy()
	policy.AllowRemovals = false
	job := []fsm.LineItem{{Name: "Edging", Quantity: 1, UnitPriceCents: 2500}}

	result := Evaluate(policy, ComputeDiff(nil, job), 100000)
	if result.CanAutoApply() {
		t.Fatal("expected removals-disabled violation")
	}
	if result.Violations[0].Rule != RuleRemovalsOff {
		t.Fatalf("expected %s, got %s", RuleRemovalsOff, result.Violations[0].Rule)
	}
}

func TestEvaluateWarningDoesNotBlock(t *testing.T) {
	quote := []fsm.LineItem{{Name: "Overseeding", Quantity: 1, UnitPriceCents: 20000}}

	// 20% net change: over half the 30% cap, under the cap itself.
	result := Evaluate(defaultPolicy(), ComputeDiff(quote, nil), 100000)
	if !result.CanAutoApply() {
		t.Fatalf("warnings must not block auto-apply, got violations %+v", result.Violations)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected a total-change warning")
	}
}
