package reconcile

import (
	"fmt"
	"strings"
)

// Rule names recorded on violations. Stable identifiers, stored verbatim in
// the sync record JSON.
const (
	RuleItemDeltaCap    = "itemDeltaCap"
	RuleQuantityCap     = "quantityChangeCap"
	RuleUnitPriceCap    = "unitPriceChangeCap"
	RuleTotalChangeCap  = "totalChangeCap"
	RuleBlockedCategory = "blockedCategories"
	RuleAdditionsOff    = "additionsDisabled"
	RuleRemovalsOff     = "removalsDisabled"
	RuleZeroPriorTotal  = "zeroPriorTotal"
)

// Violation is a single policy breach. All violations block auto-apply.
type Violation struct {
	Rule    string `json:"rule"`
	Item    string `json:"item,omitempty"`
	Message string `json:"message"`
}

// Warning is advisory only and never blocks auto-apply.
type Warning struct {
	Rule    string `json:"rule"`
	Item    string `json:"item,omitempty"`
	Message string `json:"message"`
}

// EvalResult is the policy verdict for one diff.
type EvalResult struct {
	Diff          Diff        `json:"diff"`
	Violations    []Violation `json:"violations,omitempty"`
	Warnings      []Warning   `json:"warnings,omitempty"`
	PriorJobTotal int64       `json:"priorJobTotalCents"`
}

// CanAutoApply reports whether the diff may be written to the job without a
// change order.
func (r EvalResult) CanAutoApply() bool {
	return len(r.Violations) == 0
}

// Reason joins all violation messages into a single human-readable summary
// for notes and change-order records.
func (r EvalResult) Reason() string {
	if len(r.Violations) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, v.Message)
	}
	return strings.Join(msgs, "; ")
}

// Evaluate applies every policy rule to the diff. priorJobTotalCents is the
// job's line-item total before any changes; it anchors the aggregate
// percentage cap.
func Evaluate(p Policy, diff Diff, priorJobTotalCents int64) EvalResult {
	res := EvalResult{Diff: diff, PriorJobTotal: priorJobTotalCents}

	for _, item := range diff.Items {
		if blocked, ok := p.blockedCategory(item.Category, item.Name); ok {
			res.Violations = append(res.Violations, Violation{
				Rule:    RuleBlockedCategory,
				Item:    item.Name,
				Message: fmt.Sprintf("item %q falls in blocked category %q and requires manual approval", item.Name, blocked),
			})
		}

		switch item.Type {
		case DiffAdded:
			if !p.AllowAdditions {
				res.Violations = append(res.Violations, Violation{
					Rule:    RuleAdditionsOff,
					Item:    item.Name,
					Message: fmt.Sprintf("item additions are disabled; cannot add %q", item.Name),
				})
			}
			if abs64(item.DeltaCents) > p.MaxItemDeltaCents {
				res.Violations = append(res.Violations, Violation{
					Rule:    RuleItemDeltaCap,
					Item:    item.Name,
					Message: fmt.Sprintf("added item %q is worth %d cents, above the %d cent per-item cap", item.Name, abs64(item.DeltaCents), p.MaxItemDeltaCents),
				})
			}
		case DiffRemoved:
			if !p.AllowRemovals {
				res.Violations = append(res.Violations, Violation{
					Rule:    RuleRemovalsOff,
					Item:    item.Name,
					Message: fmt.Sprintf("item removals are disabled; cannot remove %q", item.Name),
				})
			}
			if abs64(item.DeltaCents) > p.MaxItemDeltaCents {
				res.Violations = append(res.Violations, Violation{
					Rule:    RuleItemDeltaCap,
					Item:    item.Name,
					Message: fmt.Sprintf("removed item %q is worth %d cents, above the %d cent per-item cap", item.Name, abs64(item.DeltaCents), p.MaxItemDeltaCents),
				})
			}
		case DiffModified:
			if absPct(item.QuantityChangePct) > p.MaxQuantityChangePct {
				res.Violations = append(res.Violations, Violation{
					Rule:    RuleQuantityCap,
					Item:    item.Name,
					Message: fmt.Sprintf("quantity of %q changed %.1f%%, above the %.1f%% cap", item.Name, item.QuantityChangePct, p.MaxQuantityChangePct),
				})
			}
			if absPct(item.UnitPriceChangePct) > p.MaxUnitPriceChangePct {
				res.Violations = append(res.Violations, Violation{
					Rule:    RuleUnitPriceCap,
					Item:    item.Name,
					Message: fmt.Sprintf("unit price of %q changed %.1f%%, above the %.1f%% cap", item.Name, item.UnitPriceChangePct, p.MaxUnitPriceChangePct),
				})
			}
		}
	}

	if diff.NetDeltaCents != 0 {
		if priorJobTotalCents == 0 {
			res.Violations = append(res.Violations, Violation{
				Rule:    RuleZeroPriorTotal,
				Message: fmt.Sprintf("net change of %d cents against a job with no prior value requires manual approval", diff.NetDeltaCents),
			})
		} else {
			totalPct := absPct(float64(diff.NetDeltaCents) / float64(priorJobTotalCents) * 100)
			if totalPct > p.MaxTotalChangePct {
				res.Violations = append(res.Violations, Violation{
					Rule:    RuleTotalChangeCap,
					Message: fmt.Sprintf("net change of %d cents is %.1f%% of the job total, above the %.1f%% cap", diff.NetDeltaCents, totalPct, p.MaxTotalChangePct),
				})
			} else if totalPct > p.MaxTotalChangePct/2 {
				res.Warnings = append(res.Warnings, Warning{
					Rule:    RuleTotalChangeCap,
					Message: fmt.Sprintf("net change is %.1f%% of the job total, over half the %.1f%% cap", totalPct, p.MaxTotalChangePct),
				})
			}
		}
	}

	return res
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
