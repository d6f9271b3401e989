// Package reconcile implements the quote/job reconciliation engine: when a
// quote is approved, its line items are diffed against the linked job's and
// either applied automatically or routed to a change order per policy.
package reconcile

import (
	"math"
	"strings"

	"fieldsync_backend/internal/fsm"
)

// DiffType classifies a single line-item difference.
type DiffType string

const (
	DiffAdded    DiffType = "added"
	DiffRemoved  DiffType = "removed"
	DiffModified DiffType = "modified"
)

// ItemDiff is one difference between the quote's and the job's line items.
type ItemDiff struct {
	Type               DiffType      `json:"type"`
	Name               string        `json:"name"`
	Category           string        `json:"category,omitempty"`
	QuoteItem          *fsm.LineItem `json:"quoteItem,omitempty"`
	JobItem            *fsm.LineItem `json:"jobItem,omitempty"`
	QuantityChangePct  float64       `json:"quantityChangePct,omitempty"`
	UnitPriceChangePct float64       `json:"unitPriceChangePct,omitempty"`
	DeltaCents         int64         `json:"deltaCents"` // signed contribution to the job total
}

// Diff is the full comparison of quote line items against job line items.
type Diff struct {
	Items         []ItemDiff `json:"items"`
	Added         int        `json:"added"`
	Removed       int        `json:"removed"`
	Modified      int        `json:"modified"`
	NetDeltaCents int64      `json:"netDeltaCents"`
}

// matchThreshold is the minimum similarity score for a quote item to claim a
// job item: an exact name match alone qualifies; a description match alone
// does not.
const matchThreshold = 2

func similarity(quote, job fsm.LineItem) int {
	score := 0
	if strings.EqualFold(strings.TrimSpace(quote.Name), strings.TrimSpace(job.Name)) {
		score += 2
	}
	if quote.Description != "" && quote.Description == job.Description {
		score++
	}
	return score
}

// ComputeDiff greedily matches each quote line item to the best unmatched job
// line item. Matched pairs that differ in quantity or unit price become
// modified diffs; leftover quote items are additions, leftover job items are
// removals. Pure function of its inputs.
func ComputeDiff(quoteItems, jobItems []fsm.LineItem) Diff {
	var diff Diff
	claimed := make([]bool, len(jobItems))

	for qi := range quoteItems {
		quote := quoteItems[qi]
		bestIdx := -1
		bestScore := 0
		for ji := range jobItems {
			if claimed[ji] {
				continue
			}
			if score := similarity(quote, jobItems[ji]); score > bestScore {
				bestScore = score
				bestIdx = ji
			}
		}

		if bestIdx < 0 || bestScore < matchThreshold {
			q := quote
			diff.Items = append(diff.Items, ItemDiff{
				Type:       DiffAdded,
				Name:       quote.Name,
				Category:   quote.Category,
				QuoteItem:  &q,
				DeltaCents: quote.TotalCents(),
			})
			diff.Added++
			diff.NetDeltaCents += quote.TotalCents()
			continue
		}

		claimed[bestIdx] = true
		job := jobItems[bestIdx]
		if quote.Quantity == job.Quantity && quote.UnitPriceCents == job.UnitPriceCents {
			continue
		}

		q, j := quote, job
		delta := quote.TotalCents() - job.TotalCents()
		diff.Items = append(diff.Items, ItemDiff{
			Type:               DiffModified,
			Name:               quote.Name,
			Category:           quote.Category,
			QuoteItem:          &q,
			JobItem:            &j,
			QuantityChangePct:  percentChange(job.Quantity, quote.Quantity),
			UnitPriceChangePct: percentChange(float64(job.UnitPriceCents), float64(quote.UnitPriceCents)),
			DeltaCents:         delta,
		})
		diff.Modified++
		diff.NetDeltaCents += delta
	}

	for ji := range jobItems {
		if claimed[ji] {
			continue
		}
		job := jobItems[ji]
		j := job
		diff.Items = append(diff.Items, ItemDiff{
			Type:       DiffRemoved,
			Name:       job.Name,
			Category:   job.Category,
			JobItem:    &j,
			DeltaCents: -job.TotalCents(),
		})
		diff.Removed++
		diff.NetDeltaCents -= job.TotalCents()
	}

	return diff
}

// percentChange returns (new-old)/old*100, or 100 when old is zero and new is
// not: a change from nothing is a full change.
func percentChange(old, new float64) float64 {
	if old == 0 {
		if new == 0 {
			return 0
		}
		return 100
	}
	return (new - old) / old * 100
}

func absPct(v float64) float64 {
	return math.Abs(v)
}
