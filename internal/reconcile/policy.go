package reconcile

import (
	"strings"

	"fieldsync_backend/platform/config"
)

// Policy holds the auto-apply thresholds. A diff that stays inside every
// threshold is applied without human review; anything outside becomes a
// change order.
type Policy struct {
	MaxItemDeltaCents     int64
	MaxQuantityChangePct  float64
	MaxUnitPriceChangePct float64
	MaxTotalChangePct     float64
	BlockedCategories     []string
	AllowAdditions        bool
	AllowRemovals         bool
}

// PolicyFromConfig builds the active policy from environment configuration.
func PolicyFromConfig(cfg config.PolicyConfig) Policy {
	return Policy{
		MaxItemDeltaCents:     cfg.GetMaxItemDeltaCents(),
		MaxQuantityChangePct:  cfg.GetMaxQuantityChangePct(),
		MaxUnitPriceChangePct: cfg.GetMaxUnitPriceChangePct(),
		MaxTotalChangePct:     cfg.GetMaxTotalChangePct(),
		BlockedCategories:     cfg.GetBlockedCategories(),
		AllowAdditions:        cfg.GetAllowAdditions(),
		AllowRemovals:         cfg.GetAllowRemovals(),
	}
}

// blockedCategory reports whether the item's category or name contains any of
// the blocked category substrings, case-insensitively.
func (p Policy) blockedCategory(category, name string) (string, bool) {
	for _, blocked := range p.BlockedCategories {
		b := strings.ToLower(strings.TrimSpace(blocked))
		if b == "" {
			continue
		}
		if strings.Contains(strings.ToLower(category), b) || strings.Contains(strings.ToLower(name), b) {
			return blocked, true
		}
	}
	return "", false
}
