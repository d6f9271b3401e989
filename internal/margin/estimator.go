// Package margin tracks labor variance: an upfront duration estimate per job,
// actuals accumulated from completed visits, and alerts when the spread puts
// the job's margin at risk.
package margin

import (
	"math"
	"strings"
)

// Estimator defaults applied when the job is missing inputs. Jobs estimated
// on defaults are flagged in the snapshot so operators can weigh the number
// accordingly.
const (
	defaultLotSizeSqft = 5000.0
	defaultCrewSize    = 1

	minEstimateMinutes = 15
	maxEstimateMinutes = 480
)

// baseMinutes is the single-worker baseline on a standard lot, keyed by
// normalized service-type keyword. Order matters: substring fallback takes
// the first hit, so more specific services sit above catch-alls like
// "install", and a "Mulch Install" always resolves to the mulch baseline.
var baseMinutes = []struct {
	keyword string
	minutes float64
}{
	{"mowing", 45},
	{"edging", 30},
	{"fertilization", 40},
	{"aeration", 75},
	{"overseeding", 60},
	{"mulch", 150},
	{"cleanup", 210},
	{"leaf removal", 180},
	{"hedge", 90},
	{"shrub", 90},
	{"irrigation", 120},
	{"sod", 300},
	{"hardscape", 420},
	{"install", 360},
}

const genericBaseMinutes = 60

// baseForJobType resolves the baseline by exact normalized key first, then by
// substring so "Weekly Mowing - Front Only" still hits "mowing".
func baseForJobType(jobType string) float64 {
	normalized := strings.ToLower(strings.TrimSpace(jobType))
	for _, entry := range baseMinutes {
		if normalized == entry.keyword {
			return entry.minutes
		}
	}
	for _, entry := range baseMinutes {
		if strings.Contains(normalized, entry.keyword) {
			return entry.minutes
		}
	}
	return genericBaseMinutes
}

// lotMultiplier scales the baseline by property size.
func lotMultiplier(sqft float64) float64 {
	switch {
	case sqft <= 2500:
		return 0.6
	case sqft <= 5000:
		return 1.0
	case sqft <= 10000:
		return 1.5
	case sqft <= 20000:
		return 2.2
	case sqft <= 50000:
		return 3.5
	default:
		return 5.0
	}
}

// crewMultiplier models diminishing returns from added workers. Beyond five
// workers the fraction keeps shrinking but never below 0.15: coordination
// overhead puts a floor on how much a big crew helps.
func crewMultiplier(crew int) float64 {
	switch crew {
	case 1:
		return 1.0
	case 2:
		return 0.55
	case 3:
		return 0.40
	case 4:
		return 0.30
	case 5:
		return 0.25
	}
	m := 1.0 / float64(crew)
	if m < 0.15 {
		m = 0.15
	}
	return m
}

// Estimate is a duration estimate plus which inputs were defaulted.
type Estimate struct {
	Minutes         int
	AssumedLotSize  bool
	AssumedCrewSize bool
}

// EstimateDuration predicts how long one service visit should take, in
// minutes. The result is clamped to [15, 480] and rounded to the nearest 5.
func EstimateDuration(jobType string, lotSizeSqft float64, crewSize int) Estimate {
	var est Estimate
	if lotSizeSqft <= 0 {
		lotSizeSqft = defaultLotSizeSqft
		est.AssumedLotSize = true
	}
	if crewSize <= 0 {
		crewSize = defaultCrewSize
		est.AssumedCrewSize = true
	}

	minutes := baseForJobType(jobType) * lotMultiplier(lotSizeSqft) * crewMultiplier(crewSize)
	if minutes < minEstimateMinutes {
		minutes = minEstimateMinutes
	}
	if minutes > maxEstimateMinutes {
		minutes = maxEstimateMinutes
	}
	est.Minutes = int(math.Round(minutes/5) * 5)
	return est
}
