// Package plan defines the ordered plan tiers and their per-operation limits.
// Limits are resolved at evaluation time; nothing here is denormalized into
// counter rows.
package plan

import "sort"

// Tier identifies a subscription plan, ordered by entitlement.
type Tier string

const (
	TierFree Tier = "free"
	Tier1    Tier = "tier1"
	Tier2    Tier = "tier2"
	Tier3    Tier = "tier3"
)

// Operation classes metered per billing period.
const (
	ClassIdeaGenerate     = "idea.generate"
	ClassStencil          = "image.stencil"
	ClassBackgroundRemove = "image.bg_remove"
	ClassEnhance          = "image.enhance"
	ClassExport           = "export"
)

// Limits maps an operation class to its per-period allowance.
// A class absent from the map is blocked for that tier.
type Limits map[string]int64

var catalog = map[Tier]Limits{
	TierFree: {
		ClassIdeaGenerate: 5,
		ClassStencil:      3,
		ClassExport:       2,
	},
	Tier1: {
		ClassIdeaGenerate:     50,
		ClassStencil:          30,
		ClassBackgroundRemove: 20,
		ClassEnhance:          20,
		ClassExport:           25,
	},
	Tier2: {
		ClassIdeaGenerate:     200,
		ClassStencil:          150,
		ClassBackgroundRemove: 100,
		ClassEnhance:          100,
		ClassExport:           100,
	},
	Tier3: {
		ClassIdeaGenerate:     1000,
		ClassStencil:          750,
		ClassBackgroundRemove: 500,
		ClassEnhance:          500,
		ClassExport:           500,
	},
}

var ranks = map[Tier]int{
	TierFree: 0,
	Tier1:    1,
	Tier2:    2,
	Tier3:    3,
}

// Valid reports whether t is a known tier.
func Valid(t Tier) bool {
	_, ok := ranks[t]
	return ok
}

// Rank returns the entitlement ordering of a tier; unknown tiers rank lowest.
func Rank(t Tier) int {
	return ranks[t]
}

// LimitFor resolves the per-period limit of an operation class for a tier.
// The second return is false when the class is blocked for the tier.
func LimitFor(t Tier, operationClass string) (int64, bool) {
	limits, ok := catalog[t]
	if !ok {
		limits = catalog[TierFree]
	}
	limit, ok := limits[operationClass]
	return limit, ok
}

// Tools returns the tool entitlements exposed on the subscription read API.
func Tools(t Tier) []string {
	limits, ok := catalog[t]
	if !ok {
		limits = catalog[TierFree]
	}
	out := make([]string, 0, len(limits))
	for class := range limits {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}
