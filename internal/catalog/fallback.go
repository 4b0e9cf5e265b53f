package catalog

import "foreman/internal/plan"

// FallbackModels is the static model list used when the catalog is empty or
// errors. The engine records a PROCUREMENT_FALLBACK ledger decision whenever
// this list is used.
var FallbackModels = []Entry{
	{
		ID: "fallback-mini",
		Identity: Identity{
			Provider: "fallback",
			ModelID:  "fallback-mini",
			Status:   StatusActive,
		},
		Pricing:     Pricing{InPer1k: 0.00025, OutPer1k: 0.00125, Currency: "USD"},
		Reliability: 0.85,
		Expertise: map[string]float64{
			"writing": 0.7, "coding": 0.6, "analysis": 0.6, "data": 0.65,
		},
		AllowedTiers: []plan.TierProfile{plan.TierCheap, plan.TierStandard, plan.TierPremium},
	},
	{
		ID: "fallback-standard",
		Identity: Identity{
			Provider: "fallback",
			ModelID:  "fallback-standard",
			Status:   StatusActive,
		},
		Pricing:     Pricing{InPer1k: 0.003, OutPer1k: 0.015, Currency: "USD"},
		Reliability: 0.92,
		Expertise: map[string]float64{
			"writing": 0.85, "coding": 0.85, "analysis": 0.85, "data": 0.85,
		},
		AllowedTiers: []plan.TierProfile{plan.TierStandard, plan.TierPremium},
	},
	{
		ID: "fallback-premium",
		Identity: Identity{
			Provider: "fallback",
			ModelID:  "fallback-premium",
			Status:   StatusActive,
		},
		Pricing:     Pricing{InPer1k: 0.015, OutPer1k: 0.075, Currency: "USD"},
		Reliability: 0.97,
		Expertise: map[string]float64{
			"writing": 0.95, "coding": 0.95, "analysis": 0.95, "data": 0.95,
		},
		AllowedTiers: []plan.TierProfile{plan.TierPremium},
	},
}

// FallbackForTier filters the static list by tier profile.
func FallbackForTier(tier plan.TierProfile) []Entry {
	var out []Entry
	for _, e := range FallbackModels {
		if e.AllowsTier(tier) {
			out = append(out, e)
		}
	}
	return out
}
