package costmodel

import (
	"math"

	"foreman/internal/calibration"
	"foreman/internal/catalog"
)

// TokenCounts holds predicted or observed token usage for one call.
type TokenCounts struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Prediction is the output of ComputePredictedCost. ExpectedCostUSD is the
// raw pricing-sheet cost; PredictedCostUSD applies the calibration cost
// multiplier on top. Both are rounded to 6 decimals.
type Prediction struct {
	PredictedCostUSD   float64     `json:"predicted_cost_usd"`
	ExpectedCostUSD    float64     `json:"expected_cost_usd"`
	CostMultiplierUsed float64     `json:"cost_multiplier_used"`
	InputsBreakdown    TokenCounts `json:"inputs_breakdown"`
}

// ComputePredictedCost computes the pricing-sheet cost for the token counts
// and scales it by the calibration cost multiplier when a prior is supplied.
func ComputePredictedCost(pricing catalog.Pricing, tokens TokenCounts, prior *calibration.Prior) Prediction {
	expected := float64(tokens.Input)/1000*pricing.InPer1k + float64(tokens.Output)/1000*pricing.OutPer1k

	multiplier := 1.0
	if prior != nil && prior.CostMultiplier > 0 {
		multiplier = prior.CostMultiplier
	}

	return Prediction{
		PredictedCostUSD:   Round6(expected * multiplier),
		ExpectedCostUSD:    Round6(expected),
		CostMultiplierUsed: multiplier,
		InputsBreakdown:    tokens,
	}
}

// ComputeActualCost computes the realized cost from returned usage.
func ComputeActualCost(pricing catalog.Pricing, usage TokenCounts) float64 {
	return Round6(float64(usage.Input)/1000*pricing.InPer1k + float64(usage.Output)/1000*pricing.OutPer1k)
}

// MismatchResult reports whether two independent cost predictions diverge
// beyond the acceptable ratio, which indicates stale or inconsistent pricing.
type MismatchResult struct {
	Mismatch bool    `json:"mismatch"`
	Ratio    float64 `json:"ratio"`
}

// DefaultMismatchThreshold is the ratio beyond which router and catalog
// predictions are considered inconsistent.
const DefaultMismatchThreshold = 2.0

// DetectPricingMismatch compares the router's prediction against the
// catalog's. A mismatch is flagged only when the catalog prediction is
// positive and the ratio falls outside [1/threshold, threshold].
func DetectPricingMismatch(routerPredicted, catalogPredicted, threshold float64) MismatchResult {
	if threshold <= 0 {
		threshold = DefaultMismatchThreshold
	}
	if catalogPredicted <= 0 {
		return MismatchResult{Mismatch: false, Ratio: 0}
	}
	ratio := routerPredicted / catalogPredicted
	return MismatchResult{
		Mismatch: ratio > threshold || ratio < 1/threshold,
		Ratio:    ratio,
	}
}

// Round6 rounds a dollar amount to 6 decimals, the precision the ledger and
// all predictions carry.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
