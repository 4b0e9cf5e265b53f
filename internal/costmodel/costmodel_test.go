package costmodel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"foreman/internal/calibration"
	"foreman/internal/catalog"
	"foreman/internal/plan"
)

var pricing = catalog.Pricing{InPer1k: 0.003, OutPer1k: 0.015, Currency: "USD"}

// --- ComputePredictedCost ---

func TestComputePredictedCost_NoPrior(t *testing.T) {
	p := ComputePredictedCost(pricing, TokenCounts{Input: 1000, Output: 500}, nil)

	assert.InDelta(t, 0.0105, p.ExpectedCostUSD, 1e-9)
	assert.InDelta(t, 0.0105, p.PredictedCostUSD, 1e-9)
	assert.InDelta(t, 1.0, p.CostMultiplierUsed, 1e-9)
	assert.Equal(t, 1000, p.InputsBreakdown.Input)
}

func TestComputePredictedCost_WithMultiplier(t *testing.T) {
	prior := &calibration.Prior{CostMultiplier: 1.5}
	p := ComputePredictedCost(pricing, TokenCounts{Input: 1000, Output: 500}, prior)

	assert.InDelta(t, 0.0105, p.ExpectedCostUSD, 1e-9)
	assert.InDelta(t, 0.01575, p.PredictedCostUSD, 1e-9)
	assert.InDelta(t, 1.5, p.CostMultiplierUsed, 1e-9)
}

func TestComputePredictedCost_RoundsToSixDecimals(t *testing.T) {
	p := ComputePredictedCost(catalog.Pricing{InPer1k: 0.0000019, OutPer1k: 0}, TokenCounts{Input: 1000}, nil)
	assert.InDelta(t, 0.000002, p.ExpectedCostUSD, 1e-12)
}

// --- DetectPricingMismatch ---

func TestDetectPricingMismatch(t *testing.T) {
	tests := []struct {
		name     string
		router   float64
		catalog  float64
		mismatch bool
	}{
		{"equal", 0.01, 0.01, false},
		{"within threshold high", 0.019, 0.01, false},
		{"within threshold low", 0.006, 0.01, false},
		{"above threshold", 0.021, 0.01, true},
		{"below threshold", 0.004, 0.01, true},
		{"zero catalog prediction", 0.01, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectPricingMismatch(tt.router, tt.catalog, 2.0)
			assert.Equal(t, tt.mismatch, got.Mismatch)
		})
	}
}

// --- EstimateTokens ---

func TestEstimateTokens_ShortDirectiveBelowBaseline(t *testing.T) {
	short := EstimateTokens("convert the csv", "data", plan.DifficultyMedium)
	long := EstimateTokens(strings.Repeat("requirements ", 400), "data", plan.DifficultyMedium)

	assert.Less(t, short.Input, long.Input)
	assert.Less(t, short.Input, defaultInputOverheadTokens+200)
}

func TestEstimateTokens_DifficultyScalesOutput(t *testing.T) {
	low := EstimateTokens("d", "coding", plan.DifficultyLow)
	med := EstimateTokens("d", "coding", plan.DifficultyMedium)
	high := EstimateTokens("d", "coding", plan.DifficultyHigh)

	assert.Less(t, low.Output, med.Output)
	assert.Less(t, med.Output, high.Output)
}

func TestEstimateTokens_UnknownTaskTypeUsesDefaults(t *testing.T) {
	got := EstimateTokens("", "mystery", plan.DifficultyMedium)
	assert.Equal(t, defaultInputOverheadTokens, got.Input)
	assert.Equal(t, defaultOutputBaselineTokens, got.Output)
}
