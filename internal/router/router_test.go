package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/calibration"
	"foreman/internal/catalog"
	"foreman/internal/config"
	"foreman/internal/costmodel"
	"foreman/internal/plan"
)

func candidate(id string, inPer1k, outPer1k float64) catalog.Entry {
	return catalog.Entry{
		ID:           id,
		Identity:     catalog.Identity{Provider: "acme", ModelID: id, Status: catalog.StatusActive},
		Pricing:      catalog.Pricing{InPer1k: inPer1k, OutPer1k: outPer1k, Currency: "USD"},
		Reliability:  0.9,
		Expertise:    map[string]float64{"writing": 0.9, "coding": 0.9},
		AllowedTiers: []plan.TierProfile{plan.TierCheap, plan.TierStandard, plan.TierPremium},
	}
}

func prior(quality float64, samples int) *calibration.Prior {
	return &calibration.Prior{
		QualityPrior:          quality,
		CostMultiplier:        1.0,
		SampleCount:           samples,
		CalibrationConfidence: float64(samples) / 50.0,
	}
}

func baseRequest(policy config.SelectionPolicy) Request {
	return Request{
		Card: plan.TaskCard{
			ID:         "task-1",
			TaskType:   "writing",
			Difficulty: plan.DifficultyHigh,
		},
		Directive:   "write the thing",
		Policy:      policy,
		TierProfile: plan.TierStandard,
	}
}

// --- Basic selection ---

func TestRoute_NoCandidates(t *testing.T) {
	req := baseRequest(config.SelectLowestCostQualified)
	_, err := Route(req)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestRoute_LowestCostQualified(t *testing.T) {
	req := baseRequest(config.SelectLowestCostQualified)
	req.Candidates = []catalog.Entry{
		candidate("cheap-mini", 0.00025, 0.00125),
		candidate("premium", 0.015, 0.075),
	}
	req.Options.PriorsByModel = map[string]*calibration.Prior{
		"cheap-mini": prior(0.86, 40),
		"premium":    prior(0.92, 40),
	}

	dec, err := Route(req)
	require.NoError(t, err)
	assert.Equal(t, "cheap-mini", dec.ChosenModelID)
	assert.Equal(t, RankedByLowestCostQualified, dec.Audit.RankedBy)
	assert.Len(t, dec.Audit.Candidates, 2)
	assert.Greater(t, dec.PredictedCostUSD, 0.0)
}

func TestRoute_QualityGateExcludesWeakCandidate(t *testing.T) {
	req := baseRequest(config.SelectLowestCostQualified)
	req.Candidates = []catalog.Entry{
		candidate("weak-cheap", 0.0001, 0.0005),
		candidate("strong", 0.003, 0.015),
	}
	req.Options.PriorsByModel = map[string]*calibration.Prior{
		"weak-cheap": prior(0.50, 40), // below the 0.75 high-difficulty floor
		"strong":     prior(0.90, 40),
	}

	dec, err := Route(req)
	require.NoError(t, err)
	assert.Equal(t, "strong", dec.ChosenModelID)

	for _, c := range dec.Audit.Candidates {
		if c.ModelID == "weak-cheap" {
			assert.False(t, c.Passed)
		}
	}
}

func TestRoute_BestValue(t *testing.T) {
	req := baseRequest(config.SelectBestValue)
	req.Candidates = []catalog.Entry{
		candidate("good-value", 0.001, 0.002),
		candidate("pricey", 0.01, 0.03),
	}
	req.Options.PriorsByModel = map[string]*calibration.Prior{
		"good-value": prior(0.85, 40),
		"pricey":     prior(0.90, 40),
	}

	dec, err := Route(req)
	require.NoError(t, err)
	assert.Equal(t, "good-value", dec.ChosenModelID)
	assert.Equal(t, RankedByBestValue, dec.Audit.RankedBy)
}

func TestRoute_BestValueNearThreshold_WhenNonePass(t *testing.T) {
	req := baseRequest(config.SelectBestValue)
	req.Candidates = []catalog.Entry{
		candidate("almost", 0.001, 0.002),
		candidate("far-off", 0.001, 0.002),
	}
	req.Options.PriorsByModel = map[string]*calibration.Prior{
		"almost":  prior(0.70, 40),
		"far-off": prior(0.40, 40),
	}

	dec, err := Route(req)
	require.NoError(t, err)
	assert.Equal(t, "almost", dec.ChosenModelID)
	assert.Equal(t, RankedByBestValueNear, dec.Audit.RankedBy)
}

func TestRoute_MaxCostConstraintGates(t *testing.T) {
	req := baseRequest(config.SelectLowestCostQualified)
	req.Card.Constraints.MaxCostUSD = 0.001
	req.Candidates = []catalog.Entry{
		candidate("affordable", 0.0001, 0.0002),
		candidate("expensive", 0.05, 0.1),
	}
	req.Options.PriorsByModel = map[string]*calibration.Prior{
		"affordable": prior(0.85, 40),
		"expensive":  prior(0.95, 40),
	}

	dec, err := Route(req)
	require.NoError(t, err)
	assert.Equal(t, "affordable", dec.ChosenModelID)
}

// --- Cheapest-viable enforcement (spec scenario) ---

func TestRoute_CheapestViableEnforced(t *testing.T) {
	req := baseRequest(config.SelectBestValue)
	req.Options.CheapestViableChosen = true
	req.Candidates = []catalog.Entry{
		candidate("cheap-mini", 0.0004, 0.0007),
		candidate("premium", 0.004, 0.007),
	}
	req.Options.PriorsByModel = map[string]*calibration.Prior{
		"cheap-mini": prior(0.86, 40),
		"premium":    prior(0.92, 40),
	}

	dec, err := Route(req)
	require.NoError(t, err)
	assert.Equal(t, "cheap-mini", dec.ChosenModelID)
	assert.True(t, dec.Audit.ChosenIsCheapestViable)
	assert.Equal(t, RankedByCheapestViable, dec.Audit.RankedBy)
}

// --- Allowed / preferred model lists ---

func TestRoute_AllowedModelIDsRestricts(t *testing.T) {
	req := baseRequest(config.SelectLowestCostQualified)
	req.Candidates = []catalog.Entry{
		candidate("a", 0.0001, 0.0002),
		candidate("b", 0.001, 0.002),
	}
	req.Options.PriorsByModel = map[string]*calibration.Prior{
		"a": prior(0.9, 40),
		"b": prior(0.9, 40),
	}
	req.Options.AllowedModelIDs = []string{"b"}

	dec, err := Route(req)
	require.NoError(t, err)
	assert.Equal(t, "b", dec.ChosenModelID)

	for _, c := range dec.Audit.Candidates {
		if c.ModelID == "a" {
			assert.True(t, c.Restricted)
			assert.False(t, c.Passed)
		}
	}
}

func TestRoute_PreferBreaksExactTies(t *testing.T) {
	req := baseRequest(config.SelectLowestCostQualified)
	// Identical pricing, priors, and expertise: only the preference list
	// separates them.
	req.Candidates = []catalog.Entry{
		candidate("aaa", 0.001, 0.002),
		candidate("zzz", 0.001, 0.002),
	}
	req.Options.PriorsByModel = map[string]*calibration.Prior{
		"aaa": prior(0.9, 40),
		"zzz": prior(0.9, 40),
	}
	req.Options.PreferModelIDs = []string{"zzz"}

	dec, err := Route(req)
	require.NoError(t, err)
	assert.Equal(t, "zzz", dec.ChosenModelID)
}

// --- Determinism ---

func TestRoute_Deterministic(t *testing.T) {
	req := baseRequest(config.SelectLowestCostQualified)
	req.Candidates = []catalog.Entry{
		candidate("m1", 0.001, 0.002),
		candidate("m2", 0.002, 0.004),
		candidate("m3", 0.0005, 0.001),
	}
	req.Options.PriorsByModel = map[string]*calibration.Prior{
		"m1": prior(0.85, 40),
		"m2": prior(0.9, 40),
		"m3": prior(0.8, 40),
	}

	first, err := Route(req)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Route(req)
		require.NoError(t, err)
		assert.Equal(t, first.ChosenModelID, again.ChosenModelID)
		assert.Equal(t, first.Audit.RankedBy, again.Audit.RankedBy)
		assert.Equal(t, first.PredictedCostUSD, again.PredictedCostUSD)
	}
}

// --- Token estimation surfaces in the decision ---

func TestRoute_TokenOverride(t *testing.T) {
	req := baseRequest(config.SelectLowestCostQualified)
	req.Candidates = []catalog.Entry{candidate("m", 0.001, 0.002)}
	req.Options.PriorsByModel = map[string]*calibration.Prior{"m": prior(0.9, 40)}
	req.EstimatedTokens = &costmodel.TokenCounts{Input: 42, Output: 7}

	dec, err := Route(req)
	require.NoError(t, err)
	assert.Equal(t, 42, dec.EstimatedTokens.Input)
	assert.Equal(t, 7, dec.EstimatedTokens.Output)
}
