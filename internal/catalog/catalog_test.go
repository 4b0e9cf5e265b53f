package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/calibration"
	"foreman/internal/plan"
)

func entry(id string, status Status, tiers ...plan.TierProfile) Entry {
	return Entry{
		ID:           id,
		Identity:     Identity{Provider: "acme", ModelID: id, Status: status},
		Pricing:      Pricing{InPer1k: 0.001, OutPer1k: 0.002, Currency: "USD"},
		Reliability:  0.9,
		AllowedTiers: tiers,
	}
}

func allowAll(string) bool { return true }

// --- ListEligible ---

func TestListEligible_EmptyCatalog(t *testing.T) {
	c := NewWithChecker(allowAll)
	_, _, err := c.ListEligible(EligibilityFilter{TierProfile: plan.TierCheap})
	assert.ErrorIs(t, err, ErrCatalogEmpty)
}

func TestListEligible_FiltersByTierAndStatus(t *testing.T) {
	c := NewWithChecker(allowAll)
	c.Upsert(entry("a-cheap", StatusActive, plan.TierCheap))
	c.Upsert(entry("b-premium", StatusActive, plan.TierPremium))
	c.Upsert(entry("c-disabled", StatusDisabled, plan.TierCheap))

	eligible, excluded, err := c.ListEligible(EligibilityFilter{
		TierProfile:        plan.TierCheap,
		BudgetRemainingUSD: 10,
	})
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, "a-cheap", eligible[0].ID)

	reasons := map[string]string{}
	for _, ex := range excluded {
		reasons[ex.ModelID] = ex.Reason
	}
	assert.Equal(t, ReasonTierNotAllowed, reasons["b-premium"])
	assert.Equal(t, ReasonDisabled, reasons["c-disabled"])
}

func TestListEligible_ProbationOnlyWithoutActive(t *testing.T) {
	c := NewWithChecker(allowAll)
	c.Upsert(entry("active-1", StatusActive, plan.TierCheap))
	c.Upsert(entry("prob-1", StatusProbation, plan.TierCheap))

	eligible, excluded, err := c.ListEligible(EligibilityFilter{TierProfile: plan.TierCheap, BudgetRemainingUSD: 10})
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, "active-1", eligible[0].ID)

	var shadowed bool
	for _, ex := range excluded {
		if ex.ModelID == "prob-1" && ex.Reason == ReasonProbationShadowed {
			shadowed = true
		}
	}
	assert.True(t, shadowed)

	// Remove the active entry; probation becomes selectable.
	require.NoError(t, c.SetStatus("active-1", StatusDisabled, "2026-01-01T00:00:00Z"))
	eligible, _, err = c.ListEligible(EligibilityFilter{TierProfile: plan.TierCheap, BudgetRemainingUSD: 10})
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, "prob-1", eligible[0].ID)
}

func TestListEligible_BudgetFloor(t *testing.T) {
	c := NewWithChecker(allowAll)
	expensive := entry("pricey", StatusActive, plan.TierCheap)
	expensive.Pricing = Pricing{InPer1k: 10, OutPer1k: 20, Currency: "USD"}
	c.Upsert(expensive)

	eligible, excluded, err := c.ListEligible(EligibilityFilter{
		TierProfile:        plan.TierCheap,
		BudgetRemainingUSD: 0.001,
	})
	require.NoError(t, err)
	assert.Empty(t, eligible)
	require.Len(t, excluded, 1)
	assert.Equal(t, ReasonBudget, excluded[0].Reason)
}

func TestListEligible_CredentialFilter(t *testing.T) {
	c := NewWithChecker(func(provider string) bool { return provider == "acme" })
	c.Upsert(entry("has-creds", StatusActive, plan.TierCheap))

	other := entry("no-creds", StatusActive, plan.TierCheap)
	other.Identity.Provider = "globex"
	c.Upsert(other)

	eligible, excluded, err := c.ListEligible(EligibilityFilter{TierProfile: plan.TierCheap, BudgetRemainingUSD: 10})
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, "has-creds", eligible[0].ID)
	require.Len(t, excluded, 1)
	assert.Equal(t, "no-creds", excluded[0].ModelID)
	assert.Equal(t, ReasonMissingCredentials, excluded[0].Reason)
}

func TestListEligible_DeterministicOrder(t *testing.T) {
	c := NewWithChecker(allowAll)
	c.Upsert(entry("zeta", StatusActive, plan.TierCheap))
	c.Upsert(entry("alpha", StatusActive, plan.TierCheap))
	c.Upsert(entry("mid", StatusActive, plan.TierCheap))

	eligible, _, err := c.ListEligible(EligibilityFilter{TierProfile: plan.TierCheap, BudgetRemainingUSD: 10})
	require.NoError(t, err)
	require.Len(t, eligible, 3)
	assert.Equal(t, "alpha", eligible[0].ID)
	assert.Equal(t, "mid", eligible[1].ID)
	assert.Equal(t, "zeta", eligible[2].ID)
}

// --- Persistence ---

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	c := NewWithChecker(allowAll)
	e := entry("model-x", StatusActive, plan.TierCheap, plan.TierStandard)
	e.Governance = &Governance{MinQualityPrior: 0.6, MaxCostVarianceRatio: 2.5}
	c.Upsert(e)
	require.NoError(t, c.Save(dir))

	loaded := NewWithChecker(allowAll)
	require.NoError(t, loaded.Load(dir))
	got, ok := loaded.Get("model-x")
	require.True(t, ok)
	assert.Equal(t, StatusActive, got.Identity.Status)
	require.NotNil(t, got.Governance)
	assert.InDelta(t, 0.6, got.Governance.MinQualityPrior, 1e-9)
}

// --- Status transitions ---

func prior(quality, costRatio float64, samples int) calibration.Prior {
	return calibration.Prior{
		QualityPrior: quality,
		AvgCostRatio: costRatio,
		SampleCount:  samples,
	}
}

func TestEvaluateStatus_ActiveToProbation(t *testing.T) {
	e := entry("m", StatusActive, plan.TierCheap)

	// Too few samples: no transition even with bad quality.
	status, changed := EvaluateStatus(e, prior(0.3, 1.0, 10))
	assert.False(t, changed)
	assert.Equal(t, StatusActive, status)

	// Enough samples, quality below the 0.55 floor.
	status, changed = EvaluateStatus(e, prior(0.5, 1.0, 30))
	assert.True(t, changed)
	assert.Equal(t, StatusProbation, status)
}

func TestEvaluateStatus_GovernanceTightensFloor(t *testing.T) {
	e := entry("m", StatusActive, plan.TierCheap)
	e.Governance = &Governance{MinQualityPrior: 0.8}

	status, changed := EvaluateStatus(e, prior(0.7, 1.0, 30))
	assert.True(t, changed)
	assert.Equal(t, StatusProbation, status)
}

func TestEvaluateStatus_CostVarianceTriggersProbation(t *testing.T) {
	e := entry("m", StatusActive, plan.TierCheap)
	e.Governance = &Governance{MaxCostVarianceRatio: 2.0}

	status, changed := EvaluateStatus(e, prior(0.9, 3.0, 30))
	assert.True(t, changed)
	assert.Equal(t, StatusProbation, status)
}

func TestEvaluateStatus_ProbationRecovery(t *testing.T) {
	e := entry("m", StatusProbation, plan.TierCheap)

	// Not enough samples to recover yet.
	_, changed := EvaluateStatus(e, prior(0.9, 1.0, 40))
	assert.False(t, changed)

	status, changed := EvaluateStatus(e, prior(0.9, 1.0, 50))
	assert.True(t, changed)
	assert.Equal(t, StatusActive, status)
}

func TestEvaluateStatus_ProbationToDisabled(t *testing.T) {
	e := entry("m", StatusProbation, plan.TierCheap)

	status, changed := EvaluateStatus(e, prior(0.4, 1.0, 60))
	assert.True(t, changed)
	assert.Equal(t, StatusDisabled, status)
}

func TestEvaluateStatus_AutoDisableOptOut(t *testing.T) {
	e := entry("m", StatusProbation, plan.TierCheap)
	e.Governance = &Governance{DisableAutoDisable: true}

	status, changed := EvaluateStatus(e, prior(0.4, 1.0, 80))
	assert.False(t, changed)
	assert.Equal(t, StatusProbation, status)
}

// --- Fallback ---

func TestFallbackForTier(t *testing.T) {
	cheap := FallbackForTier(plan.TierCheap)
	require.Len(t, cheap, 1)
	assert.Equal(t, "fallback-mini", cheap[0].ID)

	premium := FallbackForTier(plan.TierPremium)
	assert.Len(t, premium, 3)
}
