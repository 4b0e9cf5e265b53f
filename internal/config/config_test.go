package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/plan"
)

// --- Defaults ---

func TestDefault_FillsEverything(t *testing.T) {
	cfg := Default()

	assert.Equal(t, plan.TierStandard, cfg.TierProfile)
	assert.Equal(t, SelectLowestCostQualified, cfg.SelectionPolicy)
	assert.Equal(t, 3, cfg.Concurrency.Worker)
	assert.Equal(t, 1, cfg.Concurrency.QA)
	assert.Equal(t, PolicyPromoteOnLowScore, cfg.Escalation.Policy)
	assert.Equal(t, 1, cfg.Escalation.MaxPromotions)
	assert.Equal(t, RoutingModeNormal, cfg.Escalation.RoutingMode)
	assert.Equal(t, EvaluationModeFlat, cfg.Escalation.EvaluationMode)
	assert.InDelta(t, 1.0, cfg.Escalation.CheapFirstEvalRate, 1e-9)
	assert.InDelta(t, 0.2, cfg.Escalation.NormalEvalRate, 1e-9)
	assert.InDelta(t, 0.80, cfg.Escalation.MinScoreFor(plan.DifficultyHigh), 1e-9)
	require.NoError(t, cfg.Validate())
}

func TestMinScoreFor_UnknownDifficultyFallsBackToMedium(t *testing.T) {
	cfg := Default()
	assert.InDelta(t, cfg.Escalation.MinScoreByDifficulty[plan.DifficultyMedium],
		cfg.Escalation.MinScoreFor(plan.Difficulty("weird")), 1e-9)
}

func TestCheapFirstMaxGapFor_TaskTypeOverrideWins(t *testing.T) {
	cfg := Default()
	cfg.Escalation.CheapFirstMaxGapByTaskType = map[string]float64{"writing": 0.12}

	assert.InDelta(t, 0.12, cfg.Escalation.CheapFirstMaxGapFor("writing", plan.DifficultyHigh), 1e-9)
	assert.InDelta(t, 0.03, cfg.Escalation.CheapFirstMaxGapFor("coding", plan.DifficultyHigh), 1e-9)
}

// --- Validate ---

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.TierProfile = "platinum"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SelectionPolicy = "vibes"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Escalation.MinScoreByDifficulty[plan.DifficultyLow] = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.JudgeSampleRate = -0.1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Escalation.EvaluationMode = "always"
	assert.Error(t, cfg.Validate())
}

// --- Load ---

func TestLoad_YAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("FOREMAN_TEST_DATA_DIR", "/tmp/foreman-data")

	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.yaml")
	content := `
data_dir: ${FOREMAN_TEST_DATA_DIR}
tier_profile: premium
selection_policy: best_value
concurrency:
  worker: 5
escalation:
  routing_mode: escalation_aware
  cheap_first_savings_min_pct: 0.4
  premium_task_types: [writing]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/foreman-data", cfg.DataDir)
	assert.Equal(t, plan.TierPremium, cfg.TierProfile)
	assert.Equal(t, SelectBestValue, cfg.SelectionPolicy)
	assert.Equal(t, 5, cfg.Concurrency.Worker)
	assert.Equal(t, 1, cfg.Concurrency.QA) // defaulted
	assert.Equal(t, RoutingModeEscalationAware, cfg.Escalation.RoutingMode)
	assert.InDelta(t, 0.4, cfg.Escalation.CheapFirstSavingsMinPct, 1e-9)
	assert.True(t, cfg.Escalation.IsPremiumTaskType("writing"))
	assert.False(t, cfg.Escalation.IsPremiumTaskType("coding"))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
