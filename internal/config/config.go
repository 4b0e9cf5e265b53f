package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"foreman/internal/plan"
)

// SelectionPolicy names the router's candidate selection strategy.
type SelectionPolicy string

const (
	// SelectLowestCostQualified picks the cheapest candidate that clears the
	// quality thresholds. Default.
	SelectLowestCostQualified SelectionPolicy = "lowest_cost_qualified"

	// SelectBestValue picks the best quality-per-dollar candidate.
	SelectBestValue SelectionPolicy = "best_value"
)

// Routing modes for the escalation config.
const (
	RoutingModeNormal          = "normal"
	RoutingModeEscalationAware = "escalation_aware"
)

// PolicyPromoteOnLowScore is the single escalation policy this engine ships.
const PolicyPromoteOnLowScore = "promote_on_low_score"

// Evaluation modes for external judge sampling. Flat uses the global sample
// rate; adaptive samples cheap-first attempts at CheapFirstEvalRate and all
// others at NormalEvalRate.
const (
	EvaluationModeFlat     = "flat"
	EvaluationModeAdaptive = "adaptive"
)

// EscalationConfig tunes escalation decisions and the cheap-first routing
// gate. Zero values are replaced by defaults in ApplyDefaults.
type EscalationConfig struct {
	Policy                 string                      `yaml:"policy" json:"policy"`
	MaxPromotions          int                         `yaml:"max_promotions" json:"max_promotions"`
	PromotionMargin        float64                     `yaml:"promotion_margin" json:"promotion_margin"`
	ScoreResolution        float64                     `yaml:"score_resolution" json:"score_resolution"`
	MinScoreByDifficulty   map[plan.Difficulty]float64 `yaml:"min_score_by_difficulty" json:"min_score_by_difficulty"`
	RequireEvalForDecision bool                        `yaml:"require_eval_for_decision" json:"require_eval_for_decision"`

	RoutingMode                    string                      `yaml:"routing_mode" json:"routing_mode"`
	CheapFirstMinConfidence        float64                     `yaml:"cheap_first_min_confidence" json:"cheap_first_min_confidence"`
	CheapFirstSavingsMinPct        float64                     `yaml:"cheap_first_savings_min_pct" json:"cheap_first_savings_min_pct"`
	CheapFirstMaxGapByDifficulty   map[plan.Difficulty]float64 `yaml:"cheap_first_max_gap_by_difficulty" json:"cheap_first_max_gap_by_difficulty"`
	CheapFirstMaxGapByTaskType     map[string]float64          `yaml:"cheap_first_max_gap_by_task_type,omitempty" json:"cheap_first_max_gap_by_task_type,omitempty"`
	CheapFirstBudgetHeadroomFactor float64                     `yaml:"cheap_first_budget_headroom_factor" json:"cheap_first_budget_headroom_factor"`
	CheapFirstOnlyWhenCanPromote   bool                        `yaml:"cheap_first_only_when_can_promote" json:"cheap_first_only_when_can_promote"`

	EvaluationMode     string  `yaml:"evaluation_mode,omitempty" json:"evaluation_mode,omitempty"`
	CheapFirstEvalRate float64 `yaml:"cheap_first_eval_rate" json:"cheap_first_eval_rate"`
	NormalEvalRate     float64 `yaml:"normal_eval_rate" json:"normal_eval_rate"`

	// PremiumTaskTypes always take the normal (non-cheap-first) path.
	PremiumTaskTypes []string `yaml:"premium_task_types,omitempty" json:"premium_task_types,omitempty"`
}

// MinScoreFor returns the QA score floor for a difficulty, defaulting to the
// medium floor for unknown difficulties.
func (e *EscalationConfig) MinScoreFor(d plan.Difficulty) float64 {
	if v, ok := e.MinScoreByDifficulty[d]; ok {
		return v
	}
	return e.MinScoreByDifficulty[plan.DifficultyMedium]
}

// CheapFirstMaxGapFor returns the acceptable predicted-quality gap for the
// cheap-first gate, with per-task-type overrides taking precedence.
func (e *EscalationConfig) CheapFirstMaxGapFor(taskType string, d plan.Difficulty) float64 {
	if v, ok := e.CheapFirstMaxGapByTaskType[taskType]; ok {
		return v
	}
	if v, ok := e.CheapFirstMaxGapByDifficulty[d]; ok {
		return v
	}
	return 0.05
}

// IsPremiumTaskType reports whether the task type is pinned to the normal
// routing lane.
func (e *EscalationConfig) IsPremiumTaskType(taskType string) bool {
	for _, t := range e.PremiumTaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// Concurrency bounds the scheduler's parallel batches.
type Concurrency struct {
	Worker int `yaml:"worker" json:"worker"`
	QA     int `yaml:"qa" json:"qa"`
}

// Config is the root configuration surface of the engine.
type Config struct {
	DataDir               string           `yaml:"data_dir,omitempty" json:"data_dir,omitempty"`
	RunsDir               string           `yaml:"runs_dir,omitempty" json:"runs_dir,omitempty"`
	TierProfile           plan.TierProfile `yaml:"tier_profile" json:"tier_profile"`
	SelectionPolicy       SelectionPolicy  `yaml:"selection_policy" json:"selection_policy"`
	Concurrency           Concurrency      `yaml:"concurrency" json:"concurrency"`
	Escalation            EscalationConfig `yaml:"escalation" json:"escalation"`
	EnforceCheapestViable bool             `yaml:"enforce_cheapest_viable,omitempty" json:"enforce_cheapest_viable,omitempty"`
	JudgeSampleRate       float64          `yaml:"judge_sample_rate,omitempty" json:"judge_sample_rate,omitempty"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields in place.
func (c *Config) ApplyDefaults() {
	if c.TierProfile == "" {
		c.TierProfile = plan.TierStandard
	}
	if c.SelectionPolicy == "" {
		c.SelectionPolicy = SelectLowestCostQualified
	}
	if c.Concurrency.Worker <= 0 {
		c.Concurrency.Worker = 3
	}
	if c.Concurrency.QA <= 0 {
		c.Concurrency.QA = 1
	}

	e := &c.Escalation
	if e.Policy == "" {
		e.Policy = PolicyPromoteOnLowScore
	}
	if e.MaxPromotions == 0 {
		e.MaxPromotions = 1
	}
	if e.ScoreResolution == 0 {
		e.ScoreResolution = 0.05
	}
	if e.MinScoreByDifficulty == nil {
		e.MinScoreByDifficulty = map[plan.Difficulty]float64{
			plan.DifficultyLow:    0.60,
			plan.DifficultyMedium: 0.70,
			plan.DifficultyHigh:   0.80,
		}
	}
	if e.RoutingMode == "" {
		e.RoutingMode = RoutingModeNormal
	}
	if e.CheapFirstMinConfidence == 0 {
		e.CheapFirstMinConfidence = 0.5
	}
	if e.CheapFirstSavingsMinPct == 0 {
		e.CheapFirstSavingsMinPct = 0.3
	}
	if e.CheapFirstMaxGapByDifficulty == nil {
		e.CheapFirstMaxGapByDifficulty = map[plan.Difficulty]float64{
			plan.DifficultyLow:    0.10,
			plan.DifficultyMedium: 0.06,
			plan.DifficultyHigh:   0.03,
		}
	}
	if e.CheapFirstBudgetHeadroomFactor == 0 {
		e.CheapFirstBudgetHeadroomFactor = 1.5
	}
	if e.EvaluationMode == "" {
		e.EvaluationMode = EvaluationModeFlat
	}
	if e.CheapFirstEvalRate == 0 {
		e.CheapFirstEvalRate = 1.0
	}
	if e.NormalEvalRate == 0 {
		e.NormalEvalRate = 0.2
	}
}

// Validate rejects out-of-range settings.
func (c *Config) Validate() error {
	switch c.TierProfile {
	case plan.TierCheap, plan.TierStandard, plan.TierPremium:
	default:
		return fmt.Errorf("invalid tier profile %q", c.TierProfile)
	}
	switch c.SelectionPolicy {
	case SelectLowestCostQualified, SelectBestValue:
	default:
		return fmt.Errorf("invalid selection policy %q", c.SelectionPolicy)
	}
	if c.Concurrency.Worker <= 0 || c.Concurrency.QA <= 0 {
		return fmt.Errorf("concurrency must be positive (worker=%d qa=%d)", c.Concurrency.Worker, c.Concurrency.QA)
	}
	for d, v := range c.Escalation.MinScoreByDifficulty {
		if v < 0 || v > 1 {
			return fmt.Errorf("min score for %s out of range: %v", d, v)
		}
	}
	if c.JudgeSampleRate < 0 || c.JudgeSampleRate > 1 {
		return fmt.Errorf("judge sample rate out of range: %v", c.JudgeSampleRate)
	}
	switch c.Escalation.EvaluationMode {
	case EvaluationModeFlat, EvaluationModeAdaptive:
	default:
		return fmt.Errorf("invalid evaluation mode %q", c.Escalation.EvaluationMode)
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values.
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		return os.Getenv(name)
	})
}

// Load reads a YAML config file, expands ${ENV_VAR} references, applies
// defaults, and validates. A .env file next to the config is loaded first
// when present so credential variables resolve.
func Load(path string) (*Config, error) {
	if envPath := dotenvSibling(path); envPath != "" {
		if err := godotenv.Load(envPath); err == nil {
			log.Printf("[Config] loaded environment from %s", envPath)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnv(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func dotenvSibling(configPath string) string {
	idx := strings.LastIndexByte(configPath, '/')
	dir := "."
	if idx >= 0 {
		dir = configPath[:idx]
	}
	candidate := dir + "/.env"
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}
