package plan

// Role distinguishes the two kinds of work packages.
type Role string

const (
	// RoleWorker produces an artifact from a task description.
	RoleWorker Role = "worker"

	// RoleQA validates exactly one worker's artifact.
	RoleQA Role = "qa"
)

// Difficulty is the estimated difficulty band of a package.
type Difficulty string

const (
	DifficultyLow    Difficulty = "low"
	DifficultyMedium Difficulty = "medium"
	DifficultyHigh   Difficulty = "high"
)

// Rank maps a difficulty to an integer usable for priority ordering.
// Unknown difficulties rank lowest.
func (d Difficulty) Rank() int {
	switch d {
	case DifficultyHigh:
		return 3
	case DifficultyMedium:
		return 2
	case DifficultyLow:
		return 1
	default:
		return 0
	}
}

// TierProfile is a coarse price class restricting the candidate model pool.
type TierProfile string

const (
	TierCheap    TierProfile = "cheap"
	TierStandard TierProfile = "standard"
	TierPremium  TierProfile = "premium"
)

// Rank orders tiers from cheapest to most expensive.
func (t TierProfile) Rank() int {
	switch t {
	case TierCheap:
		return 1
	case TierStandard:
		return 2
	case TierPremium:
		return 3
	default:
		return 0
	}
}

// QACheck is a deterministic validation step attached to a worker package.
type QACheck struct {
	// Type is the check kind. Only "shell" is executed; other types are
	// skipped and reported as such.
	Type string `json:"type"`

	// Command is the shell command line to run, validated against the
	// sandbox allowlist before execution.
	Command string `json:"command"`

	// Description explains what the check verifies.
	Description string `json:"description,omitempty"`
}

// QAPolicy tunes how the QA subsystem combines deterministic and LLM review.
type QAPolicy struct {
	// SkipLLMOnPass suppresses the LLM second pass when every deterministic
	// check passed.
	SkipLLMOnPass bool `json:"skip_llm_on_pass,omitempty"`

	// AlwaysLLMForHighRisk forces the LLM pass for high-difficulty packages
	// regardless of deterministic results.
	AlwaysLLMForHighRisk bool `json:"always_llm_for_high_risk,omitempty"`

	// LLMSecondPassImportanceThreshold triggers the LLM pass when the worker
	// package's importance meets or exceeds it. Zero means no threshold.
	LLMSecondPassImportanceThreshold int `json:"llm_second_pass_importance_threshold,omitempty"`
}

// WorkPackage is a node of the plan DAG.
type WorkPackage struct {
	ID                  string            `json:"id"`
	Role                Role              `json:"role"`
	Name                string            `json:"name"`
	Description         string            `json:"description"`
	AcceptanceCriteria  []string          `json:"acceptance_criteria,omitempty"`
	Inputs              map[string]string `json:"inputs,omitempty"`
	OutputsSchema       string            `json:"outputs_schema,omitempty"`
	Dependencies        []string          `json:"dependencies,omitempty"`
	EstimatedTokens     int               `json:"estimated_tokens,omitempty"`
	Importance          int               `json:"importance"` // 1..5
	TaskType            string            `json:"task_type,omitempty"`
	Difficulty          Difficulty        `json:"difficulty,omitempty"`
	TierProfileOverride TierProfile       `json:"tier_profile_override,omitempty"`
	QAChecks            []QACheck         `json:"qa_checks,omitempty"`
	QAPolicy            *QAPolicy         `json:"qa_policy,omitempty"`

	// CheapestViableChosen forces the router into strict minimum-cost
	// selection among passing candidates for this package.
	CheapestViableChosen bool `json:"cheapest_viable_chosen,omitempty"`
}

// Constraints bound a routing decision.
type Constraints struct {
	MinQuality float64 `json:"min_quality,omitempty"`
	MaxCostUSD float64 `json:"max_cost_usd,omitempty"` // 0 means unconstrained
}

// TaskCard is the routing input derived from a package at scheduling time.
type TaskCard struct {
	ID          string      `json:"id"`
	TaskType    string      `json:"task_type"`
	Difficulty  Difficulty  `json:"difficulty"`
	Constraints Constraints `json:"constraints"`
}
