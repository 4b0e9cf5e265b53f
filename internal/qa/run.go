package qa

import (
	"context"
	"fmt"

	"foreman/internal/artifact"
	"foreman/internal/plan"
)

// defaultQualityScore applies when neither deterministic checks nor the LLM
// pass produce a verdict.
const defaultQualityScore = 0.9

// LLM skip reasons surfaced on the result.
const (
	SkipReasonPolicyPass  = "skip_llm_on_pass"
	SkipReasonBudgetGated = "budget_gated"
	SkipReasonNoModel     = "no_model"
)

// DefaultPolicy is the resolved QA policy when a worker carries none.
var DefaultPolicy = plan.QAPolicy{
	SkipLLMOnPass:                    true,
	LLMSecondPassImportanceThreshold: 4,
}

// Input carries everything one QA package execution needs.
type Input struct {
	QAPackage plan.WorkPackage
	Worker    plan.WorkPackage
	Excerpt   *artifact.Excerpt

	// ModelID is the routed LLM QA model. Empty means no model is available
	// and only deterministic checks can run.
	ModelID string

	// PredictedLLMCostUSD gates the LLM pass against RemainingBudgetUSD.
	PredictedLLMCostUSD float64
	RemainingBudgetUSD  float64
}

// Result is the combined QA verdict for one worker artifact.
type Result struct {
	PackageID       string   `json:"package_id"`
	WorkerPackageID string   `json:"worker_package_id"`
	Pass            bool     `json:"pass"`
	QualityScore    float64  `json:"quality_score"`
	Defects         []string `json:"defects,omitempty"`

	// ModelID is the LLM reviewer, or "deterministic" when no LLM ran.
	ModelID string `json:"model_id"`

	Deterministic *DeterministicResult `json:"deterministic,omitempty"`
	LLM           *ReviewResult        `json:"llm,omitempty"`

	// DeterministicGroundTruth marks verdicts backed by real shell checks.
	DeterministicGroundTruth bool `json:"deterministic_ground_truth"`

	LLMSkippedReason string   `json:"llm_skipped_reason,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

// Runner executes the full QA flow: deterministic shell checks first, then an
// optional LLM second pass governed by the worker's QA policy and the
// remaining budget.
type Runner struct {
	Shell    *ShellRunner
	Reviewer *Reviewer
}

// Run evaluates the worker's artifact. The LLM score is authoritative when
// both passes produce a verdict; a malformed LLM response keeps the
// deterministic result and surfaces a warning instead.
func (r *Runner) Run(ctx context.Context, in Input) *Result {
	res := &Result{
		PackageID:       in.QAPackage.ID,
		WorkerPackageID: in.Worker.ID,
		ModelID:         "deterministic",
	}

	if in.Excerpt == nil || (in.Excerpt.Head == "" && in.Excerpt.Tail == "") {
		res.Pass = false
		res.QualityScore = 0.3
		res.Defects = []string{"worker artifact missing or empty"}
		return res
	}

	policy := DefaultPolicy
	if in.Worker.QAPolicy != nil {
		policy = *in.Worker.QAPolicy
	}

	var det *DeterministicResult
	if hasShellChecks(in.Worker.QAChecks) {
		det = r.Shell.RunChecks(ctx, in.Worker.QAChecks)
		res.Deterministic = det
		res.DeterministicGroundTruth = det.Passed+det.Failed > 0
		res.Pass = det.Pass
		res.QualityScore = det.QualityScore
		for _, o := range det.Outcomes {
			if o.Status == "failed" {
				res.Defects = append(res.Defects, fmt.Sprintf("check failed: %s", o.Command))
			}
		}
	} else {
		res.Pass = true
		res.QualityScore = defaultQualityScore
	}

	runLLM, skipReason := r.shouldRunLLM(in, policy, det)
	if !runLLM {
		res.LLMSkippedReason = skipReason
		return res
	}

	excerptText := in.Excerpt.Head
	if in.Excerpt.Tail != "" {
		excerptText += "\n...\n" + in.Excerpt.Tail
	}

	verdict, err := r.Reviewer.Review(ctx, in.ModelID, in.Worker, excerptText)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("llm qa rejected: %v", err))
		return res
	}

	res.LLM = verdict
	res.ModelID = in.ModelID
	res.Pass = verdict.Pass
	res.QualityScore = verdict.QualityScore
	res.Defects = append(res.Defects, verdict.Defects...)
	return res
}

// shouldRunLLM applies the policy triggers, then the budget gate.
func (r *Runner) shouldRunLLM(in Input, policy plan.QAPolicy, det *DeterministicResult) (bool, string) {
	trigger := false
	switch {
	case det != nil && !det.Pass:
		trigger = true
	case det != nil && !policy.SkipLLMOnPass:
		trigger = true
	}
	if policy.LLMSecondPassImportanceThreshold > 0 && in.Worker.Importance >= policy.LLMSecondPassImportanceThreshold {
		trigger = true
	}
	if policy.AlwaysLLMForHighRisk && in.Worker.Difficulty == plan.DifficultyHigh {
		trigger = true
	}

	if !trigger {
		return false, SkipReasonPolicyPass
	}
	if in.ModelID == "" || r.Reviewer == nil {
		return false, SkipReasonNoModel
	}
	if in.PredictedLLMCostUSD > in.RemainingBudgetUSD {
		return false, SkipReasonBudgetGated
	}
	return true, ""
}

func hasShellChecks(checks []plan.QACheck) bool {
	for _, c := range checks {
		if c.Type == "shell" {
			return true
		}
	}
	return false
}
