package escalate

import (
	"fmt"
	"log"

	"foreman/internal/config"
	"foreman/internal/plan"
)

// SpendCapPct caps total escalation spend at this fraction of the project
// budget.
const SpendCapPct = 0.10

// Escalation reasons.
const (
	ReasonQualityThreshold = "quality_threshold"
	ReasonBudgetExceeded   = "budget_exceeded"
	ReasonLowTrust         = "low_trust"
	ReasonRefusal          = "refusal"
)

// ActionRetryUpgradeTier re-enqueues the worker at a higher tier.
const ActionRetryUpgradeTier = "RETRY_UPGRADE_TIER"

// Event is one evaluated escalation trigger.
type Event struct {
	Reason    string            `json:"reason"`
	Action    string            `json:"action,omitempty"`
	PackageID string            `json:"package_id"`
	Context   map[string]string `json:"context,omitempty"`
}

// Input bundles everything the controller needs to judge one committed QA
// outcome.
type Input struct {
	PackageID             string
	Difficulty            plan.Difficulty
	ActualQuality         float64
	PromotionsUsed        int
	HigherTierCandidate   string // empty when no stronger model exists
	CandidateQuality      float64
	AttemptQuality        float64
	PredictedRerunCostUSD float64
	EscalationSpendUSD    float64
	ProjectBudgetUSD      float64
	CurrentTier           plan.TierProfile
}

// Decision is the controller's verdict for one outcome.
type Decision struct {
	Escalate bool
	Event    *Event
	NextTier plan.TierProfile
	Warning  string
}

// Evaluate decides whether a poor-quality outcome triggers a single-hop
// retry at a higher tier. A spend-cap exceedance produces a warning, never a
// retry. The decision is deterministic given its inputs.
func Evaluate(cfg *config.EscalationConfig, in Input) Decision {
	if cfg == nil || cfg.Policy != config.PolicyPromoteOnLowScore || !cfg.RequireEvalForDecision {
		return Decision{}
	}
	if in.PromotionsUsed >= cfg.MaxPromotions {
		return Decision{}
	}

	floor := cfg.MinScoreFor(in.Difficulty) - cfg.ScoreResolution/2
	if in.ActualQuality >= floor {
		return Decision{}
	}

	if in.HigherTierCandidate == "" {
		return Decision{
			Warning: fmt.Sprintf("package %s scored %.2f below floor %.2f but no higher-tier candidate exists",
				in.PackageID, in.ActualQuality, floor),
		}
	}

	// The promotion must buy a real quality gain, not a lateral move.
	if cfg.PromotionMargin > 0 && in.CandidateQuality < in.AttemptQuality+cfg.PromotionMargin {
		return Decision{
			Warning: fmt.Sprintf("package %s qualifies for escalation but candidate %s predicts %.2f, short of %.2f + margin %.2f",
				in.PackageID, in.HigherTierCandidate, in.CandidateQuality, in.AttemptQuality, cfg.PromotionMargin),
		}
	}

	cap := SpendCapPct * in.ProjectBudgetUSD
	if in.EscalationSpendUSD+in.PredictedRerunCostUSD > cap {
		return Decision{
			Warning: fmt.Sprintf("package %s qualifies for escalation but spend cap reached (%.6f + %.6f > %.6f)",
				in.PackageID, in.EscalationSpendUSD, in.PredictedRerunCostUSD, cap),
		}
	}

	next := nextTier(in.CurrentTier)
	log.Printf("[Escalation] package=%s quality=%.2f floor=%.2f retry at tier=%s model=%s",
		in.PackageID, in.ActualQuality, floor, next, in.HigherTierCandidate)

	return Decision{
		Escalate: true,
		NextTier: next,
		Event: &Event{
			Reason:    ReasonQualityThreshold,
			Action:    ActionRetryUpgradeTier,
			PackageID: in.PackageID,
			Context: map[string]string{
				"actual_quality":   fmt.Sprintf("%.4f", in.ActualQuality),
				"score_floor":      fmt.Sprintf("%.4f", floor),
				"promotion_target": in.HigherTierCandidate,
				"next_tier":        string(next),
			},
		},
	}
}

// nextTier steps one tier up; premium has nowhere to go.
func nextTier(t plan.TierProfile) plan.TierProfile {
	switch t {
	case plan.TierCheap:
		return plan.TierStandard
	case plan.TierStandard:
		return plan.TierPremium
	default:
		return t
	}
}
