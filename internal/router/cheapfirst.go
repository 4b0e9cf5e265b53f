package router

import (
	"log"
	"sort"
)

// Primary blocker codes recorded when the cheap-first gate rejects every
// cheaper candidate.
const (
	BlockerSavings           = "savings"
	BlockerConfidence        = "confidence"
	BlockerGap               = "gap"
	BlockerNoPromotionTarget = "no_promotion_target"
	BlockerBudget            = "budget"
	BlockerPremiumLane       = "premium_lane"
	BlockerNoCheapCandidates = "no_cheap_first_candidates"
)

// GateProgress counts candidates surviving each cheap-first gate in order.
type GateProgress struct {
	CheapCandidates int `json:"cheap_candidates"`
	AfterSavings    int `json:"after_savings"`
	AfterConfidence int `json:"after_confidence"`
	AfterGap        int `json:"after_gap"`
}

// CheapFirstAudit records the cheap-first gate's outcome.
type CheapFirstAudit struct {
	Applied        bool         `json:"applied"`
	PremiumLane    bool         `json:"premium_lane,omitempty"`
	NormalChoice   string       `json:"normal_choice"`
	ChosenAttempt1 string       `json:"chosen_attempt_1,omitempty"`
	GateProgress   GateProgress `json:"gate_progress"`
	PrimaryBlocker string       `json:"primary_blocker,omitempty"`
}

type cheapFirstResult struct {
	chosen *scored
	audit  CheapFirstAudit
}

// applyCheapFirst implements cheap-first with promotion target: accept a
// strictly cheaper candidate for attempt 1 only when its savings clear the
// floor, its calibration is trusted, its predicted-quality gap to the normal
// choice is tolerable, a stronger model stands ready for promotion (when
// required), and the worst-case rerun still fits the cost constraint.
func applyCheapFirst(pool []scored, normal scored, req Request) cheapFirstResult {
	esc := req.Escalation
	audit := CheapFirstAudit{NormalChoice: normal.entry.ID}

	if esc.IsPremiumTaskType(req.Card.TaskType) {
		audit.PremiumLane = true
		audit.PrimaryBlocker = BlockerPremiumLane
		return cheapFirstResult{audit: audit}
	}

	var cheaper []scored
	for _, s := range pool {
		if less, decided := cmpFloat(s.cost.PredictedCostUSD, normal.cost.PredictedCostUSD); decided && less {
			cheaper = append(cheaper, s)
		}
	}
	sort.Slice(cheaper, func(i, j int) bool {
		if cheaper[i].cost.PredictedCostUSD != cheaper[j].cost.PredictedCostUSD {
			return cheaper[i].cost.PredictedCostUSD < cheaper[j].cost.PredictedCostUSD
		}
		return cheaper[i].entry.ID < cheaper[j].entry.ID
	})
	audit.GateProgress.CheapCandidates = len(cheaper)
	if len(cheaper) == 0 {
		audit.PrimaryBlocker = BlockerNoCheapCandidates
		return cheapFirstResult{audit: audit}
	}

	maxGap := esc.CheapFirstMaxGapFor(req.Card.TaskType, req.Card.Difficulty)

	var afterSavings, afterConfidence, afterGap []scored
	for _, c := range cheaper {
		savings := (normal.cost.PredictedCostUSD - c.cost.PredictedCostUSD) / normal.cost.PredictedCostUSD
		if savings < esc.CheapFirstSavingsMinPct {
			continue
		}
		afterSavings = append(afterSavings, c)
	}
	for _, c := range afterSavings {
		if c.confidence < esc.CheapFirstMinConfidence {
			continue
		}
		afterConfidence = append(afterConfidence, c)
	}
	for _, c := range afterConfidence {
		if normal.quality-c.quality > maxGap {
			continue
		}
		afterGap = append(afterGap, c)
	}
	audit.GateProgress.AfterSavings = len(afterSavings)
	audit.GateProgress.AfterConfidence = len(afterConfidence)
	audit.GateProgress.AfterGap = len(afterGap)

	switch {
	case len(afterSavings) == 0:
		audit.PrimaryBlocker = BlockerSavings
		return cheapFirstResult{audit: audit}
	case len(afterConfidence) == 0:
		audit.PrimaryBlocker = BlockerConfidence
		return cheapFirstResult{audit: audit}
	case len(afterGap) == 0:
		audit.PrimaryBlocker = BlockerGap
		return cheapFirstResult{audit: audit}
	}

	if esc.CheapFirstOnlyWhenCanPromote && !hasPromotionTarget(pool, normal) {
		audit.PrimaryBlocker = BlockerNoPromotionTarget
		return cheapFirstResult{audit: audit}
	}

	// Worst case is running cheap, failing, and rerunning at the normal
	// choice; that reserve must fit the cost constraint when one is set.
	if max := req.Card.Constraints.MaxCostUSD; max > 0 {
		if normal.cost.PredictedCostUSD*esc.CheapFirstBudgetHeadroomFactor > max {
			audit.PrimaryBlocker = BlockerBudget
			return cheapFirstResult{audit: audit}
		}
	}

	chosen := afterGap[0]
	audit.Applied = true
	audit.ChosenAttempt1 = chosen.entry.ID
	log.Printf("[Router] cheap-first task=%s attempt1=%s normal=%s savings=%.0f%%",
		req.Card.ID, chosen.entry.ID, normal.entry.ID,
		100*(normal.cost.PredictedCostUSD-chosen.cost.PredictedCostUSD)/normal.cost.PredictedCostUSD)
	return cheapFirstResult{chosen: &chosen, audit: audit}
}

// hasPromotionTarget reports whether a strictly stronger candidate than the
// normal choice exists in the available pool.
func hasPromotionTarget(pool []scored, normal scored) bool {
	for _, s := range pool {
		if less, decided := cmpFloat(normal.quality, s.quality); decided && less {
			return true
		}
	}
	return false
}
