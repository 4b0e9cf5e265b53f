package router

import (
	"errors"
	"fmt"
	"log"
	"sort"

	"foreman/internal/calibration"
	"foreman/internal/catalog"
	"foreman/internal/config"
	"foreman/internal/costmodel"
	"foreman/internal/plan"
)

// ErrNoCandidates indicates routing was attempted with an empty pool.
var ErrNoCandidates = errors.New("no candidate models")

// Ranking labels recorded in the audit.
const (
	RankedByLowestCostQualified = "lowest_cost_qualified"
	RankedByBestValue           = "best_value"
	RankedByBestValueNear       = "best_value_near_threshold"
	RankedByCheapestViable      = "cheapest_viable"
	RankedByNearThreshold       = "near_threshold_fallback"
)

// Options carries the optional routing inputs supplied by the scheduler.
type Options struct {
	// CandidateScores are externally computed per-model scores; when present
	// they add a pass gate against the difficulty score floor.
	CandidateScores map[string]float64

	// CalibrationConfidence overrides per-model confidence for the
	// cheap-first gate. When absent, the model's prior confidence is used.
	CalibrationConfidence map[string]float64

	// PriorsByModel supplies the calibration prior for each candidate.
	PriorsByModel map[string]*calibration.Prior

	// CheapestViableChosen forces strict minimum-cost selection among
	// passing candidates.
	CheapestViableChosen bool

	// PreferModelIDs breaks ties in the given order before the lexicographic
	// fallback.
	PreferModelIDs []string

	// AllowedModelIDs restricts the eligible set when non-empty.
	AllowedModelIDs []string
}

// Request is one routing decision's full input.
type Request struct {
	Card        plan.TaskCard
	Directive   string
	Candidates  []catalog.Entry
	Excluded    []catalog.Excluded
	Options     Options
	Policy      config.SelectionPolicy
	TierProfile plan.TierProfile
	Escalation  *config.EscalationConfig

	// EstimatedTokens overrides the directive-length heuristic when set.
	EstimatedTokens *costmodel.TokenCounts
}

// CandidateAudit is the per-candidate record kept in the routing audit.
type CandidateAudit struct {
	ModelID          string  `json:"model_id"`
	PredictedCostUSD float64 `json:"predicted_cost_usd"`
	PredictedQuality float64 `json:"predicted_quality"`
	Expertise        float64 `json:"expertise"`
	Passed           bool    `json:"passed"`
	Restricted       bool    `json:"restricted,omitempty"` // dropped by AllowedModelIDs
}

// Audit is the full decision trail for one routing call.
type Audit struct {
	Candidates             []CandidateAudit   `json:"candidates"`
	Excluded               []catalog.Excluded `json:"excluded,omitempty"`
	RankedBy               string             `json:"ranked_by"`
	QualityThreshold       float64            `json:"quality_threshold"`
	EnforceCheapestViable  bool               `json:"enforce_cheapest_viable"`
	ChosenIsCheapestViable bool               `json:"chosen_is_cheapest_viable"`
	EscalationAware        *CheapFirstAudit   `json:"escalation_aware,omitempty"`
}

// Decision is the routing output consumed by the scheduler.
type Decision struct {
	ChosenModelID    string                `json:"chosen_model_id"`
	PredictedCostUSD float64               `json:"predicted_cost_usd"`
	ExpectedCostUSD  float64               `json:"expected_cost_usd"`
	PredictedQuality float64               `json:"predicted_quality"`
	EstimatedTokens  costmodel.TokenCounts `json:"estimated_tokens"`
	Audit            Audit                 `json:"routing_audit"`
}

// baseQualityThresholds is the predicted-quality pass floor per difficulty
// at the standard tier.
var baseQualityThresholds = map[plan.Difficulty]float64{
	plan.DifficultyLow:    0.55,
	plan.DifficultyMedium: 0.65,
	plan.DifficultyHigh:   0.75,
}

// qualityThreshold adjusts the difficulty floor by tier: the premium tier
// demands more, the cheap tier tolerates less.
func qualityThreshold(d plan.Difficulty, tier plan.TierProfile) float64 {
	t, ok := baseQualityThresholds[d]
	if !ok {
		t = baseQualityThresholds[plan.DifficultyMedium]
	}
	switch tier {
	case plan.TierPremium:
		t += 0.05
	case plan.TierCheap:
		t -= 0.05
	}
	return t
}

// scored is the internal per-candidate working record.
type scored struct {
	entry      catalog.Entry
	cost       costmodel.Prediction
	quality    float64
	expertise  float64
	confidence float64
	passed     bool
	prefRank   int
}

// Route scores the candidates, applies the configured selection policy and
// the optional cheap-first gate, and returns the decision with a complete
// audit trail. The decision is deterministic for identical inputs.
func Route(req Request) (*Decision, error) {
	if len(req.Candidates) == 0 {
		return nil, ErrNoCandidates
	}

	tokens := costmodel.EstimateTokens(req.Directive, req.Card.TaskType, req.Card.Difficulty)
	if req.EstimatedTokens != nil {
		tokens = *req.EstimatedTokens
	}
	threshold := qualityThreshold(req.Card.Difficulty, req.TierProfile)

	allowed := map[string]bool{}
	for _, id := range req.Options.AllowedModelIDs {
		allowed[id] = true
	}
	prefRank := map[string]int{}
	for i, id := range req.Options.PreferModelIDs {
		prefRank[id] = i
	}

	entries := append([]catalog.Entry(nil), req.Candidates...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	var pool []scored
	audit := Audit{
		Excluded:              req.Excluded,
		QualityThreshold:      threshold,
		EnforceCheapestViable: req.Options.CheapestViableChosen,
	}

	for _, e := range entries {
		s := scoreCandidate(e, req, tokens, threshold)
		if rank, ok := prefRank[e.ID]; ok {
			s.prefRank = rank
		} else {
			s.prefRank = len(req.Options.PreferModelIDs)
		}
		restricted := len(allowed) > 0 && !allowed[e.ID]
		audit.Candidates = append(audit.Candidates, CandidateAudit{
			ModelID:          e.ID,
			PredictedCostUSD: s.cost.PredictedCostUSD,
			PredictedQuality: s.quality,
			Expertise:        s.expertise,
			Passed:           s.passed && !restricted,
			Restricted:       restricted,
		})
		if restricted {
			continue
		}
		pool = append(pool, s)
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("all candidates restricted by allowed-model list: %w", ErrNoCandidates)
	}

	choice, rankedBy := selectCandidate(pool, req, threshold)
	audit.RankedBy = rankedBy
	if req.Options.CheapestViableChosen && choice.passed {
		audit.ChosenIsCheapestViable = true
		audit.RankedBy = RankedByCheapestViable
	}

	// Cheap-first with promotion target only applies in escalation-aware
	// routing and never overrides an explicit cheapest-viable request.
	if req.Escalation != nil && req.Escalation.RoutingMode == config.RoutingModeEscalationAware && !req.Options.CheapestViableChosen {
		cf := applyCheapFirst(pool, choice, req)
		audit.EscalationAware = &cf.audit
		if cf.chosen != nil {
			choice = *cf.chosen
		}
	}

	log.Printf("[Router] task=%s chose model=%s cost=%.6f quality=%.3f rankedBy=%s",
		req.Card.ID, choice.entry.ID, choice.cost.PredictedCostUSD, choice.quality, audit.RankedBy)

	return &Decision{
		ChosenModelID:    choice.entry.ID,
		PredictedCostUSD: choice.cost.PredictedCostUSD,
		ExpectedCostUSD:  choice.cost.ExpectedCostUSD,
		PredictedQuality: choice.quality,
		EstimatedTokens:  tokens,
		Audit:            audit,
	}, nil
}

func scoreCandidate(e catalog.Entry, req Request, tokens costmodel.TokenCounts, threshold float64) scored {
	prior := req.Options.PriorsByModel[e.ID]
	pred := costmodel.ComputePredictedCost(e.Pricing, tokens, prior)

	quality := 0.6*e.ExpertiseFor(req.Card.TaskType) + 0.4*e.Reliability
	if prior != nil && prior.SampleCount > 0 {
		quality = prior.QualityPrior
	}

	confidence := 0.0
	if prior != nil {
		confidence = prior.CalibrationConfidence
	}
	if v, ok := req.Options.CalibrationConfidence[e.ID]; ok {
		confidence = v
	}

	passed := quality >= threshold
	if max := req.Card.Constraints.MaxCostUSD; max > 0 && pred.PredictedCostUSD > max {
		passed = false
	}
	if req.Options.CandidateScores != nil && req.Escalation != nil {
		if score, ok := req.Options.CandidateScores[e.ID]; !ok || score < req.Escalation.MinScoreFor(req.Card.Difficulty) {
			passed = false
		}
	}

	return scored{
		entry:      e,
		cost:       pred,
		quality:    quality,
		expertise:  e.ExpertiseFor(req.Card.TaskType),
		confidence: confidence,
		passed:     passed,
	}
}

// selectCandidate applies the selection policy over the pool and returns the
// chosen candidate plus the ranking label for the audit.
func selectCandidate(pool []scored, req Request, threshold float64) (scored, string) {
	var passed []scored
	for _, s := range pool {
		if s.passed {
			passed = append(passed, s)
		}
	}

	if len(passed) == 0 {
		if req.Policy == config.SelectBestValue {
			return pickBestValue(pool), RankedByBestValueNear
		}
		return pickNearThreshold(pool), RankedByNearThreshold
	}

	if req.Options.CheapestViableChosen || req.Policy == config.SelectLowestCostQualified {
		return pickLowestCost(passed), RankedByLowestCostQualified
	}
	return pickBestValue(passed), RankedByBestValue
}

func pickLowestCost(pool []scored) scored {
	best := pool[0]
	for _, s := range pool[1:] {
		if less, decided := cmpFloat(s.cost.PredictedCostUSD, best.cost.PredictedCostUSD); decided {
			if less {
				best = s
			}
			continue
		}
		if breakTie(s, best) {
			best = s
		}
	}
	return best
}

func pickBestValue(pool []scored) scored {
	best := pool[0]
	for _, s := range pool[1:] {
		if less, decided := cmpFloat(value(s), value(best)); decided {
			if !less {
				best = s
			}
			continue
		}
		if breakTie(s, best) {
			best = s
		}
	}
	return best
}

// pickNearThreshold picks the candidate with the highest predicted quality,
// ties broken by lower cost, used when nothing clears the pass gates.
func pickNearThreshold(pool []scored) scored {
	best := pool[0]
	for _, s := range pool[1:] {
		if less, decided := cmpFloat(s.quality, best.quality); decided {
			if !less {
				best = s
			}
			continue
		}
		if less, decided := cmpFloat(s.cost.PredictedCostUSD, best.cost.PredictedCostUSD); decided {
			if less {
				best = s
			}
			continue
		}
		if breakTie(s, best) {
			best = s
		}
	}
	return best
}

func value(s scored) float64 {
	cost := s.cost.PredictedCostUSD
	if cost <= 0 {
		cost = 1e-9
	}
	return s.quality / cost
}

// breakTie resolves exact ties: higher expertise, then preference order,
// then model id lexicographic.
func breakTie(a, b scored) bool {
	if a.expertise != b.expertise {
		return a.expertise > b.expertise
	}
	if a.prefRank != b.prefRank {
		return a.prefRank < b.prefRank
	}
	return a.entry.ID < b.entry.ID
}

// cmpFloat compares with an epsilon so float noise does not defeat the
// deterministic tie-break chain. Returns (a<b, decided).
func cmpFloat(a, b float64) (bool, bool) {
	const eps = 1e-12
	if a < b-eps {
		return true, true
	}
	if a > b+eps {
		return false, true
	}
	return false, false
}
