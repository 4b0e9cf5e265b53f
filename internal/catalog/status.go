package catalog

import (
	"log"
	"math"

	"foreman/internal/calibration"
)

// Spec-wide floors for status transitions. Per-model governance thresholds
// can only tighten these, never loosen them.
const (
	probationQualityFloor = 0.55
	recoveryQualityFloor  = 0.75
	probationMinSamples   = 30
	recoveryMinSamples    = 50
	autoDisableMinSamples = 60
)

// EvaluateStatus recomputes the governance status of an entry from its
// freshly updated prior and returns the new status plus whether it changed.
// Transitions:
//
//	active    -> probation  (enough samples, quality below floor or cost
//	                         variance above the governance ceiling)
//	probation -> active     (more samples, quality recovered, cost in bounds)
//	probation -> disabled   (still failing after even more samples, unless
//	                         auto-disable is turned off for the model)
func EvaluateStatus(e Entry, prior calibration.Prior) (Status, bool) {
	gov := Governance{}
	if e.Governance != nil {
		gov = *e.Governance
	}
	qualityFloor := math.Max(probationQualityFloor, gov.MinQualityPrior)
	recoveryFloor := math.Max(recoveryQualityFloor, gov.MinQualityPrior)
	costCeiling := gov.MaxCostVarianceRatio
	costOutOfBounds := costCeiling > 0 && prior.AvgCostRatio > costCeiling

	current := e.Identity.Status
	switch current {
	case StatusActive:
		if prior.SampleCount >= probationMinSamples && (prior.QualityPrior < qualityFloor || costOutOfBounds) {
			log.Printf("[Catalog] model=%s active->probation quality=%.3f floor=%.3f costRatio=%.3f samples=%d",
				e.ID, prior.QualityPrior, qualityFloor, prior.AvgCostRatio, prior.SampleCount)
			return StatusProbation, true
		}
	case StatusProbation:
		failing := prior.QualityPrior < qualityFloor || costOutOfBounds
		if prior.SampleCount >= recoveryMinSamples && prior.QualityPrior >= recoveryFloor && !costOutOfBounds {
			log.Printf("[Catalog] model=%s probation->active quality=%.3f samples=%d", e.ID, prior.QualityPrior, prior.SampleCount)
			return StatusActive, true
		}
		if prior.SampleCount >= autoDisableMinSamples && failing && !gov.DisableAutoDisable {
			log.Printf("[Catalog] model=%s probation->disabled quality=%.3f samples=%d", e.ID, prior.QualityPrior, prior.SampleCount)
			return StatusDisabled, true
		}
	}
	return current, false
}
