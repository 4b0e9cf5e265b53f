package calibration

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	// costRatioEpsilon guards the actual/predicted division when the
	// predicted cost is zero or near-zero.
	costRatioEpsilon = 1e-9

	// confidenceSaturationSamples is the observation count at which
	// calibration confidence reaches 1.0.
	confidenceSaturationSamples = 50

	// defectAdjustmentFloor bounds how far the defect-rate adjustment may
	// pull the quality prior below its raw mean.
	defectAdjustmentFloor = 0.9
)

// Observation is a single measured outcome for a (model, task type,
// difficulty) cell.
type Observation struct {
	ModelID          string   `json:"model_id"`
	TaskType         string   `json:"task_type"`
	Difficulty       string   `json:"difficulty"`
	ActualQuality    float64  `json:"actual_quality"`
	PredictedQuality float64  `json:"predicted_quality"`
	ActualCostUSD    float64  `json:"actual_cost_usd"`
	PredictedCostUSD float64  `json:"predicted_cost_usd"`
	DefectCount      int      `json:"defect_count"`
	DefectSamples    []string `json:"defect_samples,omitempty"`
	TsISO            string   `json:"ts_iso"`
}

// Prior is the rolling performance summary recomputed from observations.
type Prior struct {
	TaskType              string  `json:"task_type"`
	Difficulty            string  `json:"difficulty"`
	QualityPrior          float64 `json:"quality_prior"`
	CostMultiplier        float64 `json:"cost_multiplier"`
	VarianceBandLow       float64 `json:"variance_band_low"`
	VarianceBandHigh      float64 `json:"variance_band_high"`
	DefectRate            float64 `json:"defect_rate"`
	CalibrationConfidence float64 `json:"calibration_confidence"`
	SampleCount           int     `json:"sample_count"`
	LastUpdated           string  `json:"last_updated"`

	// AvgCostRatio is the mean actual/predicted cost ratio before clamping.
	// Governance checks compare it against a variance ceiling, so the
	// clamped CostMultiplier is not a substitute.
	AvgCostRatio float64 `json:"avg_cost_ratio"`
}

type cellKey struct {
	modelID    string
	taskType   string
	difficulty string
}

// Store aggregates observations and recomputes priors per
// (model, task type, difficulty). When a data directory is configured it
// appends observations to observations/<modelId>.jsonl and rewrites
// priors/<modelId>.json after each recompute, matching the on-disk layout
// the catalog CLI reads back.
//
// Thread-safe with per-call locking; writes happen on the scheduler's
// commit step only.
type Store struct {
	mu      sync.RWMutex
	cells   map[cellKey][]Observation
	priors  map[cellKey]Prior
	dataDir string // empty disables persistence
}

// NewStore creates an in-memory calibration store.
func NewStore() *Store {
	return &Store{
		cells:  make(map[cellKey][]Observation),
		priors: make(map[cellKey]Prior),
	}
}

// NewPersistentStore creates a store that mirrors observations and priors
// under dataDir.
func NewPersistentStore(dataDir string) *Store {
	s := NewStore()
	s.dataDir = dataDir
	return s
}

// RecordObservation appends an observation and recomputes the cell's prior.
// The recomputed prior is returned.
func (s *Store) RecordObservation(obs Observation) Prior {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cellKey{obs.ModelID, obs.TaskType, obs.Difficulty}
	s.cells[key] = append(s.cells[key], obs)
	prior := recompute(obs.TaskType, obs.Difficulty, s.cells[key])
	s.priors[key] = prior

	if s.dataDir != "" {
		if err := s.persistLocked(obs.ModelID, obs); err != nil {
			log.Printf("[Calibration] persist failed model=%s: %v", obs.ModelID, err)
		}
	}
	return prior
}

// Find returns the prior for the cell, or false when unobserved.
func (s *Store) Find(modelID, taskType, difficulty string) (Prior, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.priors[cellKey{modelID, taskType, difficulty}]
	return p, ok
}

// PriorsForModel returns all priors recorded for a model, sorted by
// (task type, difficulty) for stable output.
func (s *Store) PriorsForModel(modelID string) []Prior {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Prior
	for key, p := range s.priors {
		if key.modelID == modelID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskType != out[j].TaskType {
			return out[i].TaskType < out[j].TaskType
		}
		return out[i].Difficulty < out[j].Difficulty
	})
	return out
}

// SampleCount returns the observation count for a cell.
func (s *Store) SampleCount(modelID, taskType, difficulty string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cells[cellKey{modelID, taskType, difficulty}])
}

func recompute(taskType, difficulty string, observations []Observation) Prior {
	n := len(observations)

	var qualitySum float64
	var ratios []float64
	defects := 0
	last := ""
	for _, o := range observations {
		qualitySum += o.ActualQuality
		ratios = append(ratios, o.ActualCostUSD/math.Max(o.PredictedCostUSD, costRatioEpsilon))
		if o.DefectCount > 0 {
			defects++
		}
		if o.TsISO > last {
			last = o.TsISO
		}
	}

	defectRate := float64(defects) / float64(n)

	quality := clamp(qualitySum/float64(n), 0, 1)
	adjusted := quality * (1 - defectRate)
	if floor := quality * defectAdjustmentFloor; adjusted < floor {
		adjusted = floor
	}

	sorted := append([]float64(nil), ratios...)
	sort.Float64s(sorted)

	var ratioSum float64
	for _, r := range ratios {
		ratioSum += r
	}

	return Prior{
		TaskType:              taskType,
		Difficulty:            difficulty,
		QualityPrior:          adjusted,
		CostMultiplier:        clamp(ratioSum/float64(n), 0.2, 5),
		VarianceBandLow:       percentile(sorted, 0.20),
		VarianceBandHigh:      percentile(sorted, 0.80),
		DefectRate:            defectRate,
		CalibrationConfidence: math.Min(1, float64(n)/confidenceSaturationSamples),
		SampleCount:           n,
		LastUpdated:           last,
		AvgCostRatio:          ratioSum / float64(n),
	}
}

// percentile returns the pth percentile of a sorted slice using
// nearest-rank interpolation.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// persistLocked appends obs to the model's jsonl log and rewrites the
// model's priors file. Caller holds s.mu.
func (s *Store) persistLocked(modelID string, obs Observation) error {
	obsDir := filepath.Join(s.dataDir, "observations")
	priorsDir := filepath.Join(s.dataDir, "priors")
	for _, dir := range []string{obsDir, priorsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	line, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal observation: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(obsDir, modelID+".jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open observation log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append observation: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	var priors []Prior
	for key, p := range s.priors {
		if key.modelID == modelID {
			priors = append(priors, p)
		}
	}
	sort.Slice(priors, func(i, j int) bool {
		if priors[i].TaskType != priors[j].TaskType {
			return priors[i].TaskType < priors[j].TaskType
		}
		return priors[i].Difficulty < priors[j].Difficulty
	})
	blob, err := json.MarshalIndent(priors, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal priors: %w", err)
	}
	return os.WriteFile(filepath.Join(priorsDir, modelID+".json"), blob, 0o644)
}
