package calibration

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// InitialTrust is assigned to any (model, role) pair with no history.
	InitialTrust = 0.7

	// MaxTrustDelta bounds how far a single update may move a trust value
	// in either direction.
	MaxTrustDelta = 0.15
)

// TrustRole distinguishes which capacity of a model a trust value covers.
type TrustRole string

const (
	TrustRoleWorker TrustRole = "worker"
	TrustRoleQA     TrustRole = "qa"
)

// TrustValue is a per-(model, role) reliability scalar in [0, 1].
type TrustValue struct {
	ModelID        string    `json:"model_id"`
	Role           TrustRole `json:"role"`
	Value          float64   `json:"value"`
	LastUpdatedISO string    `json:"last_updated_iso"`
}

// WorkerSignal carries the inputs of a worker trust update: the QA verdict,
// the signed quality surprise, and the realized cost-variance ratio.
type WorkerSignal struct {
	Pass         bool
	QualityDelta float64 // actualQuality - predictedQuality
	CostRatio    float64 // actualCostUSD / predictedCostUSD
}

type trustKey struct {
	modelID string
	role    TrustRole
}

// TrustStore holds per-(model, role) trust values with bounded updates.
// Unobserved pairs read as InitialTrust. Thread-safe; written only from the
// scheduler's commit step.
type TrustStore struct {
	mu     sync.RWMutex
	values map[trustKey]TrustValue
	now    func() time.Time
}

// NewTrustStore creates an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{
		values: make(map[trustKey]TrustValue),
		now:    time.Now,
	}
}

// Get returns the trust value for the pair, defaulting to InitialTrust.
func (t *TrustStore) Get(modelID string, role TrustRole) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if v, ok := t.values[trustKey{modelID, role}]; ok {
		return v.Value
	}
	return InitialTrust
}

// UpdateWorker applies a bounded trust step for a worker-model outcome.
// The step is a weighted combination of the QA verdict, the signed quality
// surprise, and a penalty for cost overruns. Returns the before/after pair.
func (t *TrustStore) UpdateWorker(modelID string, sig WorkerSignal) (before, after float64) {
	step := 0.0
	if sig.Pass {
		step += 0.05
	} else {
		step -= 0.10
	}
	step += 0.5 * sig.QualityDelta
	if sig.CostRatio > 1.5 {
		step -= 0.05 * math.Min(sig.CostRatio-1.5, 1)
	}
	return t.apply(modelID, TrustRoleWorker, step)
}

// UpdateQA applies a bounded trust step for a QA model based on agreement
// with deterministic ground truth. Returns the before/after pair.
func (t *TrustStore) UpdateQA(modelID string, agrees bool) (before, after float64) {
	step := 0.05
	if !agrees {
		step = -0.10
	}
	return t.apply(modelID, TrustRoleQA, step)
}

// All returns every stored trust value, sorted by (model id, role).
func (t *TrustStore) All() []TrustValue {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TrustValue, 0, len(t.values))
	for _, v := range t.values {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModelID != out[j].ModelID {
			return out[i].ModelID < out[j].ModelID
		}
		return out[i].Role < out[j].Role
	})
	return out
}

func (t *TrustStore) apply(modelID string, role TrustRole, step float64) (before, after float64) {
	step = clamp(step, -MaxTrustDelta, MaxTrustDelta)

	t.mu.Lock()
	defer t.mu.Unlock()

	key := trustKey{modelID, role}
	before = InitialTrust
	if v, ok := t.values[key]; ok {
		before = v.Value
	}
	after = clamp(before+step, 0, 1)
	t.values[key] = TrustValue{
		ModelID:        modelID,
		Role:           role,
		Value:          after,
		LastUpdatedISO: t.now().UTC().Format(time.RFC3339),
	}
	return before, after
}
