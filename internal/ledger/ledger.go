package ledger

import (
	"sync"
	"time"
)

// DecisionType classifies ledger decisions.
type DecisionType string

const (
	DecisionRoute               DecisionType = "ROUTE"
	DecisionEscalation          DecisionType = "ESCALATION"
	DecisionAssembly            DecisionType = "ASSEMBLY"
	DecisionAssemblyFailed      DecisionType = "ASSEMBLY_FAILED"
	DecisionBudgetOptimization  DecisionType = "BUDGET_OPTIMIZATION"
	DecisionProcurementFallback DecisionType = "PROCUREMENT_FALLBACK"
	DecisionValidationFailed    DecisionType = "VALIDATION_FAILED"
	DecisionVarianceSkipped     DecisionType = "VARIANCE_SKIPPED"
	DecisionModelStatusChange   DecisionType = "MODEL_STATUS_CHANGE"
)

// Cost buckets.
const (
	BucketCouncil         = "council"
	BucketWorker          = "worker"
	BucketQA              = "qa"
	BucketDeterministicQA = "deterministic_qa"
)

// Decision is one typed, insertion-ordered record of a routing, escalation,
// assembly, or budget event. Details are opaque key-value pairs.
type Decision struct {
	Type      DecisionType      `json:"type"`
	PackageID string            `json:"package_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// TrustDelta records one trust update applied during the run.
type TrustDelta struct {
	ModelID string  `json:"model_id"`
	Role    string  `json:"role"`
	Before  float64 `json:"before"`
	After   float64 `json:"after"`
}

// Costs aggregates spend per bucket.
type Costs struct {
	CouncilUSD         float64 `json:"council_usd"`
	WorkerUSD          float64 `json:"worker_usd"`
	QAUSD              float64 `json:"qa_usd"`
	DeterministicQAUSD float64 `json:"deterministic_qa_usd"`
}

// Summary is the finalized roll-up stamped by FinalizeLedger.
type Summary struct {
	WorkersCompleted int            `json:"workers_completed"`
	QACompleted      int            `json:"qa_completed"`
	RoleExecutions   map[string]int `json:"role_executions,omitempty"`
	FinalizedAtISO   string         `json:"finalized_at_iso"`
}

// Ledger is the per-run-session append-only stream of decisions plus cost
// and calibration-gating counters. It is a value the run-session store
// persists; the scheduler writes it during commit and never reads it back.
type Ledger struct {
	mu sync.Mutex

	RunSessionID     string       `json:"run_session_id"`
	Decisions        []Decision   `json:"decisions"`
	Costs            Costs        `json:"costs"`
	TrustDeltas      []TrustDelta `json:"trust_deltas,omitempty"`
	VarianceRecorded int          `json:"variance_recorded"`
	VarianceSkipped  int          `json:"variance_skipped"`
	Summary          *Summary     `json:"summary,omitempty"`
}

// New creates an empty ledger for a run session.
func New(runSessionID string) *Ledger {
	return &Ledger{RunSessionID: runSessionID}
}

// RecordDecision appends a decision in insertion order.
func (l *Ledger) RecordDecision(d Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Decisions = append(l.Decisions, d)
}

// RecordCost accumulates spend into a bucket.
func (l *Ledger) RecordCost(bucket string, deltaUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch bucket {
	case BucketCouncil:
		l.Costs.CouncilUSD += deltaUSD
	case BucketWorker:
		l.Costs.WorkerUSD += deltaUSD
	case BucketQA:
		l.Costs.QAUSD += deltaUSD
	case BucketDeterministicQA:
		l.Costs.DeterministicQAUSD += deltaUSD
	}
}

// RecordTrustDelta logs one trust update.
func (l *Ledger) RecordTrustDelta(modelID, role string, before, after float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.TrustDeltas = append(l.TrustDeltas, TrustDelta{ModelID: modelID, Role: role, Before: before, After: after})
}

// RecordVarianceRecorded counts a calibration observation that was written.
func (l *Ledger) RecordVarianceRecorded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.VarianceRecorded++
}

// RecordVarianceSkipped counts a gated calibration observation and appends
// the gating decision so the skip is never silent.
func (l *Ledger) RecordVarianceSkipped(packageID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.VarianceSkipped++
	l.Decisions = append(l.Decisions, Decision{
		Type:      DecisionVarianceSkipped,
		PackageID: packageID,
		Details:   map[string]string{"reason": reason},
	})
}

// Finalize stamps completion counts. Safe to call once at run end.
func (l *Ledger) Finalize(workersCompleted, qaCompleted int, roleExecutions map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Summary = &Summary{
		WorkersCompleted: workersCompleted,
		QACompleted:      qaCompleted,
		RoleExecutions:   roleExecutions,
		FinalizedAtISO:   time.Now().UTC().Format(time.RFC3339),
	}
}

// CountByType summarizes decisions for reporting.
func (l *Ledger) CountByType() map[DecisionType]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[DecisionType]int)
	for _, d := range l.Decisions {
		out[d.Type]++
	}
	return out
}

// TotalUSD sums every cost bucket.
func (l *Ledger) TotalUSD() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Costs.CouncilUSD + l.Costs.WorkerUSD + l.Costs.QAUSD + l.Costs.DeterministicQAUSD
}
