package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"foreman/internal/artifact"
	"foreman/internal/calibration"
	"foreman/internal/catalog"
	"foreman/internal/config"
	"foreman/internal/costmodel"
	"foreman/internal/escalate"
	"foreman/internal/ledger"
	"foreman/internal/llm"
	"foreman/internal/plan"
	"foreman/internal/qa"
	"foreman/internal/router"
)

// WorkerQALeadLimit bounds how far worker completions may run ahead of QA
// completions before the QA backlog is served first.
const WorkerQALeadLimit = 2

// qaTrustVarianceGate is the QA trust floor below which LLM-only verdicts do
// not feed the calibration store.
const qaTrustVarianceGate = 0.45

const (
	maxDefectSamples     = 5
	maxDefectSampleChars = 200
)

// Assembly is the external collaborator's report for the aggregation
// artifact.
type Assembly struct {
	CompilationSuccess bool `json:"compilation_success"`
	FileCount          int  `json:"file_count"`
}

// Assembler hands the aggregation artifact to the external assembly
// collaborator.
type Assembler interface {
	Assemble(ctx context.Context, content string) (*Assembly, error)
}

// Attempt is one execution of a worker package.
type Attempt struct {
	ModelID          string                `json:"model_id"`
	Tier             plan.TierProfile      `json:"tier"`
	TaskType         string                `json:"task_type"`
	Difficulty       plan.Difficulty       `json:"difficulty"`
	ArtifactID       string                `json:"artifact_id,omitempty"`
	ArtifactHash     string                `json:"artifact_hash,omitempty"`
	PredictedCostUSD float64               `json:"predicted_cost_usd"`
	ActualCostUSD    float64               `json:"actual_cost_usd"`
	IsEstimatedCost  bool                  `json:"is_estimated_cost,omitempty"`
	PredictedQuality float64               `json:"predicted_quality"`
	EstimatedTokens  costmodel.TokenCounts `json:"estimated_tokens"`
	SelfConfidence   *float64              `json:"self_confidence,omitempty"`
	RankedBy         string                `json:"ranked_by"`
	CheapFirst       bool                  `json:"cheap_first,omitempty"`
	OutputChars      int                   `json:"output_chars"`
}

// WorkerRun is the full execution record for one worker package, across
// retries.
type WorkerRun struct {
	PackageID      string    `json:"package_id"`
	Attempts       []Attempt `json:"attempts"`
	ActualQuality  *float64  `json:"actual_quality,omitempty"`
	EscalationUsed bool      `json:"escalation_used"`
}

// Final returns the latest attempt.
func (r *WorkerRun) Final() *Attempt {
	if len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

// Budget is the run's money position.
type Budget struct {
	StartingUSD        float64 `json:"starting_usd"`
	RemainingUSD       float64 `json:"remaining_usd"`
	EscalationSpendUSD float64 `json:"escalation_spend_usd"`
}

// JudgeSample is one sampled external evaluation.
type JudgeSample struct {
	PackageID string  `json:"package_id"`
	Overall   float64 `json:"overall"`
	CostUSD   float64 `json:"cost_usd"`
}

// Result is what RunPackages returns.
type Result struct {
	Runs         []*WorkerRun       `json:"runs"`
	QAResults    []*qa.Result       `json:"qa_results"`
	Escalations  []escalate.Event   `json:"escalations"`
	JudgeSamples []JudgeSample      `json:"judge_samples,omitempty"`
	Budget       Budget             `json:"budget"`
	Warnings     []string           `json:"warnings"`
	Ledger       *ledger.Ledger     `json:"ledger"`
	Registry     *artifact.Registry `json:"-"`
}

// Request describes one run.
type Request struct {
	RunSessionID     string
	Packages         []plan.WorkPackage
	ProjectBudgetUSD float64

	// TierProfile overrides the configured tier when set.
	TierProfile plan.TierProfile

	// AggregationPackageID marks the package with the strict JSON contract
	// and the assembly hand-off.
	AggregationPackageID string
	Assembler            Assembler
}

// Engine wires the run-time collaborators for the scheduler.
type Engine struct {
	Config      *config.Config
	Catalog     *catalog.Catalog
	Calibration *calibration.Store
	Trust       *calibration.TrustStore
	Transport   llm.Transport
	Judge       llm.Judge
	QA          *qa.Runner
	Clock       func() time.Time
}

// New creates an engine with in-memory stores and a QA runner rooted at
// workDir.
func New(cfg *config.Config, cat *catalog.Catalog, transport llm.Transport, workDir string) *Engine {
	return &Engine{
		Config:      cfg,
		Catalog:     cat,
		Calibration: calibration.NewStore(),
		Trust:       calibration.NewTrustStore(),
		Transport:   transport,
		QA: &qa.Runner{
			Shell:    qa.NewShellRunner(workDir),
			Reviewer: &qa.Reviewer{Transport: transport},
		},
		Clock: time.Now,
	}
}

// runState is the scheduler's mutable state, touched only on the commit step.
type runState struct {
	req Request
	g   *graph

	registry *artifact.Registry
	led      *ledger.Ledger

	remainingUSD    float64
	escalationSpend float64
	currentTier     plan.TierProfile

	promotionsUsed map[string]int
	preferModel    map[string][]string
	tierOverride   map[string]plan.TierProfile

	workerRuns map[string]*WorkerRun
	runs       []*WorkerRun
	qaResults  []*qa.Result

	escalations  []escalate.Event
	judgeSamples []JudgeSample
	warnings     []string

	workerCompleted int
	qaCompleted     int
	roleExecutions  map[string]int
	failed          map[string]bool
	budgetStopped   bool
	cancelled       bool
}

// prepared is one batch member after routing, before dispatch.
type prepared struct {
	pkg        *plan.WorkPackage
	taskType   string
	difficulty plan.Difficulty
	tier       plan.TierProfile

	prompt   string
	decision *router.Decision
	entry    catalog.Entry
	fallback bool

	// worker-only
	shortCircuit bool
	missingDeps  []string

	// qa-only
	workerID string
	excerpt  *artifact.Excerpt

	prepErr error
}

func (p *prepared) predictedCostUSD() float64 {
	if p.decision == nil {
		return 0
	}
	return p.decision.PredictedCostUSD
}

// outcome is one awaited task result, applied on the commit step.
type outcome struct {
	packageID string
	prep      *prepared

	// worker
	output  string
	usage   *llm.Usage
	execErr error

	// qa
	qaResult    *qa.Result
	assembly    *Assembly
	assemblyErr error
	judge       *llm.JudgeResult
}

// RunPackages executes the plan DAG to completion, or until the budget runs
// out. The returned result is deterministic for identical inputs and a
// deterministic transport.
func (e *Engine) RunPackages(ctx context.Context, req Request) (*Result, error) {
	if err := plan.Validate(req.Packages); err != nil {
		return nil, err
	}
	if req.ProjectBudgetUSD <= 0 {
		return nil, fmt.Errorf("project budget must be positive, got %v", req.ProjectBudgetUSD)
	}

	tier := req.TierProfile
	if tier == "" {
		tier = e.Config.TierProfile
	}

	s := &runState{
		req:            req,
		g:              newGraph(req.Packages),
		registry:       artifact.NewRegistry(),
		led:            ledger.New(req.RunSessionID),
		remainingUSD:   req.ProjectBudgetUSD,
		currentTier:    tier,
		promotionsUsed: map[string]int{},
		preferModel:    map[string][]string{},
		tierOverride:   map[string]plan.TierProfile{},
		workerRuns:     map[string]*WorkerRun{},
		roleExecutions: map[string]int{},
		failed:         map[string]bool{},
	}

	for {
		if ctx.Err() != nil {
			s.warnings = append(s.warnings, "Run cancelled; stopping with partial results")
			s.cancelled = true
			break
		}
		if s.remainingUSD <= 0 {
			s.warnings = append(s.warnings, "Budget exhausted; stopping with partial results")
			s.budgetStopped = true
			break
		}

		queue, limit := s.pickQueue(e.Config)
		if queue == nil {
			break
		}

		batch := s.g.popBatch(queue, limit)
		preps := e.prepareBatch(s, batch)

		preps, gated := s.applyBudgetGate(queue, preps)
		if gated && len(preps) == 0 {
			s.warnings = append(s.warnings, "Budget exhausted; stopping with partial results")
			s.budgetStopped = true
			break
		}
		if len(preps) == 0 {
			continue
		}

		outcomes := e.dispatch(ctx, s, preps)
		sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].packageID < outcomes[j].packageID })
		for _, o := range outcomes {
			e.commit(s, o)
		}
	}

	if incomplete := len(s.g.byID) - len(s.g.completed); incomplete > 0 && !s.budgetStopped && !s.cancelled {
		if stuck := s.g.unresolvedOutside(s.failed); len(stuck) > 0 {
			return nil, s.g.deadlockError()
		}
		s.warnings = append(s.warnings, fmt.Sprintf(
			"%d packages did not complete after worker failures; finalizing partial results", incomplete))
	}

	s.led.Finalize(s.workerCompleted, s.qaCompleted, s.roleExecutions)
	return &Result{
		Runs:         s.runs,
		QAResults:    s.qaResults,
		Escalations:  s.escalations,
		JudgeSamples: s.judgeSamples,
		Budget: Budget{
			StartingUSD:        req.ProjectBudgetUSD,
			RemainingUSD:       s.remainingUSD,
			EscalationSpendUSD: s.escalationSpend,
		},
		Warnings: s.warnings,
		Ledger:   s.led,
		Registry: s.registry,
	}, nil
}

// pickQueue applies lead-limit fairness: serve the QA backlog before workers
// whenever workers have run too far ahead.
func (s *runState) pickQueue(cfg *config.Config) (*[]string, int) {
	qaReady := len(s.g.readyQA) > 0
	workersReady := len(s.g.readyWorkers) > 0

	if qaReady && s.workerCompleted-s.qaCompleted >= WorkerQALeadLimit {
		return &s.g.readyQA, cfg.Concurrency.QA
	}
	if workersReady {
		return &s.g.readyWorkers, cfg.Concurrency.Worker
	}
	if qaReady {
		return &s.g.readyQA, cfg.Concurrency.QA
	}
	return nil, 0
}

// applyBudgetGate drops batch members from the tail until the predicted batch
// cost fits the remaining budget. Dropped members return to their ready
// queue. Returns the surviving batch and whether gating fired.
func (s *runState) applyBudgetGate(queue *[]string, preps []*prepared) ([]*prepared, bool) {
	sum := 0.0
	for _, p := range preps {
		sum += p.predictedCostUSD()
	}
	if sum <= s.remainingUSD {
		return preps, false
	}

	s.warnings = append(s.warnings, fmt.Sprintf(
		"Budget gating: batch predicted cost %.6f exceeds remaining %.6f", sum, s.remainingUSD))

	var dropped []string
	for len(preps) > 0 && sum > s.remainingUSD {
		last := preps[len(preps)-1]
		sum -= last.predictedCostUSD()
		dropped = append([]string{last.pkg.ID}, dropped...)
		preps = preps[:len(preps)-1]
	}
	s.g.requeueFront(queue, dropped)
	return preps, true
}

func (e *Engine) prepareBatch(s *runState, batch []string) []*prepared {
	preps := make([]*prepared, 0, len(batch))
	for _, id := range batch {
		p := s.g.byID[id]
		if p.Role == plan.RoleQA {
			preps = append(preps, e.prepareQA(s, p))
		} else {
			preps = append(preps, e.prepareWorker(s, p))
		}
	}
	return preps
}

func (e *Engine) prepareWorker(s *runState, p *plan.WorkPackage) *prepared {
	pr := &prepared{
		pkg:        p,
		taskType:   InferTaskType(*p),
		difficulty: InferDifficulty(*p),
		tier:       s.tierFor(p),
	}

	isAgg := p.ID == s.req.AggregationPackageID
	if isAgg {
		if missing := MissingDependencies(*p, s.registry); len(missing) > 0 {
			pr.shortCircuit = true
			pr.missingDeps = missing
			return pr
		}
	}

	pr.prompt = BuildWorkerPrompt(*p, s.registry, isAgg)
	e.route(s, pr, p.CheapestViableChosen || e.Config.EnforceCheapestViable, s.preferModel[p.ID])
	return pr
}

func (e *Engine) prepareQA(s *runState, p *plan.WorkPackage) *prepared {
	workerID := p.Dependencies[0]
	worker := s.g.byID[workerID]

	pr := &prepared{
		pkg:        p,
		taskType:   TaskTypeAnalysis,
		difficulty: InferDifficulty(*worker),
		tier:       s.currentTier,
		workerID:   workerID,
		excerpt:    s.registry.GetExcerptByPackageID(workerID, artifact.ExcerptOptions{}),
	}

	pr.prompt = "qa-review " + workerID
	e.route(s, pr, false, nil)
	return pr
}

// route fills the prepared task's routing decision, falling back to the
// static model list when the catalog yields nothing.
func (e *Engine) route(s *runState, pr *prepared, cheapestViable bool, prefer []string) {
	candidates, excluded, err := e.Catalog.ListEligible(catalog.EligibilityFilter{
		TierProfile:        pr.tier,
		TaskType:           pr.taskType,
		Difficulty:         pr.difficulty,
		BudgetRemainingUSD: s.remainingUSD,
		Importance:         pr.pkg.Importance,
	})
	if errors.Is(err, catalog.ErrCatalogEmpty) || (err == nil && len(candidates) == 0) {
		candidates = catalog.FallbackForTier(pr.tier)
		pr.fallback = true
	} else if err != nil {
		pr.prepErr = err
		return
	}

	priors := map[string]*calibration.Prior{}
	var scores map[string]float64
	if e.Config.Escalation.RoutingMode == config.RoutingModeEscalationAware {
		scores = map[string]float64{}
	}
	for i := range candidates {
		c := &candidates[i]
		if prior, ok := e.Calibration.Find(c.ID, pr.taskType, string(pr.difficulty)); ok {
			cp := prior
			priors[c.ID] = &cp
		}
		if scores != nil {
			scores[c.ID] = e.candidateScore(c, priors[c.ID], pr.taskType)
		}
	}

	decision, err := router.Route(router.Request{
		Card: plan.TaskCard{
			ID:         pr.pkg.ID,
			TaskType:   pr.taskType,
			Difficulty: pr.difficulty,
			Constraints: plan.Constraints{
				MaxCostUSD: s.remainingUSD,
			},
		},
		Directive:   pr.prompt,
		Candidates:  candidates,
		Excluded:    excluded,
		Policy:      e.Config.SelectionPolicy,
		TierProfile: pr.tier,
		Escalation:  &e.Config.Escalation,
		Options: router.Options{
			CandidateScores:      scores,
			PriorsByModel:        priors,
			CheapestViableChosen: cheapestViable,
			PreferModelIDs:       prefer,
		},
	})
	if err != nil {
		pr.prepErr = fmt.Errorf("route %s: %w", pr.pkg.ID, err)
		return
	}

	pr.decision = decision
	for _, c := range candidates {
		if c.ID == decision.ChosenModelID {
			pr.entry = c
			break
		}
	}
	e.auditPricing(s, pr, priors[decision.ChosenModelID])
}

// auditPricing cross-checks the router's predicted cost against a fresh
// recomputation from the catalog's current pricing for the chosen model. A
// divergence means the candidate snapshot and the catalog disagree on price.
func (e *Engine) auditPricing(s *runState, pr *prepared, prior *calibration.Prior) {
	if pr.decision == nil {
		return
	}
	entry, ok := e.Catalog.Get(pr.decision.ChosenModelID)
	if !ok {
		return // static fallback models have no catalog entry to compare
	}
	check := costmodel.ComputePredictedCost(entry.Pricing, pr.decision.EstimatedTokens, prior)
	if m := costmodel.DetectPricingMismatch(pr.decision.PredictedCostUSD, check.PredictedCostUSD, 0); m.Mismatch {
		s.warnings = append(s.warnings, fmt.Sprintf(
			"pricing mismatch for model %s on %s: router %.6f vs catalog %.6f (ratio %.2f)",
			pr.decision.ChosenModelID, pr.pkg.ID, pr.decision.PredictedCostUSD, check.PredictedCostUSD, m.Ratio))
	}
}

// candidateScore blends the quality estimate with worker trust; it gates
// candidates against the difficulty score floor in escalation-aware routing.
func (e *Engine) candidateScore(c *catalog.Entry, prior *calibration.Prior, taskType string) float64 {
	quality := 0.6*c.ExpertiseFor(taskType) + 0.4*c.Reliability
	if prior != nil && prior.SampleCount > 0 {
		quality = prior.QualityPrior
	}
	trust := e.Trust.Get(c.ID, calibration.TrustRoleWorker)
	return 0.6*quality + 0.4*trust
}

// dispatch runs the batch in parallel and awaits every member.
func (e *Engine) dispatch(ctx context.Context, s *runState, preps []*prepared) []*outcome {
	outcomes := make([]*outcome, len(preps))
	var wg sync.WaitGroup
	for i, pr := range preps {
		wg.Add(1)
		go func(i int, pr *prepared) {
			defer wg.Done()
			if pr.pkg.Role == plan.RoleQA {
				outcomes[i] = e.executeQA(ctx, s, pr)
			} else {
				outcomes[i] = e.executeWorker(ctx, pr)
			}
		}(i, pr)
	}
	wg.Wait()
	return outcomes
}

func (e *Engine) executeWorker(ctx context.Context, pr *prepared) *outcome {
	o := &outcome{packageID: pr.pkg.ID, prep: pr}
	if pr.shortCircuit {
		o.output = CanonicalMissingDepsOutput
		return o
	}
	if pr.prepErr != nil {
		o.execErr = pr.prepErr
		return o
	}

	completion, err := e.Transport.Execute(ctx, pr.decision.ChosenModelID, pr.prompt)
	if err != nil {
		o.execErr = err
		return o
	}
	o.output = completion.Text
	o.usage = completion.Usage
	return o
}

func (e *Engine) executeQA(ctx context.Context, s *runState, pr *prepared) *outcome {
	o := &outcome{packageID: pr.pkg.ID, prep: pr}
	if pr.prepErr != nil {
		o.execErr = pr.prepErr
		return o
	}

	worker := s.g.byID[pr.workerID]
	modelID := ""
	predicted := 0.0
	if pr.decision != nil {
		modelID = pr.decision.ChosenModelID
		predicted = pr.decision.PredictedCostUSD
	}

	o.qaResult = e.QA.Run(ctx, qa.Input{
		QAPackage:           *pr.pkg,
		Worker:              *worker,
		Excerpt:             pr.excerpt,
		ModelID:             modelID,
		PredictedLLMCostUSD: predicted,
		RemainingBudgetUSD:  s.remainingUSD,
	})

	if defects := e.validationDefects(s, pr.workerID); len(defects) > 0 {
		o.qaResult.Pass = false
		if o.qaResult.QualityScore > 0.3 {
			o.qaResult.QualityScore = 0.3
		}
		o.qaResult.Defects = append(o.qaResult.Defects, defects...)
	}

	if pr.workerID == s.req.AggregationPackageID && o.qaResult.Pass && s.req.Assembler != nil {
		a := s.registry.GetByPackageID(pr.workerID)
		if a != nil {
			o.assembly, o.assemblyErr = s.req.Assembler.Assemble(ctx, a.Content)
		}
	}

	if e.Judge != nil && e.shouldJudge(s, pr.workerID) {
		if a := s.registry.GetByPackageID(pr.workerID); a != nil && !a.IsEvicted {
			res, err := e.Judge.Evaluate(ctx, llm.JudgeRequest{
				TaskType:   pr.taskType,
				Directive:  worker.Description,
				OutputText: a.Content,
			})
			if err == nil {
				o.judge = res
			}
		}
	}
	return o
}

// validationDefects runs the package-id dispatched output validator over the
// stored artifact.
func (e *Engine) validationDefects(s *runState, workerID string) []string {
	validate := qa.ValidatorFor(workerID, s.req.AggregationPackageID)
	if validate == nil {
		return nil
	}
	a := s.registry.GetByPackageID(workerID)
	if a == nil || a.IsEvicted {
		return nil
	}
	return validate(a.Content)
}

// shouldJudge samples deterministically off the package id.
func (e *Engine) shouldJudge(s *runState, workerID string) bool {
	rate := e.judgeRateFor(s, workerID)
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(workerID))
	return float64(h.Sum32()%1000)/1000.0 < rate
}

// judgeRateFor picks the sampling rate for one worker package. Adaptive mode
// evaluates cheap-first attempts more aggressively than normal ones, so the
// savings bet gets verified.
func (e *Engine) judgeRateFor(s *runState, workerID string) float64 {
	esc := &e.Config.Escalation
	if esc.EvaluationMode == config.EvaluationModeAdaptive {
		if run := s.workerRuns[workerID]; run != nil {
			if a := run.Final(); a != nil && a.CheapFirst {
				return esc.CheapFirstEvalRate
			}
			return esc.NormalEvalRate
		}
	}
	return e.Config.JudgeSampleRate
}

// commit applies one outcome to scheduler state. This is the only writer to
// the graph, registry, stores, and ledger during a run. Replaying a committed
// outcome is a no-op.
func (e *Engine) commit(s *runState, o *outcome) {
	if s.g.completed[o.packageID] {
		return
	}
	if o.prep.pkg.Role == plan.RoleQA {
		e.commitQA(s, o)
	} else {
		e.commitWorker(s, o)
	}
}

func (e *Engine) commitWorker(s *runState, o *outcome) {
	pr := o.prep
	nowISO := e.Clock().UTC().Format(time.RFC3339)

	// A transport or routing failure does not complete the package. Its
	// dependents stay blocked while sibling branches keep running; the run
	// finalizes as partial.
	if o.execErr != nil {
		s.failed[o.packageID] = true
		s.warnings = append(s.warnings, fmt.Sprintf("worker %s failed: %v", o.packageID, o.execErr))
		log.Printf("[Scheduler] worker %s failed, dependents stay blocked: %v", o.packageID, o.execErr)
		return
	}

	output, selfConfidence := ExtractSelfConfidence(o.output)
	artifactID, hash := s.registry.Create(o.packageID, pr.chosenModelID(), output, nowISO)

	attempt := Attempt{
		ModelID:        pr.chosenModelID(),
		Tier:           pr.tier,
		TaskType:       pr.taskType,
		Difficulty:     pr.difficulty,
		ArtifactID:     artifactID,
		ArtifactHash:   hash,
		SelfConfidence: selfConfidence,
		OutputChars:    len(output),
	}
	if pr.decision != nil {
		attempt.PredictedCostUSD = pr.decision.PredictedCostUSD
		attempt.PredictedQuality = pr.decision.PredictedQuality
		attempt.EstimatedTokens = pr.decision.EstimatedTokens
		attempt.RankedBy = pr.decision.Audit.RankedBy

		if o.usage != nil && o.usage.TotalTokens > 0 {
			attempt.ActualCostUSD = costmodel.ComputeActualCost(pr.entry.Pricing, costmodel.TokenCounts{
				Input:  o.usage.InputTokens,
				Output: o.usage.OutputTokens,
			})
		} else {
			attempt.ActualCostUSD = pr.decision.PredictedCostUSD
			attempt.IsEstimatedCost = true
		}
		if ea := pr.decision.Audit.EscalationAware; ea != nil && ea.Applied {
			attempt.CheapFirst = true
		}
	}
	if pr.shortCircuit {
		attempt.RankedBy = "short_circuit"
	}

	s.remainingUSD -= attempt.ActualCostUSD
	s.led.RecordCost(ledger.BucketWorker, attempt.ActualCostUSD)
	s.roleExecutions[string(plan.RoleWorker)]++

	if pr.fallback {
		s.led.RecordDecision(ledger.Decision{
			Type:      ledger.DecisionProcurementFallback,
			PackageID: o.packageID,
			Details:   map[string]string{"tier": string(pr.tier)},
		})
	}
	if pr.decision != nil {
		s.led.RecordDecision(ledger.Decision{
			Type:      ledger.DecisionRoute,
			PackageID: o.packageID,
			Details: map[string]string{
				"role":                   string(plan.RoleWorker),
				"chosenModelId":          pr.decision.ChosenModelID,
				"rankedBy":               pr.decision.Audit.RankedBy,
				"predictedCostUsd":       fmt.Sprintf("%.6f", pr.decision.PredictedCostUSD),
				"chosenIsCheapestViable": fmt.Sprintf("%t", pr.decision.Audit.ChosenIsCheapestViable),
				"qualityThreshold":       fmt.Sprintf("%.2f", pr.decision.Audit.QualityThreshold),
				"candidatesConsidered":   fmt.Sprintf("%d", len(pr.decision.Audit.Candidates)),
			},
		})
	}
	if pr.shortCircuit {
		s.led.RecordDecision(ledger.Decision{
			Type:      ledger.DecisionAssemblyFailed,
			PackageID: o.packageID,
			Details:   map[string]string{"missingDependencies": strings.Join(pr.missingDeps, ",")},
		})
		s.warnings = append(s.warnings, fmt.Sprintf(
			"%s: dependency artifacts missing: %s", o.packageID, strings.Join(pr.missingDeps, ", ")))
	}

	run, ok := s.workerRuns[o.packageID]
	if !ok {
		run = &WorkerRun{PackageID: o.packageID}
		s.workerRuns[o.packageID] = run
		s.runs = append(s.runs, run)
	}
	run.Attempts = append(run.Attempts, attempt)
	if len(run.Attempts) > 1 {
		run.EscalationUsed = true
		s.escalationSpend += attempt.ActualCostUSD
	}

	s.g.markCompleted(o.packageID)
	s.workerCompleted++
	log.Printf("[Scheduler] worker %s committed model=%s cost=%.6f", o.packageID, attempt.ModelID, attempt.ActualCostUSD)
}

func (e *Engine) commitQA(s *runState, o *outcome) {
	pr := o.prep
	res := o.qaResult
	if res == nil {
		s.warnings = append(s.warnings, fmt.Sprintf("qa %s failed: %v", o.packageID, o.execErr))
		s.g.markCompleted(o.packageID)
		s.qaCompleted++
		return
	}

	run := s.workerRuns[pr.workerID]
	workerAttempt := run.Final()

	// QA LLM spend. Deterministic checks cost nothing.
	qaCost := 0.0
	if res.LLM != nil && pr.decision != nil {
		if res.LLM.Usage != nil && res.LLM.Usage.TotalTokens > 0 {
			qaCost = costmodel.ComputeActualCost(pr.entry.Pricing, costmodel.TokenCounts{
				Input:  res.LLM.Usage.InputTokens,
				Output: res.LLM.Usage.OutputTokens,
			})
		} else {
			qaCost = pr.decision.PredictedCostUSD
		}
	}
	s.remainingUSD -= qaCost
	s.led.RecordCost(ledger.BucketQA, qaCost)
	s.roleExecutions[string(plan.RoleQA)]++

	if pr.fallback {
		s.led.RecordDecision(ledger.Decision{
			Type:      ledger.DecisionProcurementFallback,
			PackageID: o.packageID,
			Details:   map[string]string{"tier": string(pr.tier)},
		})
	}
	if pr.decision != nil {
		s.led.RecordDecision(ledger.Decision{
			Type:      ledger.DecisionRoute,
			PackageID: o.packageID,
			Details: map[string]string{
				"role":          string(plan.RoleQA),
				"chosenModelId": pr.decision.ChosenModelID,
				"rankedBy":      pr.decision.Audit.RankedBy,
			},
		})
	}
	if res.LLMSkippedReason == qa.SkipReasonBudgetGated {
		s.led.RecordDecision(ledger.Decision{
			Type:      ledger.DecisionBudgetOptimization,
			PackageID: o.packageID,
			Details:   map[string]string{"reason": "budget_gated"},
		})
	}

	if o.assembly != nil || o.assemblyErr != nil {
		e.commitAssembly(s, o, res)
	}

	if len(res.Defects) > 0 && !res.Pass {
		s.led.RecordDecision(ledger.Decision{
			Type:      ledger.DecisionValidationFailed,
			PackageID: pr.workerID,
			Details:   map[string]string{"defectCount": fmt.Sprintf("%d", len(res.Defects))},
		})
	}

	quality := res.QualityScore
	run.ActualQuality = &quality
	s.qaResults = append(s.qaResults, res)
	for _, w := range res.Warnings {
		s.warnings = append(s.warnings, w)
	}

	e.updateTrustAndCalibration(s, pr, res, workerAttempt)

	if o.judge != nil {
		s.judgeSamples = append(s.judgeSamples, JudgeSample{
			PackageID: pr.workerID,
			Overall:   o.judge.Overall,
			CostUSD:   o.judge.CostUSD,
		})
		s.remainingUSD -= o.judge.CostUSD
		s.led.RecordCost(ledger.BucketCouncil, o.judge.CostUSD)
	}

	if e.maybeEscalate(s, pr, res, workerAttempt) {
		// QA re-runs after the retried worker commits.
		s.qaCompleted++
		return
	}

	s.g.markCompleted(o.packageID)
	s.qaCompleted++
}

func (e *Engine) commitAssembly(s *runState, o *outcome, res *qa.Result) {
	pr := o.prep
	if o.assemblyErr != nil || (o.assembly != nil && !o.assembly.CompilationSuccess) {
		fileCount := 0
		if o.assembly != nil {
			fileCount = o.assembly.FileCount
		}
		s.led.RecordDecision(ledger.Decision{
			Type:      ledger.DecisionAssemblyFailed,
			PackageID: pr.workerID,
			Details: map[string]string{
				"compilationSuccess": "false",
				"fileCount":          fmt.Sprintf("%d", fileCount),
			},
		})
		// Compile failure pins the score.
		res.Pass = false
		res.QualityScore = 0.3
		return
	}
	s.led.RecordDecision(ledger.Decision{
		Type:      ledger.DecisionAssembly,
		PackageID: pr.workerID,
		Details: map[string]string{
			"compilationSuccess": "true",
			"fileCount":          fmt.Sprintf("%d", o.assembly.FileCount),
		},
	})
}

// updateTrustAndCalibration applies the post-QA learning updates: worker
// trust, QA trust on agreement, and the calibration observation unless gated
// by low QA trust.
func (e *Engine) updateTrustAndCalibration(s *runState, pr *prepared, res *qa.Result, attempt *Attempt) {
	if attempt == nil || attempt.ModelID == "" {
		return
	}

	costRatio := 1.0
	if attempt.PredictedCostUSD > 0 {
		costRatio = attempt.ActualCostUSD / attempt.PredictedCostUSD
	}
	before, after := e.Trust.UpdateWorker(attempt.ModelID, calibration.WorkerSignal{
		Pass:         res.Pass,
		QualityDelta: res.QualityScore - attempt.PredictedQuality,
		CostRatio:    costRatio,
	})
	s.led.RecordTrustDelta(attempt.ModelID, string(calibration.TrustRoleWorker), before, after)

	if res.LLM != nil && res.Deterministic != nil && res.DeterministicGroundTruth {
		agrees := res.LLM.Pass == res.Deterministic.Pass
		qaBefore, qaAfter := e.Trust.UpdateQA(res.LLM.ModelID, agrees)
		s.led.RecordTrustDelta(res.LLM.ModelID, string(calibration.TrustRoleQA), qaBefore, qaAfter)
	}

	// Variance gating: LLM-only verdicts from a distrusted reviewer do not
	// feed the priors.
	if res.LLM != nil && !res.DeterministicGroundTruth {
		if e.Trust.Get(res.LLM.ModelID, calibration.TrustRoleQA) < qaTrustVarianceGate {
			s.led.RecordVarianceSkipped(pr.workerID, "qa_trust_low")
			return
		}
	}

	samples := res.Defects
	if len(samples) > maxDefectSamples {
		samples = samples[:maxDefectSamples]
	}
	truncated := make([]string, len(samples))
	for i, d := range samples {
		if len(d) > maxDefectSampleChars {
			d = d[:maxDefectSampleChars]
		}
		truncated[i] = d
	}

	nowISO := e.Clock().UTC().Format(time.RFC3339)
	prior := e.Calibration.RecordObservation(calibration.Observation{
		ModelID:          attempt.ModelID,
		TaskType:         attempt.TaskType,
		Difficulty:       string(attempt.Difficulty),
		ActualQuality:    res.QualityScore,
		PredictedQuality: attempt.PredictedQuality,
		ActualCostUSD:    attempt.ActualCostUSD,
		PredictedCostUSD: attempt.PredictedCostUSD,
		DefectCount:      len(res.Defects),
		DefectSamples:    truncated,
		TsISO:            nowISO,
	})
	s.led.RecordVarianceRecorded()

	e.applyGovernance(s, attempt.ModelID, prior, nowISO)
}

// applyGovernance feeds the recomputed prior through the catalog's status
// transitions and applies any change, so active models degrade to probation
// and then disabled as evidence accumulates.
func (e *Engine) applyGovernance(s *runState, modelID string, prior calibration.Prior, nowISO string) {
	entry, ok := e.Catalog.Get(modelID)
	if !ok {
		return
	}
	status, changed := catalog.EvaluateStatus(entry, prior)
	if !changed {
		return
	}
	if err := e.Catalog.SetStatus(modelID, status, nowISO); err != nil {
		s.warnings = append(s.warnings, fmt.Sprintf("status update for model %s failed: %v", modelID, err))
		return
	}
	s.led.RecordDecision(ledger.Decision{
		Type: ledger.DecisionModelStatusChange,
		Details: map[string]string{
			"modelId": modelID,
			"from":    string(entry.Identity.Status),
			"to":      string(status),
		},
	})
}

// maybeEscalate evaluates the escalation controller for a committed QA
// outcome and re-enqueues the worker on promotion. Returns true when the QA
// package must not be marked complete because it will re-run.
func (e *Engine) maybeEscalate(s *runState, pr *prepared, res *qa.Result, attempt *Attempt) bool {
	if attempt == nil {
		return false
	}

	candidateID, rerunCost, candidateQuality := e.higherTierCandidate(s, attempt)
	decision := escalate.Evaluate(&e.Config.Escalation, escalate.Input{
		PackageID:             pr.workerID,
		Difficulty:            attempt.Difficulty,
		ActualQuality:         res.QualityScore,
		PromotionsUsed:        s.promotionsUsed[pr.workerID],
		HigherTierCandidate:   candidateID,
		CandidateQuality:      candidateQuality,
		AttemptQuality:        attempt.PredictedQuality,
		PredictedRerunCostUSD: rerunCost,
		EscalationSpendUSD:    s.escalationSpend,
		ProjectBudgetUSD:      s.req.ProjectBudgetUSD,
		CurrentTier:           attempt.Tier,
	})

	if decision.Warning != "" {
		s.warnings = append(s.warnings, decision.Warning)
	}
	if !decision.Escalate {
		return false
	}

	s.promotionsUsed[pr.workerID]++
	s.escalations = append(s.escalations, *decision.Event)
	s.led.RecordDecision(ledger.Decision{
		Type:      ledger.DecisionEscalation,
		PackageID: pr.workerID,
		Details:   decision.Event.Context,
	})

	s.tierOverride[pr.workerID] = decision.NextTier
	s.preferModel[pr.workerID] = []string{candidateID}
	if decision.NextTier.Rank() > s.currentTier.Rank() {
		s.currentTier = decision.NextTier
	}

	s.g.reopenForRetry(pr.workerID, pr.pkg.ID)
	return true
}

// higherTierCandidate finds the strongest eligible model one tier above the
// attempt's tier, plus its predicted rerun cost for the same token estimate
// and its predicted quality.
func (e *Engine) higherTierCandidate(s *runState, attempt *Attempt) (string, float64, float64) {
	next := tierAbove(attempt.Tier)
	if next == attempt.Tier {
		return "", 0, 0
	}

	candidates, _, err := e.Catalog.ListEligible(catalog.EligibilityFilter{
		TierProfile:        next,
		TaskType:           attempt.TaskType,
		Difficulty:         attempt.Difficulty,
		BudgetRemainingUSD: s.remainingUSD,
	})
	if err != nil || len(candidates) == 0 {
		return "", 0, 0
	}

	best := candidates[0]
	bestQuality := -1.0
	for _, c := range candidates {
		quality := 0.6*c.ExpertiseFor(attempt.TaskType) + 0.4*c.Reliability
		if prior, ok := e.Calibration.Find(c.ID, attempt.TaskType, string(attempt.Difficulty)); ok && prior.SampleCount > 0 {
			quality = prior.QualityPrior
		}
		if quality > bestQuality || (quality == bestQuality && c.ID < best.ID) {
			best, bestQuality = c, quality
		}
	}

	var prior *calibration.Prior
	if p, ok := e.Calibration.Find(best.ID, attempt.TaskType, string(attempt.Difficulty)); ok {
		prior = &p
	}
	pred := costmodel.ComputePredictedCost(best.Pricing, attempt.EstimatedTokens, prior)
	return best.ID, pred.PredictedCostUSD, bestQuality
}

func tierAbove(t plan.TierProfile) plan.TierProfile {
	switch t {
	case plan.TierCheap:
		return plan.TierStandard
	case plan.TierStandard:
		return plan.TierPremium
	default:
		return t
	}
}

func (p *prepared) chosenModelID() string {
	if p.decision == nil {
		return ""
	}
	return p.decision.ChosenModelID
}

func (s *runState) tierFor(p *plan.WorkPackage) plan.TierProfile {
	if t, ok := s.tierOverride[p.ID]; ok {
		return t
	}
	if p.TierProfileOverride != "" {
		return p.TierProfileOverride
	}
	return s.currentTier
}
