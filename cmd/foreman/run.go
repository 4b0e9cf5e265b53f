package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"foreman/internal/calibration"
	"foreman/internal/catalog"
	"foreman/internal/config"
	"foreman/internal/engine"
	"foreman/internal/llm"
	"foreman/internal/plan"
	"foreman/internal/runstore"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	runBudget float64
	runTier   string
	runDryRun bool
)

// planFile is the on-disk run request format.
type planFile struct {
	Packages             []plan.WorkPackage `json:"packages"`
	ProjectBudgetUSD     float64            `json:"project_budget_usd"`
	AggregationPackageID string             `json:"aggregation_package_id,omitempty"`
}

// runCmd executes a plan file end to end.
var runCmd = &cobra.Command{
	Use:   "run <plan.json>",
	Short: "Execute a work-package plan",
	Long: `Execute the plan in the given JSON file: route every worker package to a
model, run QA, apply escalations, and persist the finished run session.

With --dry-run (the default) a deterministic mock transport stands in for
real model calls, so plans can be validated and costed without spending.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlan(args[0])
	},
}

func init() {
	runCmd.Flags().Float64Var(&runBudget, "budget", 0, "project budget in USD (overrides the plan file)")
	runCmd.Flags().StringVar(&runTier, "tier", "", "tier profile: cheap, standard, or premium")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", true, "use the mock transport instead of live models")
}

func runPlan(planPath string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(planPath)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	var pf planFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("parse plan: %w", err)
	}
	if runBudget > 0 {
		pf.ProjectBudgetUSD = runBudget
	}

	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	var transport llm.Transport
	if runDryRun {
		transport = llm.NewMockTransport()
		log.Println("[Run] dry-run: using mock transport")
	} else {
		return fmt.Errorf("live transports are not configured; run with --dry-run")
	}

	eng := engine.New(cfg, cat, transport, ".")
	if cfg.DataDir != "" {
		eng.Calibration = calibration.NewPersistentStore(cfg.DataDir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal: %v", sig)
		cancel()
	}()

	runID := uuid.NewString()
	log.Printf("[Run] session=%s packages=%d budget=%.4f", runID, len(pf.Packages), pf.ProjectBudgetUSD)

	res, err := eng.RunPackages(ctx, engine.Request{
		RunSessionID:         runID,
		Packages:             pf.Packages,
		ProjectBudgetUSD:     pf.ProjectBudgetUSD,
		TierProfile:          plan.TierProfile(runTier),
		AggregationPackageID: pf.AggregationPackageID,
	})
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	if err := persistRun(cfg, res); err != nil {
		log.Printf("WARNING: could not persist run: %v", err)
	}

	return printRunSummary(res)
}

func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(cfgFile); err != nil {
		if cfgFile != "foreman.yaml" {
			return nil, fmt.Errorf("config file not found: %s", cfgFile)
		}
		log.Println("[Config] no config file found, using defaults")
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	cat := catalog.New()
	if cfg.DataDir == "" {
		return cat, nil
	}
	if err := cat.Load(cfg.DataDir); err != nil {
		if os.IsNotExist(unwrapPathError(err)) {
			log.Printf("[Catalog] no models.json under %s, falling back to static models", cfg.DataDir)
			return cat, nil
		}
		return nil, err
	}
	log.Printf("[Catalog] loaded %d models from %s", cat.Len(), cfg.DataDir)
	return cat, nil
}

func persistRun(cfg *config.Config, res *engine.Result) error {
	runsDir := cfg.RunsDir
	if runsDir == "" {
		runsDir = "."
	}
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return err
	}
	store, err := runstore.Open(filepath.Join(runsDir, "runs.db"))
	if err != nil {
		return err
	}
	defer store.Close()
	return store.SaveRun(context.Background(), cfg.TierProfile, res)
}

func printRunSummary(res *engine.Result) error {
	summary := map[string]any{
		"run_session_id": res.Ledger.RunSessionID,
		"workers":        len(res.Runs),
		"qa_results":     len(res.QAResults),
		"escalations":    len(res.Escalations),
		"budget":         res.Budget,
		"costs":          res.Ledger.Costs,
		"decisions":      res.Ledger.CountByType(),
		"warnings":       res.Warnings,
	}
	blob, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(blob))
	return nil
}

func unwrapPathError(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
