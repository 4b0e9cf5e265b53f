package runstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/engine"
	"foreman/internal/ledger"
	"foreman/internal/plan"
	"foreman/internal/qa"

	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	return db
}

func TestConfigureDatabase(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	err := ConfigureDatabase(db)
	if err != nil {
		t.Fatalf("Failed to configure database: %v", err)
	}

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&count)
	if err != nil {
		t.Fatalf("Failed to check for migrations table: %v", err)
	}
	if count != 1 {
		t.Error("Expected schema_migrations table to be created")
	}

	err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	if err != nil {
		t.Fatalf("Failed to count migrations: %v", err)
	}
	if expected := len(GetMigrations()); count != expected {
		t.Errorf("Expected %d migrations to be applied, got %d", expected, count)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	if err := RunMigrations(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	if err := RunMigrations(db); err != nil {
		t.Fatalf("Second migration run should be a no-op: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='run_sessions'").Scan(&count); err != nil {
		t.Fatalf("Failed to check for run_sessions table: %v", err)
	}
	if count != 1 {
		t.Error("Expected run_sessions table to be created")
	}
}

func sampleResult(runID string) *engine.Result {
	led := ledger.New(runID)
	led.RecordDecision(ledger.Decision{
		Type:      ledger.DecisionRoute,
		PackageID: "w-1",
		Details:   map[string]string{"chosenModelId": "cheap-mini", "rankedBy": "lowest_cost_qualified"},
	})
	led.RecordDecision(ledger.Decision{Type: ledger.DecisionRoute, PackageID: "qa-1"})
	led.RecordCost(ledger.BucketWorker, 0.002)
	led.RecordTrustDelta("cheap-mini", "worker", 0.70, 0.74)
	led.Finalize(1, 1, map[string]int{"worker": 1, "qa": 1})

	quality := 0.9
	return &engine.Result{
		Runs: []*engine.WorkerRun{{
			PackageID:     "w-1",
			Attempts:      []engine.Attempt{{ModelID: "cheap-mini", Tier: plan.TierCheap, ActualCostUSD: 0.002}},
			ActualQuality: &quality,
		}},
		QAResults: []*qa.Result{{
			PackageID:       "qa-1",
			WorkerPackageID: "w-1",
			Pass:            true,
			QualityScore:    0.9,
			ModelID:         "deterministic",
		}},
		Budget:   engine.Budget{StartingUSD: 1, RemainingUSD: 0.998},
		Warnings: []string{},
		Ledger:   led,
	}
}

func TestStore_SaveAndGetRun(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveRun(ctx, plan.TierCheap, sampleResult("run-1")))

	rec, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, "run-1", rec.ID)
	assert.Equal(t, "cheap", rec.TierProfile)
	assert.InDelta(t, 1.0, rec.StartingUSD, 1e-9)
	assert.InDelta(t, 0.002, rec.Costs.WorkerUSD, 1e-9)
	assert.Equal(t, 1, rec.WorkersCompleted)

	require.Len(t, rec.Decisions, 2)
	assert.Equal(t, ledger.DecisionRoute, rec.Decisions[0].Type)
	assert.Equal(t, "cheap-mini", rec.Decisions[0].Details["chosenModelId"])

	require.Len(t, rec.Runs, 1)
	assert.Equal(t, "w-1", rec.Runs[0].PackageID)
	require.NotNil(t, rec.Runs[0].ActualQuality)
	assert.InDelta(t, 0.9, *rec.Runs[0].ActualQuality, 1e-9)

	require.Len(t, rec.QAResults, 1)
	assert.True(t, rec.QAResults[0].Pass)
}

func TestStore_DuplicateRunIDRejected(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveRun(ctx, plan.TierCheap, sampleResult("run-1")))
	assert.Error(t, store.SaveRun(ctx, plan.TierCheap, sampleResult("run-1")))
}

func TestStore_ListRunIDs(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SaveRun(ctx, plan.TierCheap, sampleResult("run-a")))
	require.NoError(t, store.SaveRun(ctx, plan.TierStandard, sampleResult("run-b")))

	ids, err := store.ListRunIDs(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run-a", "run-b"}, ids)
}
