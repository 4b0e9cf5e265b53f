package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"foreman/internal/engine"
	"foreman/internal/ledger"
	"foreman/internal/plan"
	"foreman/internal/qa"
)

// Store persists finished run sessions to SQLite. The scheduler never reads
// from it during a run; it is a write-behind archive for the CLI and
// reporting.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the run database at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run database: %w", err)
	}
	if err := ConfigureDatabase(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun writes a completed run's result, ledger stream, and outcomes in one
// transaction.
func (s *Store) SaveRun(ctx context.Context, tier plan.TierProfile, res *engine.Result) error {
	led := res.Ledger
	if led == nil {
		return fmt.Errorf("result carries no ledger")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	warnings, err := json.Marshal(res.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}

	workersCompleted, qaCompleted := 0, 0
	if led.Summary != nil {
		workersCompleted = led.Summary.WorkersCompleted
		qaCompleted = led.Summary.QACompleted
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_sessions (
			id, tier_profile, starting_usd, remaining_usd, escalation_spend_usd,
			council_usd, worker_usd, qa_usd, deterministic_qa_usd,
			workers_completed, qa_completed, variance_recorded, variance_skipped, warnings
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		led.RunSessionID, string(tier),
		res.Budget.StartingUSD, res.Budget.RemainingUSD, res.Budget.EscalationSpendUSD,
		led.Costs.CouncilUSD, led.Costs.WorkerUSD, led.Costs.QAUSD, led.Costs.DeterministicQAUSD,
		workersCompleted, qaCompleted, led.VarianceRecorded, led.VarianceSkipped,
		string(warnings),
	); err != nil {
		return fmt.Errorf("insert run session: %w", err)
	}

	for seq, d := range led.Decisions {
		details, err := json.Marshal(d.Details)
		if err != nil {
			return fmt.Errorf("marshal decision details: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO run_decisions (run_id, seq, type, package_id, details) VALUES (?, ?, ?, ?, ?)",
			led.RunSessionID, seq, string(d.Type), d.PackageID, string(details),
		); err != nil {
			return fmt.Errorf("insert decision %d: %w", seq, err)
		}
	}

	for _, run := range res.Runs {
		payload, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("marshal worker run %s: %w", run.PackageID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO worker_runs (run_id, package_id, payload) VALUES (?, ?, ?)",
			led.RunSessionID, run.PackageID, string(payload),
		); err != nil {
			return fmt.Errorf("insert worker run %s: %w", run.PackageID, err)
		}
	}

	for _, q := range res.QAResults {
		payload, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("marshal qa result %s: %w", q.PackageID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO qa_results (run_id, package_id, worker_package_id, payload) VALUES (?, ?, ?, ?)",
			led.RunSessionID, q.PackageID, q.WorkerPackageID, string(payload),
		); err != nil {
			return fmt.Errorf("insert qa result %s: %w", q.PackageID, err)
		}
	}

	for _, td := range led.TrustDeltas {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO trust_deltas (run_id, model_id, role, before_value, after_value) VALUES (?, ?, ?, ?, ?)",
			led.RunSessionID, td.ModelID, td.Role, td.Before, td.After,
		); err != nil {
			return fmt.Errorf("insert trust delta: %w", err)
		}
	}

	return tx.Commit()
}

// RunRecord is a persisted run session read back from the store.
type RunRecord struct {
	ID                 string             `json:"id"`
	TierProfile        string             `json:"tier_profile"`
	StartingUSD        float64            `json:"starting_usd"`
	RemainingUSD       float64            `json:"remaining_usd"`
	EscalationSpendUSD float64            `json:"escalation_spend_usd"`
	Costs              ledger.Costs       `json:"costs"`
	WorkersCompleted   int                `json:"workers_completed"`
	QACompleted        int                `json:"qa_completed"`
	Warnings           []string           `json:"warnings"`
	Decisions          []ledger.Decision  `json:"decisions"`
	Runs               []engine.WorkerRun `json:"runs"`
	QAResults          []qa.Result        `json:"qa_results"`
}

// GetRun loads one run session with its decision stream and outcomes.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	rec := &RunRecord{ID: runID}
	var warnings string

	err := s.db.QueryRowContext(ctx, `
		SELECT tier_profile, starting_usd, remaining_usd, escalation_spend_usd,
		       council_usd, worker_usd, qa_usd, deterministic_qa_usd,
		       workers_completed, qa_completed, warnings
		FROM run_sessions WHERE id = ?`, runID,
	).Scan(
		&rec.TierProfile, &rec.StartingUSD, &rec.RemainingUSD, &rec.EscalationSpendUSD,
		&rec.Costs.CouncilUSD, &rec.Costs.WorkerUSD, &rec.Costs.QAUSD, &rec.Costs.DeterministicQAUSD,
		&rec.WorkersCompleted, &rec.QACompleted, &warnings,
	)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if err := json.Unmarshal([]byte(warnings), &rec.Warnings); err != nil {
		return nil, fmt.Errorf("parse warnings: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT type, package_id, details FROM run_decisions WHERE run_id = ? ORDER BY seq", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var d ledger.Decision
		var typ, details string
		if err := rows.Scan(&typ, &d.PackageID, &details); err != nil {
			return nil, err
		}
		d.Type = ledger.DecisionType(typ)
		if err := json.Unmarshal([]byte(details), &d.Details); err != nil {
			return nil, fmt.Errorf("parse decision details: %w", err)
		}
		rec.Decisions = append(rec.Decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if rec.Runs, err = loadPayloads[engine.WorkerRun](ctx, s.db,
		"SELECT payload FROM worker_runs WHERE run_id = ? ORDER BY package_id", runID); err != nil {
		return nil, err
	}
	if rec.QAResults, err = loadPayloads[qa.Result](ctx, s.db,
		"SELECT payload FROM qa_results WHERE run_id = ? ORDER BY id", runID); err != nil {
		return nil, err
	}

	return rec, nil
}

// ListRunIDs returns run session ids, newest first.
func (s *Store) ListRunIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM run_sessions ORDER BY created_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func loadPayloads[T any](ctx context.Context, db *sql.DB, query, runID string) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
