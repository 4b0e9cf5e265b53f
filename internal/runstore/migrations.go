package runstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// GetMigrations returns all available migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_run_sessions_tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS run_sessions (
					id TEXT PRIMARY KEY,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					tier_profile TEXT NOT NULL,
					starting_usd REAL NOT NULL,
					remaining_usd REAL NOT NULL,
					escalation_spend_usd REAL NOT NULL DEFAULT 0,
					council_usd REAL NOT NULL DEFAULT 0,
					worker_usd REAL NOT NULL DEFAULT 0,
					qa_usd REAL NOT NULL DEFAULT 0,
					deterministic_qa_usd REAL NOT NULL DEFAULT 0,
					workers_completed INTEGER NOT NULL DEFAULT 0,
					qa_completed INTEGER NOT NULL DEFAULT 0,
					variance_recorded INTEGER NOT NULL DEFAULT 0,
					variance_skipped INTEGER NOT NULL DEFAULT 0,
					warnings TEXT DEFAULT '[]'
				);

				CREATE TABLE IF NOT EXISTS run_decisions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL,
					seq INTEGER NOT NULL,
					type TEXT NOT NULL,
					package_id TEXT,
					details TEXT DEFAULT '{}',
					FOREIGN KEY (run_id) REFERENCES run_sessions (id)
				);

				CREATE INDEX IF NOT EXISTS idx_run_decisions_run_id ON run_decisions (run_id, seq);
				CREATE INDEX IF NOT EXISTS idx_run_decisions_type ON run_decisions (type);
			`,
		},
		{
			Version: 2,
			Name:    "create_run_outcome_tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS worker_runs (
					run_id TEXT NOT NULL,
					package_id TEXT NOT NULL,
					payload TEXT NOT NULL,
					PRIMARY KEY (run_id, package_id),
					FOREIGN KEY (run_id) REFERENCES run_sessions (id)
				);

				CREATE TABLE IF NOT EXISTS qa_results (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL,
					package_id TEXT NOT NULL,
					worker_package_id TEXT NOT NULL,
					payload TEXT NOT NULL,
					FOREIGN KEY (run_id) REFERENCES run_sessions (id)
				);

				CREATE TABLE IF NOT EXISTS trust_deltas (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL,
					model_id TEXT NOT NULL,
					role TEXT NOT NULL,
					before_value REAL NOT NULL,
					after_value REAL NOT NULL,
					FOREIGN KEY (run_id) REFERENCES run_sessions (id)
				);

				CREATE INDEX IF NOT EXISTS idx_worker_runs_run_id ON worker_runs (run_id);
				CREATE INDEX IF NOT EXISTS idx_qa_results_run_id ON qa_results (run_id);
				CREATE INDEX IF NOT EXISTS idx_trust_deltas_model ON trust_deltas (model_id, role);

				CREATE TABLE IF NOT EXISTS schema_migrations (
					version INTEGER PRIMARY KEY,
					name TEXT NOT NULL,
					applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range GetMigrations() {
		if migration.Version <= currentVersion {
			continue // Already applied
		}
		if err := runMigration(db, migration); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", migration.Version, migration.Name, err)
		}
	}

	return nil
}

// ensureMigrationsTable creates the schema_migrations table if it doesn't exist
func ensureMigrationsTable(db *sql.DB) error {
	sql := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := db.Exec(sql)
	return err
}

// getCurrentVersion returns the current schema version
func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if err.Error() == "SQL logic error: no such table: schema_migrations (1)" {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// runMigration executes a single migration in a transaction
func runMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		migration.Version, migration.Name,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// ConfigureDatabase applies SQLite optimizations and runs migrations
func ConfigureDatabase(db *sql.DB) error {
	// SQLite serializes writes, so limit connections to avoid contention.
	// WAL mode allows concurrent readers, so we allow a few connections.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply pragma '%s': %w", pragma, err)
		}
	}

	if err := RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
