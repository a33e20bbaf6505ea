package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration is one forward schema step and its inverse.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Device registry and replay counters",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Write-once evidence history",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Evidence integrity head",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS devices (
    device_id       TEXT PRIMARY KEY,
    public_key      BLOB NOT NULL,
    key_id          TEXT NOT NULL UNIQUE,
    key_type        TEXT NOT NULL,
    hardware_backed INTEGER NOT NULL DEFAULT 0,
    revoked         INTEGER NOT NULL DEFAULT 0,
    registered_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS device_counters (
    device_id       TEXT PRIMARY KEY,
    last_counter    INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS capture_counters (
    device_id       TEXT NOT NULL,
    capture_id      TEXT NOT NULL,
    counter         INTEGER NOT NULL,
    accepted_at     INTEGER NOT NULL,
    PRIMARY KEY (device_id, capture_id)
);
`

const migrationV1Down = `
DROP TABLE IF EXISTS capture_counters;
DROP TABLE IF EXISTS device_counters;
DROP TABLE IF EXISTS devices;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS evidence (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    evidence_id     TEXT NOT NULL UNIQUE,
    capture_id      TEXT NOT NULL,
    device_id       TEXT NOT NULL,
    level           TEXT NOT NULL CHECK (level IN ('high', 'medium', 'low', 'suspicious')),
    score           REAL NOT NULL,
    supersedes      TEXT,
    digest          TEXT NOT NULL,
    created_at      INTEGER NOT NULL,
    body            BLOB NOT NULL,
    previous_mac    BLOB NOT NULL,
    mac             BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evidence_capture ON evidence(capture_id, seq);
CREATE INDEX IF NOT EXISTS idx_evidence_device ON evidence(device_id, created_at);

CREATE TRIGGER IF NOT EXISTS evidence_no_update
BEFORE UPDATE ON evidence
BEGIN
    SELECT RAISE(ABORT, 'evidence is immutable');
END;

CREATE TRIGGER IF NOT EXISTS evidence_no_delete
BEFORE DELETE ON evidence
BEGIN
    SELECT RAISE(ABORT, 'evidence is immutable');
END;
`

const migrationV2Down = `
DROP TRIGGER IF EXISTS evidence_no_delete;
DROP TRIGGER IF EXISTS evidence_no_update;
DROP INDEX IF EXISTS idx_evidence_device;
DROP INDEX IF EXISTS idx_evidence_capture;
DROP TABLE IF EXISTS evidence;
`

const migrationV3Up = `
CREATE TABLE IF NOT EXISTS integrity (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    head_mac        BLOB NOT NULL,
    evidence_count  INTEGER NOT NULL DEFAULT 0,
    last_verified   INTEGER,
    mac             BLOB NOT NULL
);
`

const migrationV3Down = `
DROP TABLE IF EXISTS integrity;
`

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER PRIMARY KEY,
    applied_at  INTEGER NOT NULL,
    description TEXT
)`

// requiredTables is what a fully migrated database must contain.
var requiredTables = []string{
	"devices",
	"device_counters",
	"capture_counters",
	"evidence",
	"integrity",
	"schema_migrations",
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func schemaVersion(q querier) (int, error) {
	var v int
	if err := q.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func withTx(db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// MigrateDB brings db up to the latest schema. Each step commits on its
// own, so a failure leaves the earlier steps applied.
func MigrateDB(db *sql.DB) error {
	if _, err := db.Exec(createMigrationsTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations[min(current, len(migrations)):] {
		err := withTx(db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.Up); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
			}
			_, err := tx.Exec(
				"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
				m.Version, time.Now().UnixNano(), m.Description,
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// RollbackMigration undoes the most recent migration.
func RollbackMigration(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current == 0 || current > len(migrations) {
		return fmt.Errorf("no known migration to roll back at version %d", current)
	}
	m := migrations[current-1]

	return withTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(m.Down); err != nil {
			return fmt.Errorf("roll back migration %d: %w", m.Version, err)
		}
		_, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", m.Version)
		return err
	})
}

// MigrationStatus describes applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// GetMigrationStatus reports the schema version of db. A database that
// was never migrated has every migration pending.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	st := &MigrationStatus{LatestVersion: len(migrations)}

	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		st.Pending = migrations
		return st, nil
	}
	defer rows.Close()

	for rows.Next() {
		var (
			am AppliedMigration
			ns int64
		)
		if err := rows.Scan(&am.Version, &ns, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, ns)
		st.Applied = append(st.Applied, am)
		st.CurrentVersion = am.Version
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}
	st.Pending = migrations[min(st.CurrentVersion, len(migrations)):]
	return st, nil
}

// ValidateSchema reports the first required table that is missing.
func ValidateSchema(db *sql.DB) error {
	for _, table := range requiredTables {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}
	return nil
}
