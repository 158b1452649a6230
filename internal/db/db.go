package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/margin/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 2

// FileName is the database file created under the base directory.
const FileName = "margin.db"

// Init initializes the SQLite database at baseDir/margin.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.margin.
func Init(baseDir string) (*sql.DB, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// best-effort, may not work on all platforms
	_ = os.Chmod(baseDir, 0700)

	exportsDir := filepath.Join(baseDir, "exports")
	if err := os.MkdirAll(exportsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create exports directory: %w", err)
	}
	_ = os.Chmod(exportsDir, 0700)

	// Pragmas in the DSN apply to every pooled connection.
	dbPath := filepath.Join(baseDir, FileName)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: sessions, ledger and notes
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS sessions (
		  id               TEXT PRIMARY KEY,
		  video_id         TEXT NOT NULL,
		  status           TEXT NOT NULL,
		  ledger_cursor    INTEGER NOT NULL DEFAULT 0,
		  note_ids_json    TEXT,
		  health_json      TEXT,
		  created_at       INTEGER NOT NULL,
		  last_activity_at INTEGER NOT NULL,
		  checkpointed_at  INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_status_activity
		ON sessions(status, last_activity_at);

		CREATE TABLE IF NOT EXISTS ledger_heads (
		  session_id TEXT PRIMARY KEY,
		  last_seq   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS evidence (
		  session_id     TEXT NOT NULL,
		  sequence       INTEGER NOT NULL,
		  evidence_type  TEXT NOT NULL,
		  payload        TEXT NOT NULL,
		  payload_hash   TEXT NOT NULL,
		  critical       INTEGER NOT NULL,
		  occurred_at    INTEGER NOT NULL,
		  video_start_ms INTEGER,
		  video_end_ms   INTEGER,
		  blob_pointer   TEXT,
		  PRIMARY KEY (session_id, sequence)
		) WITHOUT ROWID;

		CREATE INDEX IF NOT EXISTS idx_evidence_video
		ON evidence(session_id, video_start_ms)
		WHERE video_start_ms IS NOT NULL;

		CREATE TABLE IF NOT EXISTS notes (
		  id            TEXT PRIMARY KEY,
		  session_id    TEXT NOT NULL,
		  video_id      TEXT NOT NULL,
		  start_ms      INTEGER NOT NULL,
		  end_ms        INTEGER NOT NULL,
		  text          TEXT NOT NULL,
		  confidence    REAL NOT NULL,
		  status        TEXT NOT NULL,
		  source_from   INTEGER NOT NULL,
		  source_to     INTEGER NOT NULL,
		  superseded_by TEXT,
		  content_hash  TEXT NOT NULL,
		  created_at    INTEGER NOT NULL,
		  updated_at    INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_notes_session
		ON notes(session_id, status, start_ms);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Migration 1 -> 2: evidence rows are immutable once written
	if version < 2 {
		schema := `
		CREATE TRIGGER IF NOT EXISTS evidence_no_update
		BEFORE UPDATE ON evidence
		BEGIN
		  SELECT RAISE(ABORT, 'evidence is append-only');
		END;

		CREATE TRIGGER IF NOT EXISTS evidence_no_delete
		BEFORE DELETE ON evidence
		BEGIN
		  SELECT RAISE(ABORT, 'evidence is append-only');
		END;
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 2 failed: %w", err)
		}
		if err := SetUserVersion(db, 2); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
