package storage

import (
	"fmt"
	"time"

	"github.com/golang/glog"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema creates the required tables if they don't exist.
// Uses IF NOT EXISTS to make the operation idempotent.
func (s *SQLiteStore) initSchema() error {
	// Schema version table tracks database migrations.
	// This allows future schema changes to be applied incrementally.
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// Check current version
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	// Apply migrations based on current version
	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("check schema version: %w", err)
	}
	return version, nil
}

// recordMigration marks version as applied.
func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// migrateToV1 creates the documents table.
func (s *SQLiteStore) migrateToV1() error {
	glog.Infof("storage: applying migration to schema version 1")

	// One row per published document. Only the current source is kept;
	// a restarted host serves a snapshot built from it. Timestamps are
	// stored as RFC3339 strings for readability and portability.
	const documentsTable = `
		CREATE TABLE IF NOT EXISTS documents (
			name TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(documentsTable); err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}

	return s.recordMigration(1)
}

// migrateToV2 adds the connection audit log.
func (s *SQLiteStore) migrateToV2() error {
	glog.Infof("storage: applying migration to schema version 2")

	// Rows are keyed by ULID so they sort by open time. connection_id is
	// only unique within one session lifetime.
	const connectionLogTable = `
		CREATE TABLE IF NOT EXISTS connection_log (
			id TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			connection_id INTEGER NOT NULL,
			subprotocol TEXT NOT NULL DEFAULT '',
			remote_addr TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			opened_at TEXT NOT NULL,
			closed_at TEXT,
			close_reason TEXT NOT NULL DEFAULT ''
		);

		-- Most lookups list recent connections for one document.
		CREATE INDEX IF NOT EXISTS idx_connection_log_document ON connection_log(document, opened_at);
	`

	if _, err := s.db.Exec(connectionLogTable); err != nil {
		return fmt.Errorf("create connection_log table: %w", err)
	}

	return s.recordMigration(2)
}
