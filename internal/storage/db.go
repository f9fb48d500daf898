// Package storage opens the private-state SQLite database and applies schema
// migrations for the graph store, block store, vector index, and sync state.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the SQLite database backing a kiln's private state, creating the
// file if needed. Foreign keys, WAL journaling, and a busy timeout are set
// through the DSN so every pooled connection carries them.
func Open(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return db, nil
}

// Migrate applies database migrations to bring the schema up to date.
// Uses a simple versioning system via the schema_meta table.
// Safe to call on every startup.
func Migrate(db *sql.DB) error {
	if err := createSchemaMeta(db); err != nil {
		return err
	}

	version, err := getCurrentVersion(db)
	if err != nil {
		return err
	}

	migrations := []func(*sql.DB) error{
		applyMigration1,
		applyMigration2,
		applyMigration3,
	}

	for i, apply := range migrations {
		target := i + 1
		if version < target {
			if err := apply(db); err != nil {
				return fmt.Errorf("failed to apply migration %d: %w", target, err)
			}
		}
	}

	return nil
}

// createSchemaMeta creates the schema_meta table if it doesn't exist.
func createSchemaMeta(db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_meta (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL
		)
	`
	_, err := db.Exec(query)
	return err
}

// getCurrentVersion returns the current schema version.
func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_meta").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

// recordMigration stamps a migration version inside its transaction.
func recordMigration(tx *sql.Tx, version int) error {
	if _, err := tx.Exec(
		"INSERT INTO schema_meta (version, applied_at) VALUES (?, ?)",
		version,
		time.Now(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return nil
}

// applyMigration1 creates the graph schema: notes, links, tags, note_tags.
func applyMigration1(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		CREATE TABLE notes (
			path TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			frontmatter TEXT NOT NULL DEFAULT '{}',
			modified_at DATETIME NOT NULL,
			indexed_at DATETIME NOT NULL,
			merkle_root TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			row_version INTEGER NOT NULL DEFAULT 1
		)
	`); err != nil {
		return fmt.Errorf("failed to create notes table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE links (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_path TEXT NOT NULL,
			target TEXT NOT NULL,
			target_name TEXT NOT NULL,
			alias TEXT NOT NULL DEFAULT '',
			section TEXT NOT NULL DEFAULT '',
			embed BOOLEAN NOT NULL DEFAULT 0,
			position INTEGER NOT NULL DEFAULT 0,
			resolved_path TEXT,
			candidates TEXT,
			FOREIGN KEY (source_path) REFERENCES notes(path) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("failed to create links table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE tags (
			name TEXT PRIMARY KEY,
			parent TEXT NOT NULL DEFAULT '',
			usage_count INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("failed to create tags table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE note_tags (
			note_path TEXT NOT NULL,
			tag_name TEXT NOT NULL,
			PRIMARY KEY (note_path, tag_name),
			FOREIGN KEY (note_path) REFERENCES notes(path) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("failed to create note_tags table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX idx_notes_name ON notes(name)`,
		`CREATE INDEX idx_links_source ON links(source_path)`,
		`CREATE INDEX idx_links_resolved ON links(resolved_path)`,
		`CREATE INDEX idx_links_target_name ON links(target_name)`,
		`CREATE INDEX idx_note_tags_tag ON note_tags(tag_name)`,
	}
	for _, q := range indexes {
		if _, err := tx.Exec(q); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := recordMigration(tx, 1); err != nil {
		return err
	}

	return tx.Commit()
}

// applyMigration2 creates the content-addressed block store tables.
func applyMigration2(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		CREATE TABLE blocks (
			hash TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create blocks table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE trees (
			root_hash TEXT NOT NULL,
			position INTEGER NOT NULL,
			block_hash TEXT NOT NULL,
			PRIMARY KEY (root_hash, position)
		)
	`); err != nil {
		return fmt.Errorf("failed to create trees table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE tree_owners (
			note_path TEXT PRIMARY KEY,
			root_hash TEXT NOT NULL,
			content_hash TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		return fmt.Errorf("failed to create tree_owners table: %w", err)
	}

	if _, err := tx.Exec(`CREATE INDEX idx_trees_block ON trees(block_hash)`); err != nil {
		return fmt.Errorf("failed to create trees index: %w", err)
	}
	if _, err := tx.Exec(`CREATE INDEX idx_tree_owners_root ON tree_owners(root_hash)`); err != nil {
		return fmt.Errorf("failed to create tree_owners index: %w", err)
	}

	if err := recordMigration(tx, 2); err != nil {
		return err
	}

	return tx.Commit()
}

// applyMigration3 creates the vector index and sync state tables.
func applyMigration3(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		CREATE TABLE embeddings (
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			model TEXT NOT NULL,
			dim INTEGER NOT NULL,
			vector BLOB NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (id, kind)
		)
	`); err != nil {
		return fmt.Errorf("failed to create embeddings table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE sync_clocks (
			path TEXT PRIMARY KEY,
			clock TEXT NOT NULL DEFAULT '{}',
			applied_hash TEXT NOT NULL DEFAULT '',
			deleted BOOLEAN NOT NULL DEFAULT 0,
			modified_at DATETIME
		)
	`); err != nil {
		return fmt.Errorf("failed to create sync_clocks table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE sync_peers (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			last_sync DATETIME
		)
	`); err != nil {
		return fmt.Errorf("failed to create sync_peers table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE sync_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create sync_meta table: %w", err)
	}

	if err := recordMigration(tx, 3); err != nil {
		return err
	}

	return tx.Commit()
}
