// Package tracker persists pending document and collection operations plus
// per-branch sync state in an embedded SQLite database.
//
// The database is the durability boundary of the sync core: a mutating tool
// call is only considered recorded once its row is committed here, and the
// sync manager replays these rows into Dolt commits. Losing this file loses
// pending deletions, so it lives under <data_path>/dev/ next to the vector
// store data, never in a temp dir.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/dmms-io/dmms/internal/dmmserr"
)

// Status values for pending operations.
const (
	StatusPending   = "pending"
	StatusStaged    = "staged"
	StatusCommitted = "committed"
)

// Collection operation types.
const (
	OpDeletion       = "deletion"
	OpRename         = "rename"
	OpMetadataUpdate = "metadata_update"
)

// Store wraps the embedded database holding pending ops and sync state.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS pending_doc_ops (
    id TEXT PRIMARY KEY,
    repo_path TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    collection_name TEXT NOT NULL,
    content_hash TEXT NOT NULL DEFAULT '',
    original_metadata TEXT NOT NULL DEFAULT '{}',
    branch TEXT NOT NULL DEFAULT 'main',
    base_commit TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT 'tool',
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','staged','committed')),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(repo_path, collection_name, doc_id)
);

CREATE INDEX IF NOT EXISTS idx_doc_ops_repo ON pending_doc_ops(repo_path, status);

CREATE TABLE IF NOT EXISTS pending_collection_ops (
    id TEXT PRIMARY KEY,
    repo_path TEXT NOT NULL,
    operation_type TEXT NOT NULL CHECK(operation_type IN ('deletion','rename','metadata_update')),
    collection_name TEXT NOT NULL,
    new_name TEXT,
    original_metadata TEXT NOT NULL DEFAULT '{}',
    new_metadata TEXT NOT NULL DEFAULT '{}',
    branch TEXT NOT NULL DEFAULT 'main',
    base_commit TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','staged','committed')),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(repo_path, collection_name, operation_type)
);

CREATE INDEX IF NOT EXISTS idx_coll_ops_repo ON pending_collection_ops(repo_path, status);

CREATE TABLE IF NOT EXISTS sync_state (
    repo_path TEXT NOT NULL,
    collection_name TEXT NOT NULL,
    branch TEXT NOT NULL DEFAULT 'main',
    last_sync_commit TEXT NOT NULL DEFAULT '',
    doc_count INTEGER NOT NULL DEFAULT 0,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    embedding_model TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'synced' CHECK(status IN ('synced','pending','local_changes','error')),
    error_message TEXT NOT NULL DEFAULT '',
    local_changes_count INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(repo_path, collection_name, branch)
);

CREATE TABLE IF NOT EXISTS applied_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Open opens (creating if needed) the tracker database at path and brings
// its schema current. Migrations are forward-only and idempotent.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating tracker directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening tracker database: %w", err)
	}
	// Single writer; SQLite serializes anyway and this avoids BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configuring tracker database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing tracker schema: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the on-disk location of the tracker database.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies the schema is present; used by the fail-fast startup check.
func (s *Store) Ping(ctx context.Context) error {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table'
		 AND name IN ('pending_doc_ops','pending_collection_ops','sync_state')`).Scan(&n)
	if err != nil {
		return fmt.Errorf("tracker schema check: %w", err)
	}
	if n != 3 {
		return fmt.Errorf("tracker schema incomplete (%d/3 tables): %w", n, dmmserr.ErrInternal)
	}
	return nil
}

// migration is a named, idempotent, forward-only schema change.
type migration struct {
	name string
	fn   func(*sql.DB) error
}

// migrationsList runs in order on every open; applied names are recorded so
// reruns are no-ops.
var migrationsList = []migration{
	{"doc_ops_source_column", migrateDocOpsSourceColumn},
	{"sync_state_error_message", migrateSyncStateErrorMessage},
}

func (s *Store) migrate() error {
	for _, m := range migrationsList {
		var done int
		err := s.db.QueryRow("SELECT count(*) FROM applied_migrations WHERE name = ?", m.name).Scan(&done)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", m.name, err)
		}
		if done > 0 {
			continue
		}
		if err := m.fn(s.db); err != nil {
			return fmt.Errorf("running migration %s: %w", m.name, err)
		}
		if _, err := s.db.Exec("INSERT INTO applied_migrations (name) VALUES (?)", m.name); err != nil {
			return fmt.Errorf("recording migration %s: %w", m.name, err)
		}
	}
	return nil
}

// migrateDocOpsSourceColumn backfills the source column for databases
// created before it existed. CREATE TABLE already includes it, so this only
// fires against legacy files.
func migrateDocOpsSourceColumn(db *sql.DB) error {
	if hasColumn(db, "pending_doc_ops", "source") {
		return nil
	}
	_, err := db.Exec(`ALTER TABLE pending_doc_ops ADD COLUMN source TEXT NOT NULL DEFAULT 'tool'`)
	return err
}

func migrateSyncStateErrorMessage(db *sql.DB) error {
	if hasColumn(db, "sync_state", "error_message") {
		return nil
	}
	_, err := db.Exec(`ALTER TABLE sync_state ADD COLUMN error_message TEXT NOT NULL DEFAULT ''`)
	return err
}

func hasColumn(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

// execRetry runs fn, retrying briefly when SQLite reports the database is
// locked by another process.
func execRetry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
