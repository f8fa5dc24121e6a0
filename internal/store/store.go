package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/autowiki/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - folded.document_id index for compaction deletes
const currentSchemaVersion = 1

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Store is the SQLite change record store.
// Uses WAL mode for concurrent read access.
type Store struct {
	db     *sql.DB
	clock  *ir.Clock
	logger *slog.Logger

	// unsynced counts commits since the last WAL checkpoint.
	unsynced atomic.Int64
	closed   atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the insertion clock. Tests use it for deterministic stamps.
func WithClock(c *ir.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode; Flush checkpoints the WAL
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement (dependency rows cascade with records)
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, clock: ir.NewClock(), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.restoreClock(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// restoreClock advances the insertion clock past every persisted stamp so
// CreatedAt stays strictly increasing across restarts.
func (s *Store) restoreClock() error {
	var last sql.NullInt64
	err := s.db.QueryRow(`
		SELECT MAX(t) FROM (
			SELECT MAX(created_at) AS t FROM records
			UNION ALL
			SELECT MAX(covered_up_to) AS t FROM snapshots
		)
	`).Scan(&last)
	if err != nil {
		return fmt.Errorf("restore clock: %w", err)
	}
	if last.Valid {
		s.clock.Observe(ir.Timestamp(last.Int64))
	}
	return nil
}

// Close closes the database connection. Pending WAL frames are
// checkpointed first. Close is idempotent.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("checkpoint on close failed", "error", err)
	}
	return s.db.Close()
}

// Flush checkpoints the WAL into the main database file, making every
// committed append durable against power loss.
func (s *Store) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	n := s.unsynced.Load()
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)"); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	s.unsynced.Add(-n)
	return nil
}

// PendingWrites reports whether commits exist that Flush has not yet
// checkpointed.
func (s *Store) PendingWrites() bool {
	return s.unsynced.Load() > 0
}

func (s *Store) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the folded-by-document index for databases created
// before compaction deleted by document.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_folded_document
		ON folded(document_id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
