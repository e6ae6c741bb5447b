// Package sqlite implements the relayhub data store backed by a SQLite
// database. It holds the registry snapshot, node API keys, and server
// settings.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all relayhub persistence.
type Store struct {
	db *sql.DB

	resolveAPIKeyIDStmt *sql.Stmt
	loadSnapshotStmt    *sql.Stmt
}

const (
	defaultMaxOpenConns = 4
	defaultMaxIdleConns = 4

	resolveAPIKeyIDQuery = `SELECT id FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL`
	loadSnapshotQuery    = `SELECT data FROM registry_snapshot WHERE id = 1`
)

// OpenOptions controls SQLite connection pool sizing. Zero values pick
// the defaults; idle connections are capped at the open limit.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

func (o OpenOptions) pool() (open, idle int) {
	open, idle = o.MaxOpenConns, o.MaxIdleConns
	if open <= 0 {
		open = defaultMaxOpenConns
	}
	if idle <= 0 {
		idle = defaultMaxIdleConns
	}
	return open, min(idle, open)
}

// Open opens the database at path with default pool sizes. See
// [OpenWithOptions].
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions opens or creates the database at path in WAL mode and
// brings the schema up to date. The parent directory is created if needed.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	dsn, err := prepareDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpen, maxIdle := opts.pool()
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	ctx := context.Background()
	s := &Store{db: db}
	if err := s.setup(ctx); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	return s, nil
}

// prepareDSN appends the per-connection pragmas so every pooled connection
// gets them, and creates the parent directory of file paths.
func prepareDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("missing sqlite database path")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create db dir: %w", err)
			}
		}
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)", nil
}

// setup applies the database-wide pragmas, migrates, and prepares the hot
// statements.
func (s *Store) setup(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return s.prepareStatements(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL,
	revoked_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS server_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS registry_snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data BLOB NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.resolveAPIKeyIDStmt, err = s.db.PrepareContext(ctx, resolveAPIKeyIDQuery); err != nil {
		return fmt.Errorf("prepare api key lookup: %w", err)
	}
	if s.loadSnapshotStmt, err = s.db.PrepareContext(ctx, loadSnapshotQuery); err != nil {
		return fmt.Errorf("prepare snapshot load: %w", err)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var errs []error
	for _, stmt := range []**sql.Stmt{&s.resolveAPIKeyIDStmt, &s.loadSnapshotStmt} {
		if *stmt != nil {
			errs = append(errs, (*stmt).Close())
			*stmt = nil
		}
	}
	return errors.Join(errs...)
}
