package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by lookups that address a single missing row.
var ErrNotFound = errors.New("store: not found")

// Store is the SQLite data access layer for the property graph, the vector
// collections, and the job table. One Store owns one connection pool and is
// shared by every component of a process.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database at dbPath with WAL mode and foreign keys
// enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use in transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Migrate creates all tables. Idempotent.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(schemaDDL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
-- Property graph. Every node and edge is scoped by repo_id.

CREATE TABLE IF NOT EXISTS nodes (
  id              INTEGER PRIMARY KEY,
  repo_id         TEXT NOT NULL,
  label           TEXT NOT NULL,
  name            TEXT NOT NULL,
  file            TEXT NOT NULL DEFAULT '',
  props           TEXT NOT NULL DEFAULT '{}',
  UNIQUE(repo_id, label, name, file)
);

CREATE TABLE IF NOT EXISTS edges (
  id              INTEGER PRIMARY KEY,
  repo_id         TEXT NOT NULL,
  type            TEXT NOT NULL,
  src_id          INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
  dst_id          INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
  props           TEXT NOT NULL DEFAULT '{}',
  UNIQUE(type, src_id, dst_id)
);

-- Vector collections. One collection per repository.

CREATE TABLE IF NOT EXISTS collections (
  name            TEXT PRIMARY KEY,
  dimension       INTEGER NOT NULL,
  distance        TEXT NOT NULL,
  created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS points (
  id              TEXT PRIMARY KEY,
  collection      TEXT NOT NULL REFERENCES collections(name) ON DELETE CASCADE,
  file            TEXT NOT NULL DEFAULT '',
  vector          BLOB NOT NULL,
  payload         BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_points_collection_file ON points(collection, file);

-- Index jobs: status plus durable queue state.

CREATE TABLE IF NOT EXISTS jobs (
  id                TEXT PRIMARY KEY,
  repo_url          TEXT NOT NULL,
  repo_id           TEXT NOT NULL DEFAULT '',
  branch            TEXT NOT NULL DEFAULT '',
  framework         TEXT NOT NULL DEFAULT '',
  incremental       BOOLEAN NOT NULL DEFAULT FALSE,
  changed_files     TEXT NOT NULL DEFAULT '[]',
  phase             TEXT NOT NULL DEFAULT 'queued',
  percentage        INTEGER NOT NULL DEFAULT 0,
  files_processed   INTEGER NOT NULL DEFAULT 0,
  total_files       INTEGER NOT NULL DEFAULT 0,
  functions_indexed INTEGER NOT NULL DEFAULT 0,
  error             TEXT NOT NULL DEFAULT '',
  cancelled         BOOLEAN NOT NULL DEFAULT FALSE,
  cancel_requested  BOOLEAN NOT NULL DEFAULT FALSE,
  queue_state       TEXT NOT NULL DEFAULT 'pending',
  attempts          INTEGER NOT NULL DEFAULT 0,
  created_at        TIMESTAMP NOT NULL,
  started_at        TIMESTAMP,
  completed_at      TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs(queue_state, created_at);
`

// IndexSpec names a secondary index.
type IndexSpec struct {
	Name    string
	Table   string
	Columns []string
}

// EnsureIndexes creates the indexes in specs that do not exist yet and
// returns the names of those it created. Existing indexes are detected up
// front through sqlite_master rather than by provoking and ignoring errors.
func (s *Store) EnsureIndexes(ctx context.Context, specs []IndexSpec) ([]string, error) {
	var created []string
	for _, spec := range specs {
		var n int
		err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", spec.Name,
		).Scan(&n)
		if err != nil {
			return created, fmt.Errorf("store: ensure index %s: %w", spec.Name, err)
		}
		if n > 0 {
			continue
		}
		ddl := fmt.Sprintf("CREATE INDEX %s ON %s(%s)", quoteIdent(spec.Name), quoteIdent(spec.Table), joinIdents(spec.Columns))
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return created, fmt.Errorf("store: create index %s: %w", spec.Name, err)
		}
		created = append(created, spec.Name)
	}
	return created, nil
}
