// Package storage owns the embedded SQLite database: schema creation, the
// vector and full-text shadow tables, and the primitive queries the rest of
// the host builds on. One Store is constructed at boot and handed to every
// component; tests construct their own against a temp path.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// EmbeddingDim is the expected dimensionality of stored vectors
// (text-embedding-3-small).
const EmbeddingDim = 1536

// vectorMode describes how similarity search is served.
type vectorMode int

const (
	// vectorNone means no vector storage is available; recall degrades to
	// full-text scoring only.
	vectorNone vectorMode = iota
	// vectorBlob stores embeddings as little-endian float32 blobs and
	// ranks them with in-process cosine similarity.
	vectorBlob
	// vectorVec0 uses the sqlite-vec vec0 virtual table when the driver
	// has the extension compiled in.
	vectorVec0
)

// Config configures Open.
type Config struct {
	// Path is the database file location. The parent directory is created
	// if missing. Empty means in-memory (tests).
	Path string

	Logger *slog.Logger
}

// Store wraps the database handle plus the capability flags discovered at
// open time.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	vecMode vectorMode
	fts     bool
}

// Open opens (creating if necessary) the database, applies the schema and
// probes for vector and FTS5 support.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "storage")
	}

	dsn := ":memory:"
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:     db,
		path:   cfg.Path,
		logger: logger,
	}

	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if err := s.createTables(ctx); err != nil {
		return err
	}

	s.fts = s.tryEnableFTS(ctx)
	if !s.fts {
		s.logger.Warn("FTS5 unavailable, text search disabled")
	}

	s.vecMode = s.initVectorTables(ctx)
	switch s.vecMode {
	case vectorVec0:
		s.logger.Info("vector search enabled", "backend", "vec0")
	case vectorBlob:
		s.logger.Info("vector search enabled", "backend", "blob")
	default:
		s.logger.Warn("vector storage unavailable, running text-only")
	}

	return nil
}

func (s *Store) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS thread_sessions (
			thread_id  TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			share_url  TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			chunk_id      TEXT PRIMARY KEY,
			thread_id     TEXT NOT NULL,
			summary       TEXT NOT NULL,
			token_count   INTEGER NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0,
			time_start    TEXT,
			time_end      TEXT,
			created_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_thread ON summaries(thread_id)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL CHECK (type IN ('fact','preference','learning')),
			content    TEXT NOT NULL,
			tags       TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type, created_at)`,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id               TEXT PRIMARY KEY,
			type             TEXT NOT NULL CHECK (type IN ('one_shot','recurring')),
			status           TEXT NOT NULL DEFAULT 'pending',
			prompt           TEXT NOT NULL,
			scheduled_at     TEXT NOT NULL,
			cron_expr        TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,
			completed_at     TEXT,
			last_run_response TEXT,
			last_error       TEXT,
			metadata         TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_due ON scheduled_jobs(status, scheduled_at)`,
		`CREATE TABLE IF NOT EXISTS subagent_tasks (
			id                TEXT PRIMARY KEY,
			agent_type        TEXT NOT NULL CHECK (agent_type IN ('explore','research','general')),
			status            TEXT NOT NULL DEFAULT 'pending',
			prompt            TEXT NOT NULL,
			parent_session_id TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			completed_at      TEXT,
			result            TEXT,
			error             TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subagent_status ON subagent_tasks(status, updated_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// tryEnableFTS attempts to create the FTS5 virtual tables. Returns false
// when the build lacks the FTS5 module, in which case text search is
// skipped rather than failing every query.
func (s *Store) tryEnableFTS(ctx context.Context) bool {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS summaries_fts USING fts5(
			summary,
			chunk_id UNINDEXED,
			thread_id UNINDEXED
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content,
			memory_id UNINDEXED
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return false
		}
	}
	return true
}

// initVectorTables probes for the vec0 extension and falls back to plain
// blob tables ranked by in-process cosine similarity.
func (s *Store) initVectorTables(ctx context.Context) vectorMode {
	vec0 := []string{
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS summaries_vec USING vec0(
			chunk_id TEXT PRIMARY KEY,
			embedding FLOAT[%d] distance_metric=cosine
		)`, EmbeddingDim),
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS memories_vec USING vec0(
			memory_id TEXT PRIMARY KEY,
			embedding FLOAT[%d] distance_metric=cosine
		)`, EmbeddingDim),
	}
	vec0OK := true
	for _, stmt := range vec0 {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			vec0OK = false
			break
		}
	}
	if vec0OK {
		return vectorVec0
	}

	blob := []string{
		`CREATE TABLE IF NOT EXISTS summaries_vec (
			chunk_id  TEXT PRIMARY KEY,
			embedding BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memories_vec (
			memory_id TEXT PRIMARY KEY,
			embedding BLOB NOT NULL
		)`,
	}
	for _, stmt := range blob {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return vectorNone
		}
	}
	return vectorBlob
}

// VectorReady reports whether similarity search is available. When false
// the search layer scores on full-text rank alone.
func (s *Store) VectorReady() bool {
	return s.vecMode != vectorNone
}

// FTSReady reports whether the FTS5 shadow tables exist.
func (s *Store) FTSReady() bool {
	return s.fts
}

// DB exposes the underlying handle for components that own their own
// queries (scheduler, sub-agent executor, session registry).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path ("" for in-memory stores).
func (s *Store) Path() string {
	return s.path
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
