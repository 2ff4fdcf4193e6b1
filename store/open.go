package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

type openConfig struct {
	busyTimeout int
	mkdirAll    bool
}

// OpenOption customises Open behaviour.
type OpenOption func(*openConfig)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) OpenOption { return func(c *openConfig) { c.busyTimeout = ms } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() OpenOption { return func(c *openConfig) { c.mkdirAll = true } }

// Open opens the SQLite database at path with production-safe pragmas
// (WAL, busy_timeout, foreign_keys, synchronous=NORMAL). The modernc.org
// driver is blank-imported by this package.
func Open(path string, opts ...OpenOption) (*sql.DB, error) {
	cfg := openConfig{busyTimeout: 10_000}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing. MaxOpenConns
// is pinned to 1 because each new connection to ":memory:" would see a
// separate database. Closed automatically via t.Cleanup.
func OpenMemory(t testing.TB) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
