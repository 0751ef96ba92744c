// Package store provides the local replicated-table store backed by an
// embedded SQLite database.
//
// The store holds one logical object store per replicated table (all in a
// single rows table keyed by tenant/table/id), plus the pending-mutation
// log, per-table sync metadata, and a secondary value index for
// frequently-filtered payload fields.
//
// The database runs in embedded mode with WAL for concurrent reads.
//
// Every mutating call executes as a single transaction so concurrent
// callers cannot lose updates: callers that need read-modify-write go
// through Update, never a bare Get followed by a Set.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// timeFormat preserves sub-second precision; watermark comparisons and
// conflict resolution depend on it.
const timeFormat = time.RFC3339Nano

// ChangeHook is invoked after a row-changing transaction commits.
// The replication manager installs one to feed its debounced notifier.
type ChangeHook func(tenantKey, table, rowID string)

// Config holds store configuration.
type Config struct {
	// TTL is the maximum age of a synced row before a read lazily
	// expires it. Zero disables expiry. Dirty rows never expire.
	TTL time.Duration

	// Logger for store activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TTL:    24 * time.Hour,
		Logger: log.New(os.Stderr, "[store] ", log.LstdFlags),
	}
}

// Store wraps the embedded SQLite database holding replicated rows.
type Store struct {
	conn *sql.DB
	path string
	cfg  *Config

	hookMu sync.RWMutex
	hook   ChangeHook
}

// Open creates a store at the specified path with default configuration.
//
// The caller MUST call Close when done.
func Open(path string) (*Store, error) {
	return OpenWithConfig(path, DefaultConfig())
}

// OpenWithConfig creates a store with custom configuration.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created; call InitSchema before
// first use.
func OpenWithConfig(path string, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
		cfg:  cfg,
	}

	// WAL so readers don't block the sync engine's writes.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
// The mutation queue shares it so eviction and queue state live in one
// database file.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// TTL returns the configured row TTL.
func (s *Store) TTL() time.Duration {
	return s.cfg.TTL
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// SetChangeHook installs the callback fired after row changes commit.
// Pass nil to remove it.
func (s *Store) SetChangeHook(hook ChangeHook) {
	s.hookMu.Lock()
	s.hook = hook
	s.hookMu.Unlock()
}

// notifyChange fires the change hook, if installed.
func (s *Store) notifyChange(tenantKey, table, rowID string) {
	s.hookMu.RLock()
	hook := s.hook
	s.hookMu.RUnlock()
	if hook != nil {
		hook(tenantKey, table, rowID)
	}
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent; safe to call on every startup.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Replicated rows for all tables, keyed by tenant/table/id.
	CREATE TABLE IF NOT EXISTS rows (
		tenant_key TEXT NOT NULL,
		table_name TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		last_synced_at TEXT,
		last_accessed_at TEXT,
		dirty INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_key, table_name, id)
	);

	-- Secondary value index for registered payload fields.
	CREATE TABLE IF NOT EXISTS row_index (
		tenant_key TEXT NOT NULL,
		table_name TEXT NOT NULL,
		field TEXT NOT NULL,
		value TEXT NOT NULL,
		row_id TEXT NOT NULL,
		PRIMARY KEY (tenant_key, table_name, field, row_id)
	);

	-- Durable log of pending local writes.
	CREATE TABLE IF NOT EXISTS mutations (
		id TEXT PRIMARY KEY,
		tenant_key TEXT NOT NULL,
		table_name TEXT NOT NULL,
		row_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT,
		depends_on TEXT,
		created_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT
	);

	-- Per tenant, per table sync bookkeeping.
	CREATE TABLE IF NOT EXISTS sync_meta (
		tenant_key TEXT NOT NULL,
		table_name TEXT NOT NULL,
		last_full_sync_at TEXT,
		last_synced_at TEXT,
		watermark TEXT,
		row_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_key, table_name)
	);

	CREATE INDEX IF NOT EXISTS idx_rows_access
	    ON rows(tenant_key, table_name, dirty, last_accessed_at);
	CREATE INDEX IF NOT EXISTS idx_rows_updated
	    ON rows(tenant_key, table_name, updated_at);
	CREATE INDEX IF NOT EXISTS idx_row_index_lookup
	    ON row_index(tenant_key, table_name, field, value);
	CREATE INDEX IF NOT EXISTS idx_mutations_tenant
	    ON mutations(tenant_key, created_at);
	CREATE INDEX IF NOT EXISTS idx_mutations_row
	    ON mutations(tenant_key, table_name, row_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// UsageBytes returns the total payload bytes cached for a tenant.
// Payload size rather than file size so eviction decisions are
// deterministic and independent of SQLite page layout.
func (s *Store) UsageBytes(ctx context.Context, tenantKey string) (int64, error) {
	var usage int64
	err := s.conn.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(LENGTH(data)), 0) FROM rows WHERE tenant_key = ?",
		tenantKey,
	).Scan(&usage)
	if err != nil {
		return 0, fmt.Errorf("failed to compute usage: %w", err)
	}
	return usage, nil
}

// RowCount returns the number of live rows for a tenant's table.
func (s *Store) RowCount(ctx context.Context, tenantKey, table string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rows WHERE tenant_key = ? AND table_name = ? AND deleted = 0",
		tenantKey, table,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return count, nil
}

// timeToNullString converts a possibly-zero time to a nullable SQL string.
func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeFormat), Valid: true}
}

// nullStringToTime converts a nullable SQL string back to a time.
func nullStringToTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
