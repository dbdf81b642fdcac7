// Package sqlite implements the storage interface using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/storage/migrations"
)

// Verify SQLiteStorage implements storage.Storage at compile time
var _ storage.Storage = (*SQLiteStorage)(nil)

// ID prefixes for generated entity IDs
const (
	workItemPrefix = "wi"
	taskPrefix     = "tk"
)

var memdbSeq atomic.Int64

// querier is satisfied by *sql.DB and *sql.Conn so reads share one implementation
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	reader
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

// New opens (creating if needed) the database at path and brings its schema
// up to date. The special path ":memory:" opens a shared in-memory database.
func New(ctx context.Context, path string) (*SQLiteStorage, error) {
	var connStr string
	isInMemory := path == ":memory:"
	if isInMemory {
		// Each store gets its own named database so two stores in one process
		// never see each other. WAL doesn't work in memory, so use DELETE mode.
		connStr = fmt.Sprintf("file:memdb%d?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)",
			memdbSeq.Add(1))
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isInMemory {
		// In-memory databases are per connection; force a single one
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(runtime.NumCPU() + 1) // 1 writer + N readers
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)

		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := schema.Apply(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{
		reader: reader{q: db},
		db:     db,
		dbPath: path,
	}, nil
}

// SchemaVersion returns the applied schema version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	return migrations.CurrentVersion(ctx, s.db)
}

// Path returns the database path this store was opened with
func (s *SQLiteStorage) Path() string {
	return s.dbPath
}

// Close closes the database connection. Safe to call multiple times.
func (s *SQLiteStorage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

