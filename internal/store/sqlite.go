package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

// sqliteParams are appended to plain file paths.
const sqliteParams = "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate"

// SQLiteStore is the single-node store backed by a SQLite file.
type SQLiteStore struct {
	*sqlStore
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the SQLite database named by the DSN
// option and applies migrations. Its parent directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	path := strings.TrimPrefix(cfg.DSN, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", sqliteDSN(cfg.DSN))
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if err := migrateUp(db, "sqlite3"); err != nil {
		db.Close()
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// All access goes through one connection from here on.
	db.SetMaxOpenConns(1)

	slog.Debug("NewSQLiteStore: ready", "path", path)
	return &SQLiteStore{sqlStore: &sqlStore{db: sqlx.NewDb(db, "sqlite3"), name: "SQLiteStore"}}, nil
}

// sqliteDSN adds busy-timeout, WAL and foreign-key parameters unless the caller supplied their own.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_busy_timeout") || strings.Contains(dsn, "_journal_mode") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqliteParams
	}
	return dsn + "?" + sqliteParams
}
