package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"convsync/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLite implements domain.KVStore on a single kv table.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLite(dbPath string, logger *slog.Logger) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLite{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		key         TEXT PRIMARY KEY,
		value       BLOB NOT NULL,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);`)
	return err
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get", Key: key, Err: err}
	}
	return value, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now(),
	)
	if err != nil {
		return &domain.StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return &domain.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
