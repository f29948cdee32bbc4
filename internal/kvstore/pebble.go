package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"convsync/internal/domain"

	"github.com/cockroachdb/pebble"
)

// Pebble implements domain.KVStore on an embedded LSM directory.
type Pebble struct {
	db     *pebble.DB
	logger *slog.Logger
}

func NewPebble(dir string, logger *slog.Logger) (*Pebble, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create store directory %s: %w", dir, err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("cannot open pebble store: %w", err)
	}
	return &Pebble{db: db, logger: logger}, nil
}

func (p *Pebble) Get(_ context.Context, key string) ([]byte, error) {
	v, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get", Key: key, Err: err}
	}
	defer closer.Close()
	// value is only valid until closer is closed
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (p *Pebble) Put(_ context.Context, key string, value []byte) error {
	if err := p.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return &domain.StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (p *Pebble) Delete(_ context.Context, key string) error {
	if err := p.db.Delete([]byte(key), pebble.Sync); err != nil {
		return &domain.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (p *Pebble) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
