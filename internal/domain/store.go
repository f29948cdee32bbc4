package domain

import "context"

// KVStore is the durable key-value store the client persists small blobs in.
// Get returns ErrNotFound for missing keys.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
