// Package kvstore provides the durable key-value backends the client
// persists unread state and notification history in.
package kvstore

import (
	"fmt"
	"log/slog"
	"strings"

	"convsync/internal/domain"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

// Open returns the backend selected by name. The path is ignored for the
// memory backend.
func Open(backend, path string, logger *slog.Logger) (domain.KVStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(backend) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendSQLite:
		return NewSQLite(path, logger)
	case BackendPebble:
		return NewPebble(path, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
