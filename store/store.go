// Package store defines the persisted key-value boundary consumed by the
// cache and the mutation queue, with multiple backend implementations.
//
// The [Store] interface is deliberately small: string keys, []byte values,
// and prefix operations for namespace-wide invalidation. Three backends are
// provided:
//
//   - [NewMemory]: in-process map guarded by a mutex; lost on restart.
//     Intended for tests and short-lived sessions.
//   - [NewSQLite]: a local SQLite database using [modernc.org/sqlite]
//     (pure Go, no CGO). WAL mode is enabled. Survives process restarts,
//     which is what makes the mutation queue durable.
//   - [NewRedis]: backed by Redis using [github.com/redis/go-redis/v9],
//     for embedding the same sync core in a server-side process. Prefix
//     deletion uses SCAN, so it is safe on shared instances.
//
// [NewEncrypted] wraps any Store and transparently encrypts values whose
// keys fall under configured namespaces (AES-256-GCM). Chat content goes
// through this wrapper.
package store

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("store: closed")

// Store is the persisted key-value boundary. Implementations must be safe
// for concurrent use. Values are opaque bytes; serialization is the
// caller's concern.
type Store interface {
	// Get returns the value for key. The bool reports whether the key
	// was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix and returns
	// how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// Keys returns all keys starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Close releases backend resources. Operations after Close return
	// ErrClosed.
	Close() error
}
