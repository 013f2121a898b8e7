// Package cache provides byte-level cache backends used as the secondary
// tier behind the in-memory geometry caches.
//
// # Backends
//
//   - [NullCache]: stores nothing, the default when no tier is configured
//   - [FileCache]: JSON entry files under a directory, for CLI usage
//   - [RedisCache]: a shared Redis instance for multi-process setups
//
// # Keys
//
// Keys are built by a [Keyer] so that every backend sees the same layout.
// [DefaultKeyer] hashes the key components; [ScopedKeyer] adds a prefix for
// namespace isolation between engines sharing one backend.
package cache

import (
	"context"
	"time"
)

// Cache is a byte cache with optional expiry. A zero ttl stores without
// expiry. Get reports a miss with ok == false and a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
