// Package store provides the shared state backing for the router.
//
// Two backends are available:
//   - RedisStore  — shared across replicas; used for breaker/tracker state
//     and the async queue so multiple instances keep a coherent view.
//   - MemoryStore — in-process TTL store, zero external dependencies. Used
//     for async job results when Redis is not configured.
//
// Both implement the Store interface so they are fully interchangeable.
// All Redis operations degrade gracefully: state writes are best-effort and
// a dead Redis never fails the request path.
package store

import (
	"context"
	"time"
)

// Store is a minimal KV interface with per-entry TTL.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
