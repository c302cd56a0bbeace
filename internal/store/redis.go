package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 500 * time.Millisecond

// RedisStore is a Redis-backed Store shared across router replicas.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error.
//   - Set returns nil even on error (state writes are fire-and-forget).
//   - Delete returns the underlying error so callers can log/handle it.
//
// Beyond the plain KV interface it exposes the list operations the async
// queue needs for its shared pending list.
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisStoreFromClient wraps an existing Redis client.
// The caller owns the client lifecycle (creation and Close).
func NewRedisStoreFromClient(redisCli *redis.Client) *RedisStore {
	return &RedisStore{client: redisCli, queryTimeout: defaultQueryTimeout}
}

// NewRedisStoreFromURL parses redisURL, creates a client, verifies the
// connection with a PING, and returns a RedisStore.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("store: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &RedisStore{client: cli, queryTimeout: defaultQueryTimeout}, nil
}

// Get retrieves the value for key.
// Returns (data, true) on a hit and (nil, false) on a miss or any error.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.DebugContext(ctx, "store_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set stores value under key with the given TTL. A zero or negative ttl
// stores without expiry. Returns nil even on Redis error — shared state is
// advisory and must never fail the request path.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.DebugContext(ctx, "store_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Delete removes key from Redis.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store: DEL %s: %w", key, err)
	}

	return nil
}

// ListPush appends value to the tail of the list at key.
func (s *RedisStore) ListPush(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("store: RPUSH %s: %w", key, err)
	}
	return nil
}

// ListPushFront prepends value to the head of the list at key. Used when a
// popped job has to go back without losing its FIFO position.
func (s *RedisStore) ListPushFront(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("store: LPUSH %s: %w", key, err)
	}
	return nil
}

// ListPop atomically removes and returns the head of the list at key.
// Returns ("", false) when the list is empty or on error. The atomic head
// pop is what guarantees each queued job is drained by exactly one replica.
func (s *RedisStore) ListPop(ctx context.Context, key string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	val, err := s.client.LPop(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.DebugContext(ctx, "store_lpop_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return "", false
	}
	return val, true
}

// ListLen returns the length of the list at key, or 0 on error.
func (s *RedisStore) ListLen(ctx context.Context, key string) int {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// Keys returns every key matching pattern, or nil on error. Used by the
// breaker and tracker to reload their maps at startup.
func (s *RedisStore) Keys(ctx context.Context, pattern string) []string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		slog.DebugContext(ctx, "store_scan_error",
			slog.String("pattern", pattern),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return keys
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
