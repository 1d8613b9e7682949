package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingMarker holds a key while its first request runs.
const pendingMarker = "pending"

// DefaultPendingTTL bounds how long a reservation survives a crashed holder.
const DefaultPendingTTL = 5 * time.Minute

// releaseScript deletes KEYS[1] only while it still holds the pending marker,
// so a release never drops a cached response.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisIdempotencyStore shares the replay cache between API replicas.
type RedisIdempotencyStore struct {
	client     redis.Cmdable
	ttl        time.Duration
	pendingTTL time.Duration
	prefix     string
}

// NewRedisIdempotencyStore parses a redis:// URL and returns a store.
func NewRedisIdempotencyStore(url string, ttl time.Duration) (*RedisIdempotencyStore, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisIdempotencyStoreWithClient(client, ttl), client, nil
}

// NewRedisIdempotencyStoreWithClient wraps an existing client.
func NewRedisIdempotencyStoreWithClient(client redis.Cmdable, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		client:     client,
		ttl:        ttl,
		pendingTTL: DefaultPendingTTL,
		prefix:     "gatelog:idempotency:",
	}
}

// Check treats any Redis failure, and a key still pending, as a miss.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "idempotency lookup failed", "error", err)
		}
		return nil, false
	}
	if string(raw) == pendingMarker {
		return nil, false
	}
	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// Set stores resp with the store TTL. Failures are logged only.
func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, resp CachedResponse) {
	resp.CachedAt = time.Now().UTC()
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "idempotency store failed", "error", err)
	}
}

// Reserve claims key with SET NX and the pending marker.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, pendingMarker, s.pendingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency reserve: %w", err)
	}
	return ok, nil
}

// Release drops a reservation that never produced a cacheable response.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) {
	if err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, pendingMarker).Err(); err != nil && !errors.Is(err, redis.Nil) {
		slog.WarnContext(ctx, "idempotency release failed", "error", err)
	}
}
