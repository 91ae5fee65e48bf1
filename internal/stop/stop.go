package stop

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "agent:stop:"

// Store is the minimal key-value surface the registry needs. Backed by redis
// in production; tests supply a fake.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
}

// RedisStore adapts a redis client to Store. Get returns "" for a missing key.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Registry holds per-run stop flags. Flags expire after a TTL so an
// abandoned stop request cannot linger forever.
type Registry struct {
	store Store
	ttl   time.Duration
}

func NewRegistry(store Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}

	return &Registry{
		store: store,
		ttl:   ttl,
	}
}

func (r *Registry) RequestStop(ctx context.Context, runID string) error {
	return r.store.Set(ctx, keyPrefix+runID, "1", r.ttl)
}

func (r *Registry) ClearStop(ctx context.Context, runID string) error {
	return r.store.Del(ctx, keyPrefix+runID)
}

// ShouldStop reports whether a stop was requested for the run. It fails open:
// infrastructure errors read as "not stopped" so a flaky store cannot kill
// healthy runs.
func (r *Registry) ShouldStop(ctx context.Context, runID string) bool {
	val, err := r.store.Get(ctx, keyPrefix+runID)
	if err != nil {
		slog.WarnContext(ctx, "Unable to read stop flag", slog.String("run_id", runID), slog.Any("error", err))
		return false
	}

	return val != ""
}
