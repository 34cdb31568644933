package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cam3ron2/github-org-stats-exporter/internal/githubapi"
	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	ExpireAt(ctx context.Context, key string, tm time.Time) *redis.BoolCmd
}

// RedisRateLimitStoreConfig configures the shared rate-limit snapshot store.
type RedisRateLimitStoreConfig struct {
	Namespace string
	// Linger keeps a snapshot around after its reset so late readers still see it.
	Linger time.Duration
}

// RedisRateLimitStore shares the latest quota snapshot per resource between
// exporter replicas that use the same credentials. Entries expire at reset.
type RedisRateLimitStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
	linger    time.Duration
}

// NewRedisRateLimitStore creates a Redis-backed snapshot store.
func NewRedisRateLimitStore(client redis.UniversalClient, cfg RedisRateLimitStoreConfig) *RedisRateLimitStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisRateLimitStoreFromCommander(client, closeFn, cfg)
}

func newRedisRateLimitStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisRateLimitStoreConfig) *RedisRateLimitStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "github-org-stats"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &RedisRateLimitStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
		linger:    cfg.Linger,
	}
}

// Close closes the underlying Redis client.
func (s *RedisRateLimitStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// SaveRateLimit stores snapshot under its resource.
func (s *RedisRateLimitStore) SaveRateLimit(ctx context.Context, snapshot githubapi.RateLimitSnapshot) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	if snapshot.Resource == "" {
		snapshot.Resource = githubapi.DefaultResource
	}

	fields := map[string]any{
		"limit":      strconv.Itoa(snapshot.Limit),
		"remaining":  strconv.Itoa(snapshot.Remaining),
		"used":       strconv.Itoa(snapshot.Used),
		"reset_unix": strconv.FormatInt(snapshot.ResetUnix, 10),
	}

	key := s.rateLimitKey(snapshot.Resource)
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("write rate limit hash: %w", err)
	}
	if err := s.client.ExpireAt(ctx, key, snapshot.ResetAt().Add(s.linger)).Err(); err != nil {
		return fmt.Errorf("set rate limit ttl: %w", err)
	}
	return nil
}

// LoadRateLimit reads the shared snapshot of resource.
func (s *RedisRateLimitStore) LoadRateLimit(ctx context.Context, resource string) (githubapi.RateLimitSnapshot, bool, error) {
	if s == nil || s.client == nil {
		return githubapi.RateLimitSnapshot{}, false, fmt.Errorf("redis store is not initialized")
	}
	if resource == "" {
		resource = githubapi.DefaultResource
	}

	fields, err := s.client.HGetAll(ctx, s.rateLimitKey(resource)).Result()
	if err != nil {
		return githubapi.RateLimitSnapshot{}, false, fmt.Errorf("read rate limit hash: %w", err)
	}
	if len(fields) == 0 {
		return githubapi.RateLimitSnapshot{}, false, nil
	}

	snapshot, ok := decodeRateLimitSnapshot(resource, fields)
	if !ok {
		return githubapi.RateLimitSnapshot{}, false, nil
	}
	return snapshot, true, nil
}

func decodeRateLimitSnapshot(resource string, fields map[string]string) (githubapi.RateLimitSnapshot, bool) {
	remaining, err := strconv.Atoi(fields["remaining"])
	if err != nil {
		return githubapi.RateLimitSnapshot{}, false
	}
	resetUnix, err := strconv.ParseInt(fields["reset_unix"], 10, 64)
	if err != nil {
		return githubapi.RateLimitSnapshot{}, false
	}
	limit, _ := strconv.Atoi(fields["limit"])
	used, _ := strconv.Atoi(fields["used"])

	return githubapi.RateLimitSnapshot{
		Resource:  resource,
		Limit:     limit,
		Remaining: remaining,
		Used:      used,
		ResetUnix: resetUnix,
		Present:   true,
	}, true
}

func (s *RedisRateLimitStore) rateLimitKey(resource string) string {
	return s.namespace + ":ratelimit:" + resource
}
