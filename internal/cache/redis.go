package cache

import (
	"context"
	stderrors "errors"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/config"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
)

const scanBatch = 256

// RedisClient is the Redis backend of the annotation cache. It also exposes
// the raw client for the shared request rate limiter.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient builds a client from cfg. Connections are opened lazily;
// callers check reachability with Health.
func NewRedisClient(cfg *config.RedisConfig) (*RedisClient, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("Redis configuration is required")
	}
	if cfg.Host == "" {
		return nil, errors.NewValidationError("Redis host is required")
	}
	return WrapRedisClient(redis.NewClient(redisOptions(cfg))), nil
}

// WrapRedisClient adapts an existing go-redis client
func WrapRedisClient(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

func redisOptions(cfg *config.RedisConfig) *redis.Options {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	return &redis.Options{
		Addr:            net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        poolSize,
		MinIdleConns:    poolSize / 5,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     2 * time.Second,
		WriteTimeout:    2 * time.Second,
		PoolTimeout:     3 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		MaxRetries:      2,
		MinRetryBackoff: 10 * time.Millisecond,
		MaxRetryBackoff: 250 * time.Millisecond,
	}
}

func redisError(op string, err error) error {
	return errors.NewUnavailableError("redis", op).WithCause(err)
}

// Close closes the Redis connection pool
func (r *RedisClient) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Health pings Redis
func (r *RedisClient) Health(ctx context.Context) error {
	if r == nil || r.client == nil {
		return errors.NewUnavailableError("redis", "client is not configured")
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return redisError("ping failed", err)
	}
	return nil
}

// Client returns the underlying go-redis client, or nil
func (r *RedisClient) Client() *redis.Client {
	if r == nil {
		return nil
	}
	return r.client
}

// Stats returns connection pool statistics
func (r *RedisClient) Stats() *redis.PoolStats {
	return r.client.PoolStats()
}

// FlushDB empties the selected database. Only tests call it.
func (r *RedisClient) FlushDB(ctx context.Context) error {
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		return redisError("flush failed", err)
	}
	return nil
}

// Get returns the value at key. A missing key is a not-found error.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	switch {
	case stderrors.Is(err, redis.Nil):
		return "", errors.NewNotFoundError("cache entry")
	case err != nil:
		return "", redisError("get failed", err)
	}
	return value, nil
}

// Set stores value at key. A zero expiration keeps the key forever.
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := r.client.Set(ctx, key, value, expiration).Err(); err != nil {
		return redisError("set failed", err)
	}
	return nil
}

// Del removes keys and reports how many existed
func (r *RedisClient) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	removed, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, redisError("delete failed", err)
	}
	return removed, nil
}

// ScanKeys walks the keyspace with SCAN and returns each matching key once
func (r *RedisClient) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, redisError("scan failed", err)
	}
	return keys, nil
}

// TTL returns the remaining time to live of key
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, redisError("ttl failed", err)
	}
	return ttl, nil
}
