package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tablewatch/tablewatch/pkg/config"
	"github.com/tablewatch/tablewatch/pkg/errors"
)

// RedisClient wraps the Redis client with additional functionality
type RedisClient struct {
	client *redis.Client
	config *config.RedisConfig
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg *config.RedisConfig) (*RedisClient, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("Redis configuration is required")
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewInternalError("failed to connect to Redis").WithCause(err)
	}

	return &RedisClient{
		client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Health checks the Redis connection health
func (r *RedisClient) Health(ctx context.Context) error {
	if r.client == nil {
		return errors.NewInternalError("Redis client is nil")
	}

	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.NewInternalError("Redis health check failed").WithCause(err)
	}

	return nil
}

// Client returns the underlying Redis client
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Stats returns Redis connection statistics
func (r *RedisClient) Stats() *redis.PoolStats {
	return r.client.PoolStats()
}

// Set stores a value with the given TTL
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.NewInternalError("failed to set Redis key").WithCause(err)
	}
	return nil
}

// Get retrieves a value; missing keys yield a not-found error
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", errors.NewNotFoundError("key")
		}
		return "", errors.NewInternalError("failed to get Redis key").WithCause(err)
	}
	return value, nil
}

// Del removes keys
func (r *RedisClient) Del(ctx context.Context, keys ...string) (int64, error) {
	count, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, errors.NewInternalError("failed to delete Redis keys").WithCause(err)
	}
	return count, nil
}

// Exists checks if keys exist
func (r *RedisClient) Exists(ctx context.Context, keys ...string) (int64, error) {
	count, err := r.client.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, errors.NewInternalError("failed to check Redis key existence").WithCause(err)
	}
	return count, nil
}

// Expire sets a key's TTL
func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return errors.NewInternalError("failed to set Redis key expiration").WithCause(err)
	}
	return nil
}

// TTL returns the time to live for a key
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, errors.NewInternalError("failed to get Redis key TTL").WithCause(err)
	}
	return ttl, nil
}
