package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plantflow/flowengine/pkg/metrics"
)

type RedisCache struct {
	client  redis.UniversalClient
	options *Options
}

func NewRedisCache(client redis.UniversalClient, opts *Options) *RedisCache {
	defaults := DefaultOptions()
	if opts == nil {
		opts = defaults
	}
	if opts.Codec == nil {
		opts.Codec = defaults.Codec
	}
	if opts.Namespace == "" {
		opts.Namespace = defaults.Namespace
	}
	return &RedisCache{client: client, options: opts}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, c.buildKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.RecordCacheMiss(c.options.Namespace)
			return ErrCacheMiss
		}
		return fmt.Errorf("redis get error: %w", err)
	}

	if err := c.options.Codec.Decode(data, dest); err != nil {
		return fmt.Errorf("decode error: %w", err)
	}
	metrics.RecordCacheHit(c.options.Namespace)
	return nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := c.options.Codec.Encode(value)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	if ttl == 0 {
		ttl = c.options.DefaultTTL
	}
	if err := c.client.Set(ctx, c.buildKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, pattern string) error {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, c.buildKey(pattern), 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan error: %w", err)
		}
		keys = append(keys, batch...)
		if cursor = next; cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline delete error: %w", err)
	}
	return nil
}

func (c *RedisCache) buildKey(key string) string {
	return c.options.Namespace + ":" + key
}
