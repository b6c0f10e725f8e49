// Package ratelimit provides keyed limiters shared by the rate-limit node and
// the HTTP API.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter decides whether one more event for key is allowed now.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() rate.Limit
	Burst() int
}

// TokenBucketLimiter keeps one token bucket per key in process.
type TokenBucketLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewTokenBucketLimiter(rps float64, burst int) *TokenBucketLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *TokenBucketLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.limiters[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = b
	}
	return b
}

func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.bucket(key).Allow(), nil
}

// AllowAt is Allow evaluated at a given instant.
func (l *TokenBucketLimiter) AllowAt(key string, now time.Time) bool {
	return l.bucket(key).AllowN(now, 1)
}

// Wait blocks until key may proceed or ctx is done.
func (l *TokenBucketLimiter) Wait(ctx context.Context, key string) error {
	return l.bucket(key).Wait(ctx)
}

func (l *TokenBucketLimiter) Limit() rate.Limit {
	return l.limit
}

func (l *TokenBucketLimiter) Burst() int {
	return l.burst
}

// RedisRateLimiter is a fixed-window counter shared by every process using
// the same Redis.
type RedisRateLimiter struct {
	redis  *redis.Client
	prefix string
	limit  int
	window time.Duration
}

func NewRedisRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	if window < time.Second {
		window = time.Second
	}
	return &RedisRateLimiter{
		redis:  client,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := time.Now().Unix() / int64(r.window.Seconds())
	windowKey := fmt.Sprintf("%s%s:%d", r.prefix, key, slot)

	pipe := r.redis.TxPipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, r.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to execute pipeline: %w", err)
	}
	return incr.Val() <= int64(r.limit), nil
}

func (r *RedisRateLimiter) Limit() rate.Limit {
	return rate.Limit(float64(r.limit) / r.window.Seconds())
}

func (r *RedisRateLimiter) Burst() int {
	return r.limit
}

// Middleware creates a Gin middleware for rate limiting
func Middleware(limiter RateLimiter, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ""
		if keyFunc != nil {
			key = keyFunc(c)
		}
		if key == "" {
			key = c.ClientIP()
		}

		allowed, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Rate limiting error",
			})
			return
		}

		if !allowed {
			c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Burst()))
			c.Header("X-RateLimit-Remaining", "0")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Too many requests, please try again later",
			})
			return
		}

		c.Next()
	}
}

// IPKeyFunc returns client IP as rate limit key
func IPKeyFunc(c *gin.Context) string {
	return c.ClientIP()
}
