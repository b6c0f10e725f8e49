// Package cache provides a namespaced value cache with TTLs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

type Cache interface {
	// Get decodes the cached value into dest, or returns ErrCacheMiss.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores value; a zero ttl uses the cache default.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Invalidate removes every key matching a glob pattern.
	Invalidate(ctx context.Context, pattern string) error
}

type Codec interface {
	Encode(value interface{}) ([]byte, error)
	Decode(data []byte, dest interface{}) error
}

type JSONCodec struct{}

func (JSONCodec) Encode(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec) Decode(data []byte, dest interface{}) error {
	return json.Unmarshal(data, dest)
}

type Options struct {
	// Namespace prefixes every key and names the cache in metrics.
	Namespace  string
	DefaultTTL time.Duration
	Codec      Codec
}

func DefaultOptions() *Options {
	return &Options{
		Namespace:  "cache",
		DefaultTTL: time.Minute,
		Codec:      JSONCodec{},
	}
}
