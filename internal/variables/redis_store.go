package variables

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/plantflow/flowengine/internal/flow/message"
)

// RedisStore shares variables between flow hosts through Redis. Values are
// stored as JSON strings under <prefix>:<scope>:<key>.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "plantflow:vars"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (r *RedisStore) buildKey(scope Scope, key string) string {
	return r.keyPrefix + ":" + scope.prefix() + key
}

func (r *RedisStore) Get(ctx context.Context, scope Scope, key string) (interface{}, bool, error) {
	if err := check(scope, key); err != nil {
		return nil, false, err
	}
	data, err := r.client.Get(ctx, r.buildKey(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get variable %s: %w", key, err)
	}
	value, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *RedisStore) Set(ctx context.Context, scope Scope, key string, value interface{}) error {
	if err := check(scope, key); err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.buildKey(scope, key), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set variable %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, scope Scope, key string) error {
	if err := check(scope, key); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.buildKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete variable %s: %w", key, err)
	}
	return nil
}

// CompareAndSwap uses WATCH/MULTI so a concurrent writer aborts the swap.
func (r *RedisStore) CompareAndSwap(ctx context.Context, scope Scope, key string, expected, next interface{}) (bool, error) {
	if err := check(scope, key); err != nil {
		return false, err
	}
	data, err := encode(next)
	if err != nil {
		return false, err
	}

	full := r.buildKey(scope, key)
	swapped := false
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, full).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expected != nil {
				return nil
			}
		case err != nil:
			return err
		default:
			if expected == nil {
				return nil
			}
			current, err := decode(raw)
			if err != nil {
				return err
			}
			if !message.Equal(current, expected) {
				return nil
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, data, 0)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, full)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to swap variable %s: %w", key, err)
	}
	return swapped, nil
}

func (r *RedisStore) Keys(ctx context.Context, scope Scope) ([]string, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	prefix := r.keyPrefix + ":" + scope.prefix()

	var keys []string
	iter := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan variables: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapeGlob quotes the SCAN MATCH metacharacters in s.
func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

func encode(value interface{}) ([]byte, error) {
	data, err := json.Marshal(message.Normalize(value))
	if err != nil {
		return nil, fmt.Errorf("failed to encode variable: %w", err)
	}
	return data, nil
}

func decode(data []byte) (interface{}, error) {
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to decode variable: %w", err)
	}
	return value, nil
}
