// Package cache is the read-through entity cache in front of the definition
// store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"rcs/internal/config"
	"rcs/pkg/circuitbreaker"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache miss")

const (
	EntityEvent = "event"
	EntityScene = "scene"
	EntityRule  = "rule"
)

// Key identifies one cached entity at one generation. Invalidate moves an
// entity to its next generation, so an entry written under an older one is
// never read again.
type Key struct {
	Entity     string
	ID         string
	Generation int64
}

// String hash-tags the entity so an entry and its generation counter share a
// cluster slot.
func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.tag(), k.Generation)
}

func (k Key) tag() string {
	return "{" + k.Entity + ":" + k.ID + "}"
}

func (k Key) generationKey() string {
	return k.tag() + ":gen"
}

type Cache interface {
	// Generation returns the entity's current generation, zero if it was
	// never invalidated.
	Generation(ctx context.Context, key Key) (int64, error)
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...Key) error
}

// invalidateScript bumps the generation and drops the entry cached under the
// previous one.
var invalidateScript = redis.NewScript(`
local gen = redis.call("INCR", KEYS[1])
redis.call("DEL", ARGV[1] .. (gen - 1))
return gen
`)

type RedisCache struct {
	client redis.UniversalClient
	prefix string
	cb     *circuitbreaker.Wrapper
}

func NewRedisCache(client redis.UniversalClient, prefix string, cbCfg config.CircuitBreakerConfig) *RedisCache {
	c := &RedisCache{client: client, prefix: prefix}
	if cbCfg.Enabled {
		c.cb = circuitbreaker.NewWrapper(circuitbreaker.FromSettings("redis-cache", cbCfg))
	}
	return c
}

func (c *RedisCache) Generation(ctx context.Context, key Key) (int64, error) {
	return circuitbreaker.Execute(ctx, c.cb, func() (int64, error) {
		gen, err := c.client.Get(ctx, c.prefix+key.generationKey()).Int64()
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("redis get failed: %w", err)
		}
		return gen, nil
	})
}

func (c *RedisCache) Get(ctx context.Context, key Key) ([]byte, error) {
	val, err := circuitbreaker.Execute(ctx, c.cb, func() ([]byte, error) {
		val, err := c.client.Get(ctx, c.prefix+key.String()).Bytes()
		if errors.Is(err, redis.Nil) {
			// a miss is not a failure for the breaker
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("redis get failed: %w", err)
		}
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, ErrMiss
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	_, err := circuitbreaker.Execute(ctx, c.cb, func() (struct{}, error) {
		if err := c.client.Set(ctx, c.prefix+key.String(), value, ttl).Err(); err != nil {
			return struct{}{}, fmt.Errorf("redis set failed: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (c *RedisCache) Invalidate(ctx context.Context, keys ...Key) error {
	for _, k := range keys {
		_, err := circuitbreaker.Execute(ctx, c.cb, func() (struct{}, error) {
			err := invalidateScript.Run(ctx, c.client,
				[]string{c.prefix + k.generationKey()},
				c.prefix+k.tag()+":",
			).Err()
			if err != nil {
				return struct{}{}, fmt.Errorf("redis invalidate failed: %w", err)
			}
			return struct{}{}, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// NopCache always misses. It stands in when the cache is disabled.
type NopCache struct{}

func (NopCache) Generation(context.Context, Key) (int64, error) {
	return 0, nil
}

func (NopCache) Get(context.Context, Key) ([]byte, error) {
	return nil, ErrMiss
}

func (NopCache) Set(context.Context, Key, []byte, time.Duration) error {
	return nil
}

func (NopCache) Invalidate(context.Context, ...Key) error {
	return nil
}
