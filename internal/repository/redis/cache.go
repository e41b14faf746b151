// Package redis backs the notification cache and the rule engine's
// cooldown and grouping locks.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Cache stores serialized notifications. A missing key reads as "".
type Cache struct {
	rdb goredis.Cmdable
}

func NewCache(rdb goredis.Cmdable) *Cache {
	return &Cache{rdb: rdb}
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	const op = "repository.redis.Cache.Get"

	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return val, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	const op = "repository.redis.Cache.Set"

	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (c *Cache) Del(ctx context.Context, keys ...string) error {
	const op = "repository.redis.Cache.Del"

	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Locker hands out expiring keys with SET NX, shared by every replica.
type Locker struct {
	rdb    goredis.Cmdable
	prefix string
}

func NewLocker(rdb goredis.Cmdable, prefix string) *Locker {
	return &Locker{rdb: rdb, prefix: prefix}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	const op = "repository.redis.Locker.TryLock"

	ok, err := l.rdb.SetNX(ctx, l.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return ok, nil
}

func (l *Locker) Unlock(ctx context.Context, keys ...string) error {
	const op = "repository.redis.Locker.Unlock"

	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = l.prefix + k
	}

	if err := l.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
