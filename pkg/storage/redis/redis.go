// Package redis builds a go-redis client with pool limits and a fail-fast ping.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	_defaultPoolSize    = 10
	_defaultMinIdleConns = 2
	_defaultPoolTimeout = 4 * time.Second
	_dialTimeout        = 5 * time.Second
	_ioTimeout          = 2 * time.Second
)

type Redis struct {
	*goredis.Client

	poolSize    int
	minIdleConns int
	poolTimeout time.Duration
}

func New(ctx context.Context, addr, password string, db int, opts ...Option) (*Redis, error) {
	const op = "redis.New"

	r := &Redis{
		poolSize:    _defaultPoolSize,
		minIdleConns: _defaultMinIdleConns,
		poolTimeout: _defaultPoolTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	r.Client = goredis.NewClient(&goredis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		PoolSize:        r.poolSize,
		MinIdleConns:    r.minIdleConns,
		PoolTimeout:     r.poolTimeout,
		DialTimeout:     _dialTimeout,
		ReadTimeout:     _ioTimeout,
		WriteTimeout:    _ioTimeout,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: time.Second,
	})

	if err := r.Ping(ctx).Err(); err != nil {
		_ = r.Client.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return r, nil
}
