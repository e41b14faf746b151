package redis

import (
	"fmt"
	"time"
)

type Option func(*Redis)

func PoolSize(size int) Option {
	return func(r *Redis) { r.poolSize = size }
}

// MinIdleConns keeps n connections warm. Zero disables warm-up.
func MinIdleConns(n int) Option {
	return func(r *Redis) { r.minIdleConns = n }
}

func PoolTimeout(timeout time.Duration) Option {
	return func(r *Redis) { r.poolTimeout = timeout }
}

func (r *Redis) validate() error {
	switch {
	case r.poolSize <= 0:
		return fmt.Errorf("pool size %d: must be > 0", r.poolSize)
	case r.minIdleConns < 0 || r.minIdleConns > r.poolSize:
		return fmt.Errorf("min idle conns %d: must be within [0, %d]", r.minIdleConns, r.poolSize)
	case r.poolTimeout <= 0:
		return fmt.Errorf("pool timeout %s: must be > 0", r.poolTimeout)
	}
	return nil
}
