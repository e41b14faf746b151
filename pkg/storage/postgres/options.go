package postgres

import (
	"errors"
	"time"
)

type Option func(*Postgres)

func MaxPoolSize(size int) Option {
	return func(p *Postgres) {
		p.maxPoolSize = size
	}
}

func ConnAttempts(attempts int) Option {
	return func(p *Postgres) {
		p.connAttempts = attempts
	}
}

// RetryDelay sets the first pause between ping attempts and the factor it
// grows by after each failure.
func RetryDelay(base time.Duration, backoff float64) Option {
	return func(p *Postgres) {
		p.baseRetryDelay = base
		p.retryBackoff = backoff
	}
}

func (p *Postgres) validate() error {
	if p.maxPoolSize <= 0 || p.maxPoolSize > 1000 {
		return errors.New("invalid maxPoolSize: must be in (0, 1000]")
	}

	if p.connAttempts <= 0 {
		return errors.New("invalid connAttempts: must be > 0")
	}

	if p.baseRetryDelay <= 0 {
		return errors.New("invalid baseRetryDelay: must be > 0")
	}

	if p.retryBackoff < 1 {
		return errors.New("invalid retryBackoff: must be >= 1")
	}

	if p.log == nil {
		return errors.New("logger is required")
	}

	return nil
}
